package inference

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/loom-chat/loom/pkg/artifacts"
	"github.com/loom-chat/loom/pkg/artifacts/streamparser"
	"github.com/loom-chat/loom/pkg/conversation"
	"github.com/loom-chat/loom/pkg/events"
	"github.com/loom-chat/loom/pkg/ids"
	"github.com/loom-chat/loom/pkg/providers"
	"github.com/loom-chat/loom/pkg/settings"
)

// ErrTurnInFlight is returned when a turn is started on a conversation whose
// previous turn has not finalized yet. Turns on distinct conversations run
// concurrently.
var ErrTurnInFlight = errors.New("turn already in flight for conversation")

// Persister receives a notification after every committed turn so snapshots
// can be written asynchronously. Implementations must not block.
type Persister interface {
	Persist(conversationID string)
}

type TurnRequest struct {
	ConversationID string
	// UserContent is the user message starting the turn; nil means re-run
	// against the existing chain tail.
	UserContent []conversation.ContentPart
	Adapter     providers.Adapter
	Model       string
}

type TurnResult struct {
	ConversationID string
	MessageID      string
	VersionID      string
	TurnID         string

	Text                 string
	IsIncomplete         bool
	IncompleteArtifactID string

	// Err is the provider failure recorded on the version, if any.
	Err error
}

// Orchestrator drives assistant turns end to end: it collects the active
// chain, calls the provider adapter, routes normalized events through the
// artifact parser and commits the results to the conversation and artifact
// stores.
type Orchestrator struct {
	conversations *conversation.Store
	artifacts     *artifacts.Store
	settings      settings.Settings
	sink          events.EventSink
	persister     Persister

	mu       sync.Mutex
	inFlight map[string]bool
}

type Option func(*Orchestrator)

func WithSink(sink events.EventSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

func WithPersister(p Persister) Option {
	return func(o *Orchestrator) {
		o.persister = p
	}
}

func New(conversations *conversation.Store, arts *artifacts.Store, s settings.Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conversations: conversations,
		artifacts:     arts,
		settings:      s,
		sink:          events.NullSink{},
		inFlight:      map[string]bool{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunTurn appends the user message (when given) and an empty assistant
// version, streams the provider response through the artifact parser and
// finalizes the version. It returns ErrTurnInFlight when the conversation is
// already streaming.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if _, ok := o.conversations.Get(req.ConversationID); !ok {
		return nil, errors.Errorf("unknown conversation %s", req.ConversationID)
	}
	if !o.acquire(req.ConversationID) {
		return nil, ErrTurnInFlight
	}
	defer o.release(req.ConversationID)

	if req.UserContent != nil {
		o.conversations.AddMessageNode(req.ConversationID, conversation.RoleUser, req.UserContent)
	}

	chain := o.conversations.ActiveChain(req.ConversationID)
	msgID, verID := o.conversations.AddMessageNode(req.ConversationID, conversation.RoleAssistant, nil)

	return o.runStream(ctx, req.ConversationID, msgID, verID, chain, req.Adapter, req.Model)
}

// Regenerate appends a sibling version to an existing assistant message and
// re-runs the stream against the chain that precedes it.
func (o *Orchestrator) Regenerate(ctx context.Context, conversationID, messageID string, adapter providers.Adapter, model string) (*TurnResult, error) {
	c, ok := o.conversations.Get(conversationID)
	if !ok {
		return nil, errors.Errorf("unknown conversation %s", conversationID)
	}
	if _, ok := c.Messages[messageID]; !ok {
		return nil, errors.Errorf("unknown message %s", messageID)
	}
	if !o.acquire(conversationID) {
		return nil, ErrTurnInFlight
	}
	defer o.release(conversationID)

	verID := o.conversations.AppendVersion(conversationID, messageID)
	if verID == "" {
		return nil, errors.Errorf("could not append version to %s", messageID)
	}

	chain := o.conversations.ActiveChain(conversationID)
	for i, e := range chain {
		if e.MessageID == messageID {
			chain = chain[:i]
			break
		}
	}
	return o.runStream(ctx, conversationID, messageID, verID, chain, adapter, model)
}

// Cancel semantics: when ctx ends mid-stream the parser is flushed with what
// arrived, the version keeps its partial content and incompleteness follows
// the parser state. Cancellation is not an error.
func (o *Orchestrator) runStream(ctx context.Context, conversationID, msgID, verID string, chain []conversation.ChainEntry, adapter providers.Adapter, model string) (*TurnResult, error) {
	turnID := ids.New(ids.PrefixTurn)
	res := &TurnResult{
		ConversationID: conversationID,
		MessageID:      msgID,
		VersionID:      verID,
		TurnID:         turnID,
	}

	msgs, resumeID := conversation.FormatChain(chain, conversation.FormatOptions{
		SystemPrompt:         o.settings.SystemPrompt,
		ArtifactInstructions: o.settings.ArtifactInstructions,
		ArtifactText: func(artifactID string) (string, map[string]string, bool) {
			v := o.artifacts.ActiveVersion(conversationID, artifactID)
			if v == nil {
				return "", nil, false
			}
			return v.Content, v.Metadata, true
		},
	})
	var contTarget *conversation.ChainEntry
	if resumeID != "" {
		_, contTarget = conversation.ContinuationTarget(chain)
		log.Debug().Str("conversation_id", conversationID).Str("artifact_id", resumeID).
			Msg("resuming incomplete artifact")
	}

	meta := events.EventMetadata{
		ID:             uuid.New(),
		ConversationID: conversationID,
		MessageID:      msgID,
		VersionID:      verID,
		TurnID:         turnID,
		Model:          model,
	}

	stream, err := adapter.ChatStream(ctx, providers.Request{
		Model:     model,
		Messages:  msgs,
		MaxTokens: o.settings.MaxTokens,
	})
	if err != nil {
		o.failTurn(res, meta, err)
		o.persist(conversationID)
		return res, nil
	}
	defer stream.Close()

	parserOpts := []streamparser.Option{streamparser.WithResumeArtifact(resumeID)}
	if o.settings.ParserCoalesceBytes > 0 {
		parserOpts = append(parserOpts, streamparser.WithCoalesceBytes(o.settings.ParserCoalesceBytes))
	}
	parser := streamparser.New(parserOpts...)

	trace := newToolTrace()
	var providerErr error
	cancelled := false

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			ev, err := stream.Next(gctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				cancelled = true
				return nil
			}
			switch e := ev.(type) {
			case *events.EventMessageDelta:
				o.applyParserEvents(conversationID, msgID, verID, meta, parser.Feed(e.Delta))
				o.publish(ev)
			case *events.EventReasoningDelta:
				o.conversations.AppendReasoning(conversationID, msgID, verID, e.Delta)
				o.publish(ev)
			case *events.EventToolUseStart:
				trace.start(e.ToolID, e.Name)
				o.publish(ev)
			case *events.EventToolInputDelta:
				trace.input(e.ToolID, e.Delta)
				o.publish(ev)
			case *events.EventToolResult:
				trace.result(e.ToolID, e.Name, e.Content)
				o.publish(ev)
			case *events.EventError:
				providerErr = errors.New(e.ErrorString)
				return nil
			default:
				o.publish(ev)
			}
		}
	})
	_ = g.Wait()

	o.applyParserEvents(conversationID, msgID, verID, meta, parser.Flush())
	for _, entry := range trace.entries {
		o.conversations.AppendToolTrace(conversationID, msgID, verID, entry)
	}
	res.Text = o.versionText(conversationID, msgID, verID)

	switch {
	case providerErr != nil:
		o.failTurn(res, meta, providerErr)
	default:
		incomplete := parser.IsIncomplete()
		o.conversations.FinalizeVersion(conversationID, msgID, verID, incomplete, parser.IncompleteArtifactID())
		res.IsIncomplete = incomplete
		res.IncompleteArtifactID = parser.IncompleteArtifactID()
		if !incomplete && contTarget != nil {
			// the continuation finished the artifact; the predecessor is no
			// longer a resume point
			o.conversations.FinalizeVersion(conversationID, contTarget.MessageID, contTarget.VersionID, false, "")
		}
		if cancelled {
			o.publish(events.NewInterruptEvent(meta, res.Text))
			log.Debug().Str("conversation_id", conversationID).Str("turn_id", turnID).
				Msg("turn cancelled, finalized with partial content")
		}
	}

	o.persist(conversationID)
	return res, nil
}

func (o *Orchestrator) versionText(conversationID, msgID, verID string) string {
	c, ok := o.conversations.Get(conversationID)
	if !ok {
		return ""
	}
	m := c.Messages[msgID]
	if m == nil {
		return ""
	}
	v := m.VersionByID(verID)
	if v == nil {
		return ""
	}
	return v.Text()
}

func (o *Orchestrator) applyParserEvents(conversationID, msgID, verID string, meta events.EventMetadata, evs []streamparser.Event) {
	for _, pe := range evs {
		switch e := pe.(type) {
		case streamparser.TextEvent:
			o.conversations.AppendText(conversationID, msgID, verID, e.Content)
		case streamparser.OpenEvent:
			o.artifacts.StartArtifact(conversationID, e.ID, e.Metadata)
			o.conversations.AppendText(conversationID, msgID, verID, conversation.ArtifactPlaceholder(e.ID))
			o.publish(events.NewArtifactStartedEvent(meta, e.ID, e.Metadata))
		case streamparser.ChunkEvent:
			o.artifacts.AppendContent(conversationID, e.ID, e.Content)
			o.publish(events.NewArtifactDeltaEvent(meta, e.ID, e.Content))
		case streamparser.CloseEvent:
			o.artifacts.Complete(conversationID, e.ID)
			o.publish(events.NewArtifactCompletedEvent(meta, e.ID))
		}
	}
}

func (o *Orchestrator) failTurn(res *TurnResult, meta events.EventMetadata, err error) {
	log.Warn().Err(err).Str("conversation_id", res.ConversationID).
		Str("turn_id", res.TurnID).Msg("provider failure")
	o.conversations.AppendText(res.ConversationID, res.MessageID, res.VersionID,
		fmt.Sprintf("\n[error: %s]", err))
	o.conversations.FinalizeVersion(res.ConversationID, res.MessageID, res.VersionID, false, "")
	o.publish(events.NewErrorEvent(meta, err))
	res.Err = err
	res.Text = o.versionText(res.ConversationID, res.MessageID, res.VersionID)
}

func (o *Orchestrator) publish(ev events.Event) {
	if err := o.sink.PublishEvent(ev); err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("sink publish failed")
	}
}

func (o *Orchestrator) persist(conversationID string) {
	if o.persister != nil {
		o.persister.Persist(conversationID)
	}
}

func (o *Orchestrator) acquire(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[conversationID] {
		return false
	}
	o.inFlight[conversationID] = true
	return true
}

func (o *Orchestrator) release(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, conversationID)
}

// toolTrace accumulates tool interactions during a stream; entries are
// committed to the version once the stream ends.
type toolTrace struct {
	entries []conversation.ToolTraceEntry
	index   map[string]int
}

func newToolTrace() *toolTrace {
	return &toolTrace{index: map[string]int{}}
}

func (t *toolTrace) start(toolID, name string) {
	t.index[toolID] = len(t.entries)
	t.entries = append(t.entries, conversation.ToolTraceEntry{ToolID: toolID, Name: name})
}

func (t *toolTrace) input(toolID, delta string) {
	if i, ok := t.index[toolID]; ok {
		t.entries[i].Input += delta
		return
	}
	t.start(toolID, "")
	t.entries[t.index[toolID]].Input = delta
}

func (t *toolTrace) result(toolID, name, content string) {
	if i, ok := t.index[toolID]; ok {
		t.entries[i].Content = content
		return
	}
	t.entries = append(t.entries, conversation.ToolTraceEntry{ToolID: toolID, Name: name, Content: content})
}
