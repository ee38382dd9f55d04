package inference

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-chat/loom/pkg/artifacts"
	"github.com/loom-chat/loom/pkg/conversation"
	"github.com/loom-chat/loom/pkg/events"
	"github.com/loom-chat/loom/pkg/providers"
	"github.com/loom-chat/loom/pkg/settings"
)

func userText(s string) []conversation.ContentPart {
	return []conversation.ContentPart{conversation.TextPart{Text: s}}
}

// textScript builds the normalized event sequence of a plain streamed reply.
func textScript(chunks ...string) []events.Event {
	meta := events.EventMetadata{}
	evs := []events.Event{events.NewMessageStartedEvent(meta)}
	var completion string
	for _, c := range chunks {
		completion += c
		evs = append(evs, events.NewMessageDeltaEvent(meta, c, completion))
	}
	return append(evs, events.NewMessageDoneEvent(meta, completion))
}

// scriptAdapter replays one scripted event sequence per ChatStream call and
// records the requests it received.
type scriptAdapter struct {
	mu      sync.Mutex
	scripts [][]events.Event
	calls   []providers.Request
}

func (a *scriptAdapter) ChatStream(_ context.Context, req providers.Request) (*providers.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	script := a.scripts[0]
	a.scripts = a.scripts[1:]
	return providers.NewScriptedStream(script...), nil
}

func (a *scriptAdapter) lastCall() providers.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[len(a.calls)-1]
}

var _ providers.Adapter = (*scriptAdapter)(nil)

func newFixture(t *testing.T, opts ...Option) (*Orchestrator, *conversation.Store, *artifacts.Store, *conversation.Conversation) {
	t.Helper()
	convs := conversation.NewStore()
	arts := artifacts.NewStore()
	o := New(convs, arts, settings.Settings{}, opts...)
	return o, convs, arts, convs.Create()
}

func TestRunTurnWholeArtifact(t *testing.T) {
	o, convs, arts, c := newFixture(t)
	adapter := &scriptAdapter{scripts: [][]events.Event{textScript(
		"hello <artifact id=\"art-x\" type=\"code\" langu",
		"age=\"python\" filename=\"a.py\">print(1)</artifact> bye",
	)}}

	res, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID,
		UserContent:    userText("write print"),
		Adapter:        adapter,
		Model:          "test-model",
	})
	require.NoError(t, err)
	require.Nil(t, res.Err)
	assert.False(t, res.IsIncomplete)

	want := "hello " + conversation.ArtifactPlaceholder("art-x") + " bye"
	assert.Equal(t, want, res.Text)

	chain := convs.ActiveChain(c.ID)
	require.Len(t, chain, 2)
	assert.Equal(t, conversation.RoleUser, chain[0].Role)
	assert.Equal(t, want, chain[1].Version.Text())

	av := arts.ActiveVersion(c.ID, "art-x")
	require.NotNil(t, av)
	assert.Equal(t, "print(1)", av.Content)
	assert.True(t, av.IsComplete)
	assert.Equal(t, "python", av.Metadata["language"])
}

func TestRunTurnIncompleteThenContinue(t *testing.T) {
	o, convs, arts, c := newFixture(t)
	adapter := &scriptAdapter{scripts: [][]events.Event{
		textScript(`<artifact id="art-x" type="code">part1`),
		textScript("part2</artifact> all done"),
	}}

	res, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID,
		UserContent:    userText("write it"),
		Adapter:        adapter,
		Model:          "m",
	})
	require.NoError(t, err)
	assert.True(t, res.IsIncomplete)
	assert.Equal(t, "art-x", res.IncompleteArtifactID)
	firstAssistant := res

	av := arts.ActiveVersion(c.ID, "art-x")
	require.NotNil(t, av)
	assert.Equal(t, "part1", av.Content)
	assert.False(t, av.IsComplete)

	res, err = o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID,
		UserContent:    userText("continue"),
		Adapter:        adapter,
		Model:          "m",
	})
	require.NoError(t, err)
	assert.False(t, res.IsIncomplete)

	// no new open event: the resumed artifact accumulated both halves
	av = arts.ActiveVersion(c.ID, "art-x")
	assert.Equal(t, "part1part2", av.Content)
	assert.True(t, av.IsComplete)
	require.NotNil(t, arts.Get(c.ID, "art-x"))
	assert.Len(t, arts.Get(c.ID, "art-x").Versions, 1)

	// the continuation instruction went out with the "continue" message
	last := adapter.lastCall().Messages
	assert.Contains(t, last[len(last)-1].Content, "cut off")

	// predecessor is no longer flagged as a resume point
	prev, _ := convs.Get(c.ID)
	pv := prev.Messages[firstAssistant.MessageID].VersionByID(firstAssistant.VersionID)
	require.NotNil(t, pv)
	assert.False(t, pv.IsIncomplete)
	assert.Empty(t, pv.IncompleteArtifactID)

	// the new assistant version carries only the post-artifact text;
	// resumed content flows into the existing artifact version
	assert.Equal(t, " all done", res.Text)
}

func TestArtifactRewriteAcrossTurns(t *testing.T) {
	o, _, arts, c := newFixture(t)
	adapter := &scriptAdapter{scripts: [][]events.Event{
		textScript(`<artifact id="art-x" type="code">v1</artifact>`),
		textScript(`<artifact id="art-x" type="code">v2</artifact>`),
	}}

	_, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID, UserContent: userText("write"), Adapter: adapter, Model: "m"})
	require.NoError(t, err)
	_, err = o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID, UserContent: userText("redo it"), Adapter: adapter, Model: "m"})
	require.NoError(t, err)

	a := arts.Get(c.ID, "art-x")
	require.NotNil(t, a)
	require.Len(t, a.Versions, 2)
	assert.Equal(t, "v1", a.Versions[0].Content)
	assert.Equal(t, "v2", a.Versions[1].Content)
	assert.Equal(t, a.Versions[1].ID, a.ActiveVersionID)
}

func TestRegenerateCreatesSiblingAndRerunsChain(t *testing.T) {
	o, convs, _, c := newFixture(t)
	adapter := &scriptAdapter{scripts: [][]events.Event{
		textScript("first answer"),
		textScript("second answer"),
	}}

	res, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID, UserContent: userText("question"), Adapter: adapter, Model: "m"})
	require.NoError(t, err)

	res2, err := o.Regenerate(context.Background(), c.ID, res.MessageID, adapter, "m")
	require.NoError(t, err)
	assert.Equal(t, res.MessageID, res2.MessageID)
	assert.NotEqual(t, res.VersionID, res2.VersionID)

	m := c.Messages[res.MessageID]
	require.Len(t, m.Versions, 2)
	assert.Equal(t, res2.VersionID, m.ActiveVersionID)

	chain := convs.ActiveChain(c.ID)
	require.Len(t, chain, 2)
	assert.Equal(t, "second answer", chain[1].Version.Text())

	// the regenerated request saw only the chain before the target message
	last := adapter.lastCall().Messages
	require.Len(t, last, 1)
	assert.Equal(t, "question", last[0].Content)
}

func TestProviderFailureWritesErrorPlaceholder(t *testing.T) {
	meta := events.EventMetadata{}
	o, convs, _, c := newFixture(t)
	adapter := &scriptAdapter{scripts: [][]events.Event{{
		events.NewMessageStartedEvent(meta),
		events.NewMessageDeltaEvent(meta, "partial ", "partial "),
		events.NewErrorEvent(meta, fmt.Errorf("rate limited")),
	}}}

	res, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID, UserContent: userText("hi"), Adapter: adapter, Model: "m"})
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.False(t, res.IsIncomplete)
	assert.Contains(t, res.Text, "partial ")
	assert.Contains(t, res.Text, "[error: rate limited]")

	chain := convs.ActiveChain(c.ID)
	v := chain[len(chain)-1].Version
	assert.False(t, v.IsIncomplete)
}

// blockingAdapter streams its events, signals, then holds the stream open
// until the context ends.
type blockingAdapter struct {
	evs  []events.Event
	sent chan struct{}
}

func (a *blockingAdapter) ChatStream(ctx context.Context, _ providers.Request) (*providers.Stream, error) {
	s := providers.NewStream(func() {})
	go func() {
		defer s.Finish()
		for _, ev := range a.evs {
			if !s.Send(ctx, ev) {
				return
			}
		}
		close(a.sent)
		<-ctx.Done()
	}()
	return s, nil
}

var _ providers.Adapter = (*blockingAdapter)(nil)

func TestSecondTurnOnSameConversationIsRejected(t *testing.T) {
	meta := events.EventMetadata{}
	adapter := &blockingAdapter{
		evs:  []events.Event{events.NewMessageStartedEvent(meta)},
		sent: make(chan struct{}),
	}
	o, _, _, c := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.RunTurn(ctx, TurnRequest{
			ConversationID: c.ID, UserContent: userText("hi"), Adapter: adapter, Model: "m"})
	}()

	<-adapter.sent
	_, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID, UserContent: userText("again"), Adapter: adapter, Model: "m"})
	assert.ErrorIs(t, err, ErrTurnInFlight)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish after cancellation")
	}

	// released after finalization
	assert.False(t, o.inFlight[c.ID])
}

func TestCancellationFinalizesPartialContent(t *testing.T) {
	meta := events.EventMetadata{}
	adapter := &blockingAdapter{
		evs: []events.Event{
			events.NewMessageStartedEvent(meta),
			events.NewMessageDeltaEvent(meta, `before <artifact id="art-x" type="code">abc`, ""),
		},
		sent: make(chan struct{}),
	}

	// signal once the orchestrator has committed the delta
	committed := make(chan struct{})
	var once sync.Once
	sink := events.SinkFunc(func(ev events.Event) error {
		if ev.Type() == events.EventTypeMessageDelta {
			once.Do(func() { close(committed) })
		}
		return nil
	})

	o, convs, arts, c := newFixture(t, WithSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *TurnResult
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := o.RunTurn(ctx, TurnRequest{
			ConversationID: c.ID, UserContent: userText("go"), Adapter: adapter, Model: "m"})
		out <- outcome{res, err}
	}()

	<-adapter.sent
	<-committed
	cancel()

	var got outcome
	select {
	case got = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish after cancellation")
	}
	require.NoError(t, got.err)
	require.Nil(t, got.res.Err, "cancellation is not an error")
	assert.True(t, got.res.IsIncomplete)
	assert.Equal(t, "art-x", got.res.IncompleteArtifactID)

	chain := convs.ActiveChain(c.ID)
	v := chain[len(chain)-1].Version
	assert.True(t, v.IsIncomplete)
	assert.Equal(t, "art-x", v.IncompleteArtifactID)
	assert.Equal(t, "before "+conversation.ArtifactPlaceholder("art-x"), v.Text())

	av := arts.ActiveVersion(c.ID, "art-x")
	require.NotNil(t, av)
	assert.Equal(t, "abc", av.Content)
	assert.False(t, av.IsComplete)
}

func TestToolEventsLandInTrace(t *testing.T) {
	meta := events.EventMetadata{}
	o, convs, _, c := newFixture(t)
	adapter := &scriptAdapter{scripts: [][]events.Event{{
		events.NewMessageStartedEvent(meta),
		events.NewToolUseStartEvent(meta, "tu-1", "search"),
		events.NewToolInputDeltaEvent(meta, "tu-1", `{"q":`),
		events.NewToolInputDeltaEvent(meta, "tu-1", `"go"}`),
		events.NewToolResultEvent(meta, "tu-1", "search", "2 results"),
		events.NewMessageDeltaEvent(meta, "found it", "found it"),
		events.NewMessageDoneEvent(meta, "found it"),
	}}}

	res, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID, UserContent: userText("search go"), Adapter: adapter, Model: "m"})
	require.NoError(t, err)

	chain := convs.ActiveChain(c.ID)
	v := chain[len(chain)-1].Version
	require.Len(t, v.ToolTrace, 1)
	assert.Equal(t, conversation.ToolTraceEntry{
		ToolID:  "tu-1",
		Name:    "search",
		Input:   `{"q":"go"}`,
		Content: "2 results",
	}, v.ToolTrace[0])
	assert.Equal(t, "found it", res.Text)
}

func TestReasoningAccumulates(t *testing.T) {
	meta := events.EventMetadata{}
	o, convs, _, c := newFixture(t)
	adapter := &scriptAdapter{scripts: [][]events.Event{{
		events.NewMessageStartedEvent(meta),
		events.NewReasoningStartedEvent(meta),
		events.NewReasoningDeltaEvent(meta, "think "),
		events.NewReasoningDeltaEvent(meta, "hard"),
		events.NewReasoningDoneEvent(meta, "think hard"),
		events.NewMessageDeltaEvent(meta, "answer", "answer"),
		events.NewMessageDoneEvent(meta, "answer"),
	}}}

	_, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID, UserContent: userText("why"), Adapter: adapter, Model: "m"})
	require.NoError(t, err)

	chain := convs.ActiveChain(c.ID)
	v := chain[len(chain)-1].Version
	assert.Equal(t, "think hard", v.Reasoning)
	assert.Equal(t, "answer", v.Text())
}

type recordingPersister struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPersister) Persist(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, conversationID)
}

func TestPersisterNotifiedAfterTurn(t *testing.T) {
	p := &recordingPersister{}
	o, _, _, c := newFixture(t, WithPersister(p))
	adapter := &scriptAdapter{scripts: [][]events.Event{textScript("ok")}}

	_, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: c.ID, UserContent: userText("hi"), Adapter: adapter, Model: "m"})
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.calls)
	assert.Equal(t, c.ID, p.calls[len(p.calls)-1])
}

func TestRunTurnUnknownConversation(t *testing.T) {
	o, _, _, _ := newFixture(t)
	_, err := o.RunTurn(context.Background(), TurnRequest{ConversationID: "conv-nope"})
	require.Error(t, err)
}
