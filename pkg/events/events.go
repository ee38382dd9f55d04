package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// Text stream lifecycle
	EventTypeMessageStarted EventType = "message-started"
	EventTypeMessageDelta   EventType = "message-delta"
	EventTypeMessageDone    EventType = "message-done"

	// Separate stream for reasoning/thinking text
	EventTypeReasoningStarted EventType = "reasoning-started"
	EventTypeReasoningDelta   EventType = "reasoning-delta"
	EventTypeReasoningDone    EventType = "reasoning-done"

	// Tool use as reported by the provider stream
	EventTypeToolUseStart    EventType = "tool-use-start"
	EventTypeToolInputDelta  EventType = "tool-input-delta"
	EventTypeToolResult      EventType = "tool-result"

	EventTypeError     EventType = "error"
	EventTypeInterrupt EventType = "interrupt"

	// Artifact lifecycle, emitted by the orchestrator once parser events
	// have been committed. UIs subscribe to these to render artifacts live.
	EventTypeArtifactStarted   EventType = "artifact-started"
	EventTypeArtifactDelta     EventType = "artifact-delta"
	EventTypeArtifactCompleted EventType = "artifact-completed"
)

// Event is the closed sum normalized from provider-specific SSE dialects.
// Consumers type-switch on the concrete types below.
type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON the event was decoded from, if any
	payload []byte
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte         { return e.payload }

// SetPayload stores the raw JSON payload; used by NewEventFromJSON.
func (e *EventImpl) SetPayload(b []byte) { e.payload = b }

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventMessageStarted struct {
	EventImpl
}

func NewMessageStartedEvent(metadata EventMetadata) *EventMessageStarted {
	return &EventMessageStarted{
		EventImpl: EventImpl{Type_: EventTypeMessageStarted, Metadata_: metadata},
	}
}

type EventMessageDelta struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the full text accumulated so far.
	Completion string `json:"completion"`
}

func NewMessageDeltaEvent(metadata EventMetadata, delta, completion string) *EventMessageDelta {
	return &EventMessageDelta{
		EventImpl:  EventImpl{Type_: EventTypeMessageDelta, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

func (e EventMessageDelta) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta)
}

type EventMessageDone struct {
	EventImpl
	Text string `json:"text"`
}

func NewMessageDoneEvent(metadata EventMetadata, text string) *EventMessageDone {
	return &EventMessageDone{
		EventImpl: EventImpl{Type_: EventTypeMessageDone, Metadata_: metadata},
		Text:      text,
	}
}

func (e EventMessageDone) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

type EventReasoningStarted struct {
	EventImpl
}

func NewReasoningStartedEvent(metadata EventMetadata) *EventReasoningStarted {
	return &EventReasoningStarted{
		EventImpl: EventImpl{Type_: EventTypeReasoningStarted, Metadata_: metadata},
	}
}

type EventReasoningDelta struct {
	EventImpl
	Delta string `json:"delta"`
}

func NewReasoningDeltaEvent(metadata EventMetadata, delta string) *EventReasoningDelta {
	return &EventReasoningDelta{
		EventImpl: EventImpl{Type_: EventTypeReasoningDelta, Metadata_: metadata},
		Delta:     delta,
	}
}

type EventReasoningDone struct {
	EventImpl
	Text string `json:"text"`
}

func NewReasoningDoneEvent(metadata EventMetadata, text string) *EventReasoningDone {
	return &EventReasoningDone{
		EventImpl: EventImpl{Type_: EventTypeReasoningDone, Metadata_: metadata},
		Text:      text,
	}
}

type EventToolUseStart struct {
	EventImpl
	ToolID string `json:"tool_id"`
	Name   string `json:"name"`
}

func NewToolUseStartEvent(metadata EventMetadata, toolID, name string) *EventToolUseStart {
	return &EventToolUseStart{
		EventImpl: EventImpl{Type_: EventTypeToolUseStart, Metadata_: metadata},
		ToolID:    toolID,
		Name:      name,
	}
}

type EventToolInputDelta struct {
	EventImpl
	ToolID string `json:"tool_id"`
	Delta  string `json:"delta"`
}

func NewToolInputDeltaEvent(metadata EventMetadata, toolID, delta string) *EventToolInputDelta {
	return &EventToolInputDelta{
		EventImpl: EventImpl{Type_: EventTypeToolInputDelta, Metadata_: metadata},
		ToolID:    toolID,
		Delta:     delta,
	}
}

type EventToolResult struct {
	EventImpl
	ToolID  string `json:"tool_id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

func NewToolResultEvent(metadata EventMetadata, toolID, name, content string) *EventToolResult {
	return &EventToolResult{
		EventImpl: EventImpl{Type_: EventTypeToolResult, Metadata_: metadata},
		ToolID:    toolID,
		Name:      name,
		Content:   content,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

type EventArtifactStarted struct {
	EventImpl
	ArtifactID string            `json:"artifact_id"`
	Meta       map[string]string `json:"artifact_meta,omitempty"`
}

func NewArtifactStartedEvent(metadata EventMetadata, artifactID string, meta map[string]string) *EventArtifactStarted {
	return &EventArtifactStarted{
		EventImpl:  EventImpl{Type_: EventTypeArtifactStarted, Metadata_: metadata},
		ArtifactID: artifactID,
		Meta:       meta,
	}
}

type EventArtifactDelta struct {
	EventImpl
	ArtifactID string `json:"artifact_id"`
	Delta      string `json:"delta"`
}

func NewArtifactDeltaEvent(metadata EventMetadata, artifactID, delta string) *EventArtifactDelta {
	return &EventArtifactDelta{
		EventImpl:  EventImpl{Type_: EventTypeArtifactDelta, Metadata_: metadata},
		ArtifactID: artifactID,
		Delta:      delta,
	}
}

type EventArtifactCompleted struct {
	EventImpl
	ArtifactID string `json:"artifact_id"`
}

func NewArtifactCompletedEvent(metadata EventMetadata, artifactID string) *EventArtifactCompleted {
	return &EventArtifactCompleted{
		EventImpl:  EventImpl{Type_: EventTypeArtifactCompleted, Metadata_: metadata},
		ArtifactID: artifactID,
	}
}

// NewEventFromJSON decodes a serialized event back into its concrete type.
// Used by router subscribers.
func NewEventFromJSON(b []byte) (Event, error) {
	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	e.payload = b

	switch e.Type_ {
	case EventTypeMessageStarted:
		return toTyped[EventMessageStarted](e)
	case EventTypeMessageDelta:
		return toTyped[EventMessageDelta](e)
	case EventTypeMessageDone:
		return toTyped[EventMessageDone](e)
	case EventTypeReasoningStarted:
		return toTyped[EventReasoningStarted](e)
	case EventTypeReasoningDelta:
		return toTyped[EventReasoningDelta](e)
	case EventTypeReasoningDone:
		return toTyped[EventReasoningDone](e)
	case EventTypeToolUseStart:
		return toTyped[EventToolUseStart](e)
	case EventTypeToolInputDelta:
		return toTyped[EventToolInputDelta](e)
	case EventTypeToolResult:
		return toTyped[EventToolResult](e)
	case EventTypeError:
		return toTyped[EventError](e)
	case EventTypeInterrupt:
		return toTyped[EventInterrupt](e)
	case EventTypeArtifactStarted:
		return toTyped[EventArtifactStarted](e)
	case EventTypeArtifactDelta:
		return toTyped[EventArtifactDelta](e)
	case EventTypeArtifactCompleted:
		return toTyped[EventArtifactCompleted](e)
	}
	return nil, errors.Errorf("unknown event type %q", e.Type_)
}

func toTyped[T any](e *EventImpl) (*T, error) {
	var ret *T
	if err := json.Unmarshal(e.payload, &ret); err != nil {
		return nil, errors.Wrapf(err, "could not decode event %s", e.Type_)
	}
	if setter, ok := any(ret).(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(e.payload)
	}
	return ret, nil
}
