package providers

import (
	"context"
	"io"

	"github.com/loom-chat/loom/pkg/events"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Attachment is an image or file reference carried alongside a message's
// text. URL may be a data URI.
type Attachment struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// ChatMessage is the provider-neutral shape a formatted conversation turn is
// reduced to before adapter-specific encoding.
type ChatMessage struct {
	Role    string       `json:"role"`
	Content string       `json:"content"`
	Images  []Attachment `json:"images,omitempty"`
	Files   []Attachment `json:"files,omitempty"`
}

type Request struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature *float64
}

// Adapter is implemented once per provider. ChatStream starts the request
// and returns a stream of normalized events; the caller owns the stream and
// must Close it.
type Adapter interface {
	ChatStream(ctx context.Context, req Request) (*Stream, error)
}

// Stream is a pull-based iterator over normalized events. The producing
// goroutine stops when the stream is closed or its context is cancelled.
type Stream struct {
	ch     chan events.Event
	cancel context.CancelFunc
}

// NewStream returns an empty stream whose producing side is driven through
// Send and Finish. cancel is invoked by Close. Adapter implementations
// outside this package use it as their extension point.
func NewStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		ch:     make(chan events.Event, 16),
		cancel: cancel,
	}
}

// NewScriptedStream returns a stream pre-loaded with the given events,
// already terminated. Intended for tests and fakes.
func NewScriptedStream(evs ...events.Event) *Stream {
	s := &Stream{
		ch:     make(chan events.Event, len(evs)),
		cancel: func() {},
	}
	for _, ev := range evs {
		s.ch <- ev
	}
	close(s.ch)
	return s
}

// Next blocks for the next event. It returns io.EOF once the producer has
// finished, or ctx.Err() if the caller's context ends first.
func (s *Stream) Next(ctx context.Context) (events.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	}
}

// Close cancels the producer. Pending events are discarded.
func (s *Stream) Close() {
	s.cancel()
}

// Send delivers ev to the consumer, giving up when ctx ends. Producer side
// only.
func (s *Stream) Send(ctx context.Context, ev events.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case s.ch <- ev:
		return true
	}
}

// Finish signals end of stream to the consumer. Producer side only.
func (s *Stream) Finish() {
	close(s.ch)
}

// withExtra returns a copy of meta whose Extra map additionally carries the
// given key. Metadata already handed to an event must never be mutated:
// delivered events may be marshaled concurrently by the consumer.
func withExtra(meta events.EventMetadata, key string, value interface{}) events.EventMetadata {
	extra := make(map[string]interface{}, len(meta.Extra)+1)
	for k, v := range meta.Extra {
		extra[k] = v
	}
	extra[key] = value
	meta.Extra = extra
	return meta
}
