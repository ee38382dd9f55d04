package events

import (
	"github.com/rs/zerolog/log"
)

// EventSink receives events as they are produced during a turn.
type EventSink interface {
	PublishEvent(ev Event) error
}

// NullSink drops everything. Useful as a default.
type NullSink struct{}

func (NullSink) PublishEvent(Event) error { return nil }

var _ EventSink = NullSink{}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ev Event) error

func (f SinkFunc) PublishEvent(ev Event) error { return f(ev) }

// MultiSink fans out to several sinks; publish failures are logged, not
// propagated, so one slow or broken subscriber cannot abort a turn.
type MultiSink struct {
	sinks []EventSink
}

func NewMultiSink(sinks ...EventSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Add(sink EventSink) {
	m.sinks = append(m.sinks, sink)
}

func (m *MultiSink) PublishEvent(ev Event) error {
	for _, s := range m.sinks {
		if err := s.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("failed to publish event to sink")
		}
	}
	return nil
}

var _ EventSink = (*MultiSink)(nil)
