package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONRoundTripKeepsConcreteType(t *testing.T) {
	meta := EventMetadata{ConversationID: "conv-1", TurnID: "turn-1", Model: "m"}

	in := NewMessageDeltaEvent(meta, "hel", "hel")
	b, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := NewEventFromJSON(b)
	require.NoError(t, err)
	delta, ok := out.(*EventMessageDelta)
	require.True(t, ok)
	assert.Equal(t, "hel", delta.Delta)
	assert.Equal(t, "conv-1", delta.Metadata().ConversationID)

	b, err = json.Marshal(NewArtifactStartedEvent(meta, "art-1", map[string]string{"type": "code"}))
	require.NoError(t, err)
	out, err = NewEventFromJSON(b)
	require.NoError(t, err)
	started, ok := out.(*EventArtifactStarted)
	require.True(t, ok)
	assert.Equal(t, "art-1", started.ArtifactID)
	assert.Equal(t, "code", started.Meta["type"])
}

func TestNewEventFromJSONRejectsUnknownType(t *testing.T) {
	_, err := NewEventFromJSON([]byte(`{"type":"no-such-event"}`))
	require.Error(t, err)
}

func TestMultiSinkIsolatesFailures(t *testing.T) {
	var got []EventType
	failing := SinkFunc(func(Event) error { return errors.New("boom") })
	recording := SinkFunc(func(ev Event) error {
		got = append(got, ev.Type())
		return nil
	})

	m := NewMultiSink(failing, recording)
	require.NoError(t, m.PublishEvent(NewMessageStartedEvent(EventMetadata{})))
	assert.Equal(t, []EventType{EventTypeMessageStarted}, got)
}

func TestRouterSinkDeliversToHandler(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)
	defer func() { _ = router.Close() }()

	received := make(chan Event, 8)
	router.AddHandler("collect", "test-topic", func(msg *message.Message) error {
		ev, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			return err
		}
		received <- ev
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()

	sink := router.Sink("test-topic")
	require.NoError(t, sink.PublishEvent(NewMessageDeltaEvent(EventMetadata{}, "x", "x")))

	select {
	case ev := <-received:
		assert.Equal(t, EventTypeMessageDelta, ev.Type())
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}
