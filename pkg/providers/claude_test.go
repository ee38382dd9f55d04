package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-chat/loom/pkg/events"
)

// drain pulls every event off the stream until EOF.
func drain(t *testing.T, s *Stream) []events.Event {
	t.Helper()
	var out []events.Event
	for {
		ev, err := s.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func eventTypes(evs []events.Event) []events.EventType {
	var out []events.EventType
	for _, ev := range evs {
		out = append(out, ev.Type())
	}
	return out
}

func sseServer(t *testing.T, frames []string, capture *claudeRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, capture))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	}))
}

func TestClaudeStreamNormalization(t *testing.T) {
	frames := []string{
		`{"type":"message_start","message":{"id":"msg_abc","model":"claude-x"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello "}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"world"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu_1","name":"search"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	}
	var captured claudeRequest
	srv := sseServer(t, frames, &captured)
	defer srv.Close()

	a := NewClaudeAdapter("test-key", srv.URL)
	s, err := a.ChatStream(context.Background(), Request{
		Model: "claude-x",
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "be terse"},
			{Role: RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	evs := drain(t, s)

	assert.Equal(t, []events.EventType{
		events.EventTypeMessageStarted,
		events.EventTypeReasoningStarted,
		events.EventTypeReasoningDelta,
		events.EventTypeReasoningDone,
		events.EventTypeMessageDelta,
		events.EventTypeMessageDelta,
		events.EventTypeToolUseStart,
		events.EventTypeToolInputDelta,
		events.EventTypeMessageDone,
	}, eventTypes(evs))

	done := evs[len(evs)-1].(*events.EventMessageDone)
	assert.Equal(t, "Hello world", done.Text)
	assert.Equal(t, "end_turn", done.Metadata().Extra["stop_reason"])

	tool := evs[6].(*events.EventToolUseStart)
	assert.Equal(t, "tu_1", tool.ToolID)
	assert.Equal(t, "search", tool.Name)

	// system prompt moved out of the message list
	assert.Equal(t, "be terse", captured.System)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)
}

func TestClaudeMetadataIsNotMutatedAfterDelivery(t *testing.T) {
	frames := []string{
		`{"type":"message_start","message":{"id":"msg_abc","model":"claude-x"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	}
	srv := sseServer(t, frames, nil)
	defer srv.Close()

	a := NewClaudeAdapter("k", srv.URL)
	s, err := a.ChatStream(context.Background(), Request{Model: "m", Messages: []ChatMessage{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	evs := drain(t, s)
	require.Len(t, evs, 3)

	// the stop reason only exists on events emitted after the message_delta
	// frame; metadata handed to earlier events must stay untouched
	started := evs[0].(*events.EventMessageStarted)
	assert.Equal(t, "msg_abc", started.Metadata().Extra["provider_message_id"])
	assert.NotContains(t, started.Metadata().Extra, "stop_reason")

	done := evs[2].(*events.EventMessageDone)
	assert.Equal(t, "end_turn", done.Metadata().Extra["stop_reason"])
	assert.Equal(t, "msg_abc", done.Metadata().Extra["provider_message_id"])
}

func TestClaudeMalformedFrameIsSkipped(t *testing.T) {
	frames := []string{
		`{"type":"message_start"}`,
		`{not json`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`,
		`{"type":"message_stop"}`,
	}
	srv := sseServer(t, frames, nil)
	defer srv.Close()

	a := NewClaudeAdapter("k", srv.URL)
	s, err := a.ChatStream(context.Background(), Request{Model: "m", Messages: []ChatMessage{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	evs := drain(t, s)

	done := evs[len(evs)-1].(*events.EventMessageDone)
	assert.Equal(t, "ok", done.Text)
}

func TestClaudeErrorFrame(t *testing.T) {
	frames := []string{
		`{"type":"message_start"}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`,
	}
	srv := sseServer(t, frames, nil)
	defer srv.Close()

	a := NewClaudeAdapter("k", srv.URL)
	s, err := a.ChatStream(context.Background(), Request{Model: "m", Messages: []ChatMessage{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	evs := drain(t, s)

	last := evs[len(evs)-1].(*events.EventError)
	assert.Equal(t, "busy", last.ErrorString)
}

func TestClaudeNonOKStatusFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewClaudeAdapter("bad", srv.URL)
	_, err := a.ChatStream(context.Background(), Request{Model: "m", Messages: []ChatMessage{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestClaudeImageDataURI(t *testing.T) {
	cm := toClaudeMessage(ChatMessage{
		Role:    RoleUser,
		Content: "look",
		Images:  []Attachment{{URL: "data:image/png;base64,aGk="}},
	})
	require.Len(t, cm.Content, 2)
	assert.Equal(t, "image", cm.Content[1].Type)
	require.NotNil(t, cm.Content[1].Source)
	assert.Equal(t, "image/png", cm.Content[1].Source.MediaType)
	assert.Equal(t, "aGk=", cm.Content[1].Source.Data)
}
