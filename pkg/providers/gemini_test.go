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

func TestGeminiStreamNormalization(t *testing.T) {
	frames := []string{
		`{"candidates":[{"content":{"parts":[{"text":"Hello "}],"role":"model"}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"from "},{"text":"gemini"}],"role":"model"}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"!"}],"role":"model"},"finishReason":"STOP"}]}`,
	}
	var captured geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	}))
	defer srv.Close()

	a := NewGeminiAdapter("key", srv.URL)
	s, err := a.ChatStream(context.Background(), Request{
		Model: "gemini-pro",
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
			{Role: RoleUser, Content: "again"},
		},
	})
	require.NoError(t, err)
	evs := drain(t, s)

	assert.Equal(t, []events.EventType{
		events.EventTypeMessageStarted,
		events.EventTypeMessageDelta,
		events.EventTypeMessageDelta,
		events.EventTypeMessageDelta,
		events.EventTypeMessageDone,
	}, eventTypes(evs))

	// candidate parts within one frame concatenate into one delta
	second := evs[2].(*events.EventMessageDelta)
	assert.Equal(t, "from gemini", second.Delta)

	done := evs[len(evs)-1].(*events.EventMessageDone)
	assert.Equal(t, "Hello from gemini!", done.Text)
	assert.Equal(t, "STOP", done.Metadata().Extra["finish_reason"])

	// system instruction out of band, assistant mapped to model
	require.NotNil(t, captured.SystemInstruction)
	assert.Equal(t, "be brief", captured.SystemInstruction.Parts[0].Text)
	require.Len(t, captured.Contents, 3)
	assert.Equal(t, "model", captured.Contents[1].Role)
}

func TestGeminiErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"error\":{\"code\":429,\"message\":\"quota\"}}\n\n")
	}))
	defer srv.Close()

	a := NewGeminiAdapter("key", srv.URL)
	s, err := a.ChatStream(context.Background(), Request{Model: "m", Messages: []ChatMessage{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	evs := drain(t, s)

	last := evs[len(evs)-1].(*events.EventError)
	assert.Contains(t, last.ErrorString, "quota")
}

func TestGeminiStreamEndWithoutFinishStillDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"partial\"}]}}]}\n\n")
	}))
	defer srv.Close()

	a := NewGeminiAdapter("key", srv.URL)
	s, err := a.ChatStream(context.Background(), Request{Model: "m", Messages: []ChatMessage{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	evs := drain(t, s)

	done := evs[len(evs)-1].(*events.EventMessageDone)
	assert.Equal(t, "partial", done.Text)
}
