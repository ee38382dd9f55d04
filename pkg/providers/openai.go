package providers

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/loom-chat/loom/pkg/events"
)

// OpenAIAdapter normalizes the openai chat completions stream. Content
// deltas become message deltas; tool call deltas become tool events.
type OpenAIAdapter struct {
	client *go_openai.Client
}

func NewOpenAIAdapter(apiKey string, baseURL string) *OpenAIAdapter {
	cfg := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{client: go_openai.NewClientWithConfig(cfg)}
}

// NewOpenAIAdapterFromClient wraps an existing client; used by tests with a
// stub server.
func NewOpenAIAdapterFromClient(client *go_openai.Client) *OpenAIAdapter {
	return &OpenAIAdapter{client: client}
}

var _ Adapter = (*OpenAIAdapter)(nil)

func (a *OpenAIAdapter) ChatStream(ctx context.Context, req Request) (*Stream, error) {
	oreq := go_openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  toOpenAIMessages(req.Messages),
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if req.Temperature != nil {
		oreq.Temperature = float32(*req.Temperature)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	upstream, err := a.client.CreateChatCompletionStream(streamCtx, oreq)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "openai: create chat completion stream")
	}

	s := NewStream(cancel)
	meta := events.EventMetadata{ID: uuid.New(), Model: req.Model}

	go func() {
		defer s.Finish()
		defer upstream.Close()

		s.Send(streamCtx, events.NewMessageStartedEvent(meta))

		var completion string
		var lastToolID string
		for {
			response, err := upstream.Recv()
			if errors.Is(err, io.EOF) {
				s.Send(streamCtx, events.NewMessageDoneEvent(meta, completion))
				return
			}
			if err != nil {
				if streamCtx.Err() != nil {
					return
				}
				s.Send(streamCtx, events.NewErrorEvent(meta, err))
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta
			if delta.Content != "" {
				completion += delta.Content
				if !s.Send(streamCtx, events.NewMessageDeltaEvent(meta, delta.Content, completion)) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				if tc.ID != "" && tc.Function.Name != "" {
					lastToolID = tc.ID
					s.Send(streamCtx, events.NewToolUseStartEvent(meta, tc.ID, tc.Function.Name))
				}
				if tc.Function.Arguments != "" {
					// argument chunks after the first omit the call id
					s.Send(streamCtx, events.NewToolInputDeltaEvent(meta, lastToolID, tc.Function.Arguments))
				}
			}
		}
	}()
	return s, nil
}

func toOpenAIMessages(msgs []ChatMessage) []go_openai.ChatCompletionMessage {
	out := make([]go_openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := go_openai.ChatCompletionMessage{Role: m.Role}
		if len(m.Images) == 0 {
			om.Content = m.Content
		} else {
			// multimodal turns use the part list form
			parts := []go_openai.ChatMessagePart{
				{Type: go_openai.ChatMessagePartTypeText, Text: m.Content},
			}
			for _, img := range m.Images {
				parts = append(parts, go_openai.ChatMessagePart{
					Type:     go_openai.ChatMessagePartTypeImageURL,
					ImageURL: &go_openai.ChatMessageImageURL{URL: img.URL},
				})
			}
			om.MultiContent = parts
		}
		if len(m.Files) > 0 {
			log.Debug().Int("count", len(m.Files)).
				Msg("openai: dropping file attachments, not supported on chat completions")
		}
		out = append(out, om)
	}
	return out
}
