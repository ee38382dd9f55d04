package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/loom-chat/loom/pkg/events"
)

const (
	defaultClaudeBaseURL    = "https://api.anthropic.com"
	claudeAPIVersion        = "2023-06-01"
	defaultClaudeMaxTokens  = 4096
	claudeMessagesPath      = "/v1/messages"
)

// claudeStreamEvent is the wire shape of one SSE frame of the messages API.
// Content blocks are keyed by index; text, thinking and tool_use blocks
// interleave within one message.
type claudeStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	Message      *claudeMessage     `json:"message,omitempty"`
	ContentBlock *claudeContentBlock `json:"content_block,omitempty"`
	Delta        *claudeDelta       `json:"delta,omitempty"`
	Error        *claudeError       `json:"error,omitempty"`
}

type claudeMessage struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

type claudeContentBlock struct {
	Type string `json:"type"` // text | thinking | tool_use
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type claudeDelta struct {
	Type        string `json:"type"` // text_delta | thinking_delta | input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type claudeRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []claudeChatMessage `json:"messages"`
	MaxTokens int                 `json:"max_tokens"`
	Stream    bool                `json:"stream"`
	Temperature *float64          `json:"temperature,omitempty"`
}

type claudeChatMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentPart  `json:"content"`
}

type claudeContentPart struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ClaudeAdapter speaks the anthropic messages API natively and normalizes
// its content-block stream.
type ClaudeAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewClaudeAdapter(apiKey string, baseURL string) *ClaudeAdapter {
	if baseURL == "" {
		baseURL = defaultClaudeBaseURL
	}
	return &ClaudeAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

var _ Adapter = (*ClaudeAdapter)(nil)

func (a *ClaudeAdapter) ChatStream(ctx context.Context, req Request) (*Stream, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultClaudeMaxTokens
	}
	creq := claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Stream:      true,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			// the messages API takes the system prompt out of band
			if creq.System != "" {
				creq.System += "\n\n"
			}
			creq.System += m.Content
			continue
		}
		creq.Messages = append(creq.Messages, toClaudeMessage(m))
	}

	body, err := json.Marshal(creq)
	if err != nil {
		return nil, errors.Wrap(err, "claude: marshal request")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		a.baseURL+claudeMessagesPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "claude: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", claudeAPIVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "claude: request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		cancel()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("claude: status %d: %s", resp.StatusCode, string(b))
	}

	s := NewStream(cancel)
	go a.pump(streamCtx, resp.Body, s, req.Model)
	return s, nil
}

func (a *ClaudeAdapter) pump(ctx context.Context, body io.ReadCloser, s *Stream, model string) {
	defer s.Finish()
	defer func() {
		_ = body.Close()
	}()

	meta := events.EventMetadata{ID: uuid.New(), Model: model}
	scanner := newSSEScanner(body)

	var completion strings.Builder
	var reasoning strings.Builder
	// block index -> block kind; tool blocks also record their tool id
	blockKinds := map[int]string{}
	blockTools := map[int]string{}

	for {
		data, err := scanner.Next()
		if err != nil {
			s.Send(ctx, events.NewMessageDoneEvent(meta, completion.String()))
			return
		}

		var ev claudeStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			log.Debug().Err(err).Str("data", data).Msg("claude: skipping malformed SSE frame")
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				meta = withExtra(meta, "provider_message_id", ev.Message.ID)
			}
			s.Send(ctx, events.NewMessageStartedEvent(meta))

		case "content_block_start":
			if ev.ContentBlock == nil {
				continue
			}
			blockKinds[ev.Index] = ev.ContentBlock.Type
			switch ev.ContentBlock.Type {
			case "thinking":
				s.Send(ctx, events.NewReasoningStartedEvent(meta))
			case "tool_use":
				blockTools[ev.Index] = ev.ContentBlock.ID
				s.Send(ctx, events.NewToolUseStartEvent(meta, ev.ContentBlock.ID, ev.ContentBlock.Name))
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				completion.WriteString(ev.Delta.Text)
				if !s.Send(ctx, events.NewMessageDeltaEvent(meta, ev.Delta.Text, completion.String())) {
					return
				}
			case "thinking_delta":
				reasoning.WriteString(ev.Delta.Thinking)
				s.Send(ctx, events.NewReasoningDeltaEvent(meta, ev.Delta.Thinking))
			case "input_json_delta":
				s.Send(ctx, events.NewToolInputDeltaEvent(meta, blockTools[ev.Index], ev.Delta.PartialJSON))
			}

		case "content_block_stop":
			if blockKinds[ev.Index] == "thinking" {
				s.Send(ctx, events.NewReasoningDoneEvent(meta, reasoning.String()))
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				meta = withExtra(meta, "stop_reason", ev.Delta.StopReason)
			}

		case "message_stop":
			s.Send(ctx, events.NewMessageDoneEvent(meta, completion.String()))
			return

		case "error":
			msg := "unknown provider error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			s.Send(ctx, events.NewErrorEvent(meta, errors.New(msg)))
			return

		case "ping":
			// keepalive
		}
	}
}

func toClaudeMessage(m ChatMessage) claudeChatMessage {
	cm := claudeChatMessage{Role: m.Role}
	if m.Content != "" {
		cm.Content = append(cm.Content, claudeContentPart{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		data, mediaType, ok := splitDataURI(img.URL)
		if !ok {
			log.Debug().Str("url", img.URL).Msg("claude: dropping non-data-URI image")
			continue
		}
		if mediaType == "" {
			mediaType = img.MediaType
		}
		cm.Content = append(cm.Content, claudeContentPart{
			Type: "image",
			Source: &claudeImageSource{
				Type:      "base64",
				MediaType: mediaType,
				Data:      data,
			},
		})
	}
	if len(cm.Content) == 0 {
		cm.Content = []claudeContentPart{{Type: "text", Text: ""}}
	}
	return cm
}

// splitDataURI decodes "data:<media>;base64,<data>" into its pieces.
func splitDataURI(uri string) (data, mediaType string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	header = strings.TrimSuffix(header, ";base64")
	return payload, header, true
}
