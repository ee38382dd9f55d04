package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/loom-chat/loom/pkg/events"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// geminiResponse is one streamed frame: candidate part texts are
// concatenated into the message delta.
type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GeminiAdapter normalizes the generative language streaming API.
type GeminiAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewGeminiAdapter(apiKey string, baseURL string) *GeminiAdapter {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

var _ Adapter = (*GeminiAdapter)(nil)

func (a *GeminiAdapter) ChatStream(ctx context.Context, req Request) (*Stream, error) {
	greq := geminiRequest{}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if greq.SystemInstruction == nil {
				greq.SystemInstruction = &geminiContent{}
			}
			greq.SystemInstruction.Parts = append(greq.SystemInstruction.Parts,
				geminiPart{Text: m.Content})
			continue
		}
		greq.Contents = append(greq.Contents, toGeminiContent(m))
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		greq.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, err := json.Marshal(greq)
	if err != nil {
		return nil, errors.Wrap(err, "gemini: marshal request")
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		a.baseURL, url.PathEscape(req.Model), url.QueryEscape(a.apiKey))

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint,
		bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "gemini: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "gemini: request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		cancel()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("gemini: status %d: %s", resp.StatusCode, string(b))
	}

	s := NewStream(cancel)
	go a.pump(streamCtx, resp.Body, s, req.Model)
	return s, nil
}

func (a *GeminiAdapter) pump(ctx context.Context, body io.ReadCloser, s *Stream, model string) {
	defer s.Finish()
	defer func() {
		_ = body.Close()
	}()

	meta := events.EventMetadata{ID: uuid.New(), Model: model}
	scanner := newSSEScanner(body)

	s.Send(ctx, events.NewMessageStartedEvent(meta))

	var completion strings.Builder
	for {
		data, err := scanner.Next()
		if err != nil {
			s.Send(ctx, events.NewMessageDoneEvent(meta, completion.String()))
			return
		}

		var frame geminiResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			log.Debug().Err(err).Str("data", data).Msg("gemini: skipping malformed SSE frame")
			continue
		}
		if frame.Error != nil {
			s.Send(ctx, events.NewErrorEvent(meta,
				errors.Errorf("gemini: %s (code %d)", frame.Error.Message, frame.Error.Code)))
			return
		}

		var delta strings.Builder
		finished := false
		for _, c := range frame.Candidates {
			for _, p := range c.Content.Parts {
				delta.WriteString(p.Text)
			}
			if c.FinishReason != "" && c.FinishReason != "FINISH_REASON_UNSPECIFIED" {
				finished = true
				meta = withExtra(meta, "finish_reason", c.FinishReason)
			}
		}
		if delta.Len() > 0 {
			completion.WriteString(delta.String())
			if !s.Send(ctx, events.NewMessageDeltaEvent(meta, delta.String(), completion.String())) {
				return
			}
		}
		if finished {
			s.Send(ctx, events.NewMessageDoneEvent(meta, completion.String()))
			return
		}
	}
}

func toGeminiContent(m ChatMessage) geminiContent {
	role := "user"
	if m.Role == RoleAssistant {
		role = "model"
	}
	gc := geminiContent{Role: role}
	if m.Content != "" {
		gc.Parts = append(gc.Parts, geminiPart{Text: m.Content})
	}
	for _, img := range m.Images {
		data, mediaType, ok := splitDataURI(img.URL)
		if !ok {
			log.Debug().Str("url", img.URL).Msg("gemini: dropping non-data-URI image")
			continue
		}
		if mediaType == "" {
			mediaType = img.MediaType
		}
		gc.Parts = append(gc.Parts, geminiPart{
			InlineData: &geminiInlineData{MimeType: mediaType, Data: data},
		})
	}
	if len(gc.Parts) == 0 {
		gc.Parts = []geminiPart{{Text: ""}}
	}
	return gc
}
