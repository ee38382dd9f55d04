package cmds

import (
	"github.com/pkg/errors"

	"github.com/loom-chat/loom/pkg/providers"
	"github.com/loom-chat/loom/pkg/settings"
)

func newAdapter(s settings.Settings, name string) (providers.Adapter, error) {
	switch name {
	case "openai":
		if s.OpenAIAPIKey == "" {
			return nil, errors.New("openai api key not configured (LOOM_OPENAI_API_KEY)")
		}
		return providers.NewOpenAIAdapter(s.OpenAIAPIKey, s.OpenAIBaseURL), nil
	case "claude", "anthropic":
		if s.ClaudeAPIKey == "" {
			return nil, errors.New("claude api key not configured (LOOM_CLAUDE_API_KEY)")
		}
		return providers.NewClaudeAdapter(s.ClaudeAPIKey, s.ClaudeBaseURL), nil
	case "gemini":
		if s.GeminiAPIKey == "" {
			return nil, errors.New("gemini api key not configured (LOOM_GEMINI_API_KEY)")
		}
		return providers.NewGeminiAdapter(s.GeminiAPIKey, s.GeminiBaseURL), nil
	default:
		return nil, errors.Errorf("unknown provider %q", name)
	}
}
