package settings

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultArtifactInstructions teaches the model the inline artifact syntax.
// It is prepended to the system prompt on every formatted turn.
const DefaultArtifactInstructions = `When you produce a self-contained piece of code or a document, wrap it in an artifact tag:
<artifact type="code" language="..." filename="...">...</artifact>
Use type="text" with a title attribute for documents. To replace an artifact you created earlier, reuse its id attribute. Do not nest artifact tags.`

// Settings is the process configuration, loaded once and passed explicitly
// into the orchestrator and the CLI. There is no package-level instance.
type Settings struct {
	DefaultProvider string `mapstructure:"provider"`
	DefaultModel    string `mapstructure:"model"`

	SystemPrompt         string `mapstructure:"system_prompt"`
	ArtifactInstructions string `mapstructure:"artifact_instructions"`

	TitleAutogenerate   bool `mapstructure:"title_autogenerate"`
	ParserCoalesceBytes int  `mapstructure:"parser_coalesce_bytes"`
	MaxTokens           int  `mapstructure:"max_tokens"`

	// DataDir is where conversation snapshots are written.
	DataDir string `mapstructure:"data_dir"`

	OpenAIAPIKey  string `mapstructure:"openai_api_key"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	ClaudeAPIKey  string `mapstructure:"claude_api_key"`
	ClaudeBaseURL string `mapstructure:"claude_base_url"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key"`
	GeminiBaseURL string `mapstructure:"gemini_base_url"`
}

func Default() Settings {
	return Settings{
		DefaultProvider:      "openai",
		DefaultModel:         "gpt-4o",
		ArtifactInstructions: DefaultArtifactInstructions,
		TitleAutogenerate:    true,
		DataDir:              "./loom-data",
	}
}

// Load reads settings from the given config file (or the standard lookup
// paths when path is empty) and the LOOM_* environment. Missing config files
// are not an error; defaults apply.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loom")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/loom")
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("provider", def.DefaultProvider)
	v.SetDefault("model", def.DefaultModel)
	v.SetDefault("artifact_instructions", def.ArtifactInstructions)
	v.SetDefault("title_autogenerate", def.TitleAutogenerate)
	v.SetDefault("data_dir", def.DataDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Settings{}, errors.Wrap(err, "read config")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "unmarshal config")
	}
	return s, nil
}
