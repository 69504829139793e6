package llm

import (
	"errors"
	"os"
	"strings"

	"assistantd/internal/util"
)

type Config struct {
	ModelType    string `json:"model_type"`
	APIKey       string `json:"api_key"`
	APIKeyEnv    string `json:"api_key_env"`
	BaseURL      string `json:"base_url"`
	Model        string `json:"model"`
	MaxTokens    int    `json:"max_tokens"`
	SystemPrompt string `json:"system_prompt"`
}

const DefaultSystemPrompt = "You are a helpful personal assistant. Answer concisely."

func (c Config) WithDefaults() Config {
	out := c
	out.ModelType = strings.TrimSpace(out.ModelType)
	if strings.TrimSpace(out.APIKey) == "" {
		env := strings.TrimSpace(out.APIKeyEnv)
		if env == "" {
			if mt, err := ParseModelType(out.ModelType); err == nil && mt == ModelTypeAnthropics {
				env = "ANTHROPIC_API_KEY"
			} else {
				env = "OPENAI_API_KEY"
			}
		}
		out.APIKey = strings.TrimSpace(os.Getenv(env))
	}
	if strings.TrimSpace(out.SystemPrompt) == "" {
		out.SystemPrompt = DefaultSystemPrompt
	}
	return out
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := util.ReadConfigSection(path, "model_config", &cfg); err != nil {
		return Config{}, err
	}
	return cfg.WithDefaults(), nil
}

// NewEngineFromConfig builds the engine selected by model_config.model_type.
func NewEngineFromConfig(path string) (Engine, Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, Config{}, err
	}
	eng, err := NewEngine(cfg)
	return eng, cfg, err
}

func NewEngine(cfg Config) (Engine, error) {
	mt, err := ParseModelType(cfg.ModelType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("model_config.api_key is required (or set the API key environment variable)")
	}
	switch mt {
	case ModelTypeAnthropics:
		return NewAnthropicEngine(cfg), nil
	default:
		return NewOpenAIEngine(cfg), nil
	}
}
