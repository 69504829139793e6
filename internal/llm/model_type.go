package llm

import (
	"fmt"
	"strings"
)

type ModelType string

const (
	ModelTypeOpenAI     ModelType = "openai"
	ModelTypeAnthropics ModelType = "anthropics"
)

var modelTypeAliases = map[string]ModelType{
	"":                  ModelTypeOpenAI,
	"openai":            ModelTypeOpenAI,
	"openai-compatible": ModelTypeOpenAI,
	"anthropics":        ModelTypeAnthropics,
	"anthropic":         ModelTypeAnthropics,
	"claude":            ModelTypeAnthropics,
}

func ParseModelType(raw string) (ModelType, error) {
	if mt, ok := modelTypeAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return mt, nil
	}
	return "", fmt.Errorf("unsupported model_config.model_type %q (supported: %q, %q)", raw, ModelTypeOpenAI, ModelTypeAnthropics)
}
