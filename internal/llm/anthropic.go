package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 1024
)

type AnthropicEngine struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	system    string
}

func NewAnthropicEngine(cfg Config) *AnthropicEngine {
	return newAnthropicEngine(cfg, nil)
}

func newAnthropicEngine(cfg Config, httpClient *http.Client) *AnthropicEngine {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		anthropicoption.WithBaseURL(resolvedAnthropicBaseURL(cfg.BaseURL)),
	}
	if httpClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(httpClient))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicEngine{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		system:    strings.TrimSpace(cfg.SystemPrompt),
	}
}

func resolvedAnthropicBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = defaultAnthropicBaseURL
	}

	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") {
		base = strings.TrimSuffix(base, "/v1")
	}
	base = strings.TrimRight(base, "/")
	return base + "/"
}

func (e *AnthropicEngine) Stream(ctx context.Context, req Request, emit func(Event)) (string, error) {
	if e == nil {
		return "", errors.New("nil engine")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}

	messages := toAnthropicMessages(req.History)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	system := strings.TrimSpace(req.System)
	if system == "" {
		system = e.system
	}

	start := time.Now()
	var usage Usage
	var out strings.Builder
	turns := maxTurnsOrDefault(req.MaxTurns)
	for turn := 0; turn < turns; turn++ {
		params := anthropic.MessageNewParams{
			MaxTokens: e.maxTokens,
			Model:     anthropic.Model(e.model),
			Messages:  messages,
		}
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}

		stream := e.client.Messages.NewStreaming(ctx, params)
		message := anthropic.Message{}
		var text strings.Builder
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				_ = stream.Close()
				return out.String() + text.String(), err
			}
			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					text.WriteString(delta.Text)
					emitTo(emit, EventDelta, delta.Text)
				}
			}
		}
		err := stream.Err()
		_ = stream.Close()
		out.WriteString(text.String())
		if err != nil {
			return out.String(), err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out.String(), ctxErr
		}

		usage.Turns++
		usage.InputTokens += message.Usage.InputTokens
		usage.OutputTokens += message.Usage.OutputTokens
		if message.StopReason != anthropic.StopReasonMaxTokens {
			break
		}
		messages = append(messages,
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(text.String())),
			anthropic.NewUserMessage(anthropic.NewTextBlock(ContinuePrompt)),
		)
	}
	emitTo(emit, EventStats, FormatStats(e.model, usage, time.Since(start)))
	return out.String(), nil
}

func toAnthropicMessages(history []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	return out
}
