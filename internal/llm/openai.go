package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com"
	defaultOpenAIModel   = "gpt-4o-mini"
)

type OpenAIEngine struct {
	client    openai.Client
	model     string
	maxTokens int64
	system    string
}

func NewOpenAIEngine(cfg Config) *OpenAIEngine {
	return newOpenAIEngine(cfg, nil)
}

func newOpenAIEngine(cfg Config, httpClient *http.Client) *OpenAIEngine {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithBaseURL(resolvedOpenAIBaseURL(cfg.BaseURL)),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIEngine{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: int64(cfg.MaxTokens),
		system:    strings.TrimSpace(cfg.SystemPrompt),
	}
}

// resolvedOpenAIBaseURL accepts both "https://host" and "https://host/v1".
func resolvedOpenAIBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/"
}

func (e *OpenAIEngine) Stream(ctx context.Context, req Request, emit func(Event)) (string, error) {
	if e == nil {
		return "", errors.New("nil engine")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}

	system := strings.TrimSpace(req.System)
	if system == "" {
		system = e.system
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, m := range req.History {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(m.Role), "assistant") {
			messages = append(messages, openai.AssistantMessage(content))
		} else {
			messages = append(messages, openai.UserMessage(content))
		}
	}
	messages = append(messages, openai.UserMessage(prompt))

	start := time.Now()
	var usage Usage
	var out strings.Builder
	turns := maxTurnsOrDefault(req.MaxTurns)
	for turn := 0; turn < turns; turn++ {
		params := openai.ChatCompletionNewParams{
			Messages: messages,
			Model:    openai.ChatModel(e.model),
			StreamOptions: openai.ChatCompletionStreamOptionsParam{
				IncludeUsage: openai.Bool(true),
			},
		}
		if e.maxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(e.maxTokens)
		}

		stream := e.client.Chat.Completions.NewStreaming(ctx, params)
		var text strings.Builder
		finish := ""
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage.InputTokens += chunk.Usage.PromptTokens
				usage.OutputTokens += chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				emitTo(emit, EventDelta, choice.Delta.Content)
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
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
		if finish != "length" {
			break
		}
		messages = append(messages, openai.AssistantMessage(text.String()), openai.UserMessage(ContinuePrompt))
	}
	emitTo(emit, EventStats, FormatStats(e.model, usage, time.Since(start)))
	return out.String(), nil
}
