package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"lessonforge/internal/config"
)

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	client openai.Client
	cfg    config.GenerationConfig
	logger *slog.Logger
}

// NewOpenAI builds a client from the generation config. Extra options are
// appended after the configured key and base URL.
func NewOpenAI(cfg config.GenerationConfig, logger *slog.Logger, opts ...option.RequestOption) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := make([]option.RequestOption, 0, len(opts)+2)
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	return &OpenAI{
		client: openai.NewClient(clientOpts...),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "generator")),
	}
}

// Stream implements Generator.
func (g *OpenAI) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Result, error) {
	model := req.Model
	if model == "" {
		model = g.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = int64(g.cfg.MaxTokens)
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = g.cfg.Temperature
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}

	var callOpts []option.RequestOption
	if req.APIKey != "" {
		callOpts = append(callOpts, option.WithAPIKey(req.APIKey))
	}

	g.logger.DebugContext(ctx, "generation_stream_start",
		slog.String("stage", req.Stage),
		slog.String("model", model),
		slog.Int64("max_tokens", maxTokens))

	stream := g.client.Chat.Completions.NewStreaming(ctx, params, callOpts...)
	defer stream.Close()

	var (
		text   strings.Builder
		chars  int
		finish string
	)
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if delta := choice.Delta.Content; delta != "" {
				text.WriteString(delta)
				chars += utf8.RuneCountInString(delta)
				if onDelta != nil {
					if err := onDelta(delta, chars); err != nil {
						return Result{Content: text.String(), Chars: chars}, err
					}
				}
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Result{Content: text.String(), Chars: chars}, fmt.Errorf("openai streaming error: %w", err)
	}
	if text.Len() == 0 {
		return Result{FinishReason: finish}, ErrEmptyCompletion
	}

	return Result{
		Content:      text.String(),
		Chars:        chars,
		FinishReason: finish,
		Truncated:    finish == "length",
	}, nil
}
