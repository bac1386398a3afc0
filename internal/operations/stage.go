package operations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lessonforge/internal/cancel"
	"lessonforge/internal/generator"
	"lessonforge/internal/uploader"
)

// Step executes one generation stage
type Step interface {
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
}

// StepRequest carries everything a stage execution reads. It is built from
// the UnitState by the caller; the step itself never touches shared state.
type StepRequest struct {
	RunID    string
	Stage    string
	Input    Input
	Date     string
	Snapshot Snapshot
	// Primary is the stored primary content handed to derived stages.
	Primary    string
	TaskNumber int
	Payload    string

	Token  *cancel.Token
	Logger *slog.Logger

	Folder     string
	Filename   string
	StagingKey string

	OnProgress func(chars int)
}

// StepResult is the outcome of a successful stage
type StepResult struct {
	Content    string
	Chars      int
	Truncated  bool
	Artifact   uploader.Result
	StagingKey string
}

// GenerationStep streams a completion, stages it and uploads it.
type GenerationStep struct {
	gen      generator.Generator
	prompts  *generator.PromptBuilder
	stager   Stager
	uploader uploader.Uploader
}

// NewGenerationStep creates the step shared by every stage.
func NewGenerationStep(gen generator.Generator, prompts *generator.PromptBuilder, stager Stager, up uploader.Uploader) *GenerationStep {
	return &GenerationStep{gen: gen, prompts: prompts, stager: stager, uploader: up}
}

// Execute runs the stage. The token is checked before the stream, on every
// delta, and around the upload. Content is staged before the upload so a
// failed upload never loses generated text.
func (s *GenerationStep) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := req.Token.Check(); err != nil {
		return StepResult{}, err
	}

	system, prompt, err := s.prompts.Build(req.Snapshot.Template, req.Stage, generator.PromptData{
		Title:      req.Input.Title,
		Content:    req.Input.Content,
		Date:       req.Date,
		Notes:      req.Input.Notes,
		Primary:    req.Primary,
		TaskNumber: req.TaskNumber,
		Payload:    req.Payload,
	})
	if err != nil {
		return StepResult{}, err
	}

	ctx, stop := tokenContext(ctx, req.Token)
	defer stop()
	gen, err := s.gen.Stream(ctx, generator.Request{
		Stage:       req.Stage,
		Model:       req.Snapshot.Model,
		APIKey:      req.Snapshot.APIKey,
		System:      system,
		Prompt:      prompt,
		MaxTokens:   req.Snapshot.MaxTokens,
		Temperature: req.Snapshot.Temperature,
	}, func(_ string, total int) error {
		if err := req.Token.Check(); err != nil {
			return err
		}
		if req.OnProgress != nil {
			req.OnProgress(total)
		}
		return nil
	})
	if cerr := req.Token.Check(); cerr != nil {
		return StepResult{}, cerr
	}
	if err != nil {
		return StepResult{}, err
	}

	result := StepResult{
		Content:    gen.Content,
		Chars:      gen.Chars,
		Truncated:  gen.Truncated,
		StagingKey: req.StagingKey,
	}
	if s.stager != nil && req.StagingKey != "" {
		s.stager.Put(req.StagingKey, gen.Content, map[string]interface{}{
			"runId":     req.RunID,
			"stage":     req.Stage,
			"date":      req.Date,
			"chars":     gen.Chars,
			"truncated": gen.Truncated,
			"stagedAt":  time.Now().UTC().Format(time.RFC3339),
		})
	}
	if gen.Truncated {
		logger.Warn("stage_truncated", slog.String("stage", req.Stage), slog.Int("chars", gen.Chars))
	}

	if s.uploader == nil {
		return result, nil
	}
	name := req.Filename
	if name == "" {
		name = uploader.Filename(req.Date, req.Input.Title, req.Stage)
	}
	art, err := s.uploader.Upload(ctx, uploader.Artifact{
		Folder:   req.Folder,
		Name:     name,
		Content:  []byte(gen.Content),
		MimeType: "text/markdown",
	})
	if err != nil {
		if cerr := req.Token.Check(); cerr != nil {
			return StepResult{}, cerr
		}
		return StepResult{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if err := req.Token.Check(); err != nil {
		return StepResult{}, err
	}
	result.Artifact = art
	return result, nil
}

// tokenContext derives a context that is also cancelled with the token.
func tokenContext(ctx context.Context, token *cancel.Token) (context.Context, context.CancelFunc) {
	merged, cancelFn := context.WithCancel(ctx)
	unregister := context.AfterFunc(token.Context(), cancelFn)
	return merged, func() {
		unregister()
		cancelFn()
	}
}
