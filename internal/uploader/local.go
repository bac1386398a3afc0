package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Local writes artifacts below a directory.
type Local struct {
	root    string
	baseURL string
	logger  *slog.Logger
}

// NewLocal creates root if needed. When baseURL is set, returned URLs are
// baseURL joined with the relative path; otherwise they are file URLs.
func NewLocal(root, baseURL string, logger *slog.Logger) (*Local, error) {
	if root == "" {
		root = "output"
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Local{
		root:    abs,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With(slog.String("component", "uploader"), slog.String("backend", "local")),
	}, nil
}

// Upload implements Uploader.
func (l *Local) Upload(ctx context.Context, a Artifact) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	name := SafeName(a.Name)
	rel := filepath.Join(filepath.FromSlash(cleanFolder(a.Folder)), name)
	full := filepath.Join(l.root, rel)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Result{}, fmt.Errorf("create artifact folder: %w", err)
	}
	if err := os.WriteFile(full, a.Content, 0o644); err != nil {
		return Result{}, fmt.Errorf("write artifact: %w", err)
	}

	url := "file://" + filepath.ToSlash(full)
	if l.baseURL != "" {
		url = l.baseURL + "/" + filepath.ToSlash(rel)
	}

	l.logger.DebugContext(ctx, "artifact_written",
		slog.String("path", full),
		slog.Int("bytes", len(a.Content)))

	return Result{ID: filepath.ToSlash(rel), Filename: name, URL: url}, nil
}
