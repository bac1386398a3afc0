// Package uploader stores finished artifacts and returns a link to them.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"lessonforge/internal/config"
)

// Artifact is one generated document.
type Artifact struct {
	// Folder groups the artifacts of one unit, e.g. the run or batch ID.
	Folder   string
	Name     string
	Content  []byte
	MimeType string
}

// Result locates an uploaded artifact.
type Result struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Uploader stores artifacts.
type Uploader interface {
	Upload(ctx context.Context, a Artifact) (Result, error)
}

// New builds the uploader selected by cfg.Backend.
func New(ctx context.Context, cfg config.UploadConfig, logger *slog.Logger) (Uploader, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.OutputDir, cfg.PublicBaseURL, logger)
	case "drive":
		return NewDrive(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported upload backend: %s", cfg.Backend)
	}
}

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}._ -]+`)

// SafeName turns free text into a file or folder name.
func SafeName(s string) string {
	s = unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._ ")
	if s == "" {
		return "untitled"
	}
	if r := []rune(s); len(r) > 120 {
		s = string(r[:120])
	}
	return s
}

// Filename builds the artifact name for a stage of a unit, e.g.
// "2025-03-04 Fractions - derived-a.md".
func Filename(date, title, stage string) string {
	parts := make([]string, 0, 3)
	if date != "" {
		parts = append(parts, date)
	}
	if title != "" {
		parts = append(parts, title)
	}
	base := strings.Join(parts, " ")
	if base == "" {
		base = stage
	} else {
		base += " - " + stage
	}
	return SafeName(base) + ".md"
}

func cleanFolder(folder string) string {
	var segs []string
	for _, s := range strings.Split(folder, "/") {
		if s = strings.TrimSpace(s); s != "" && s != "." && s != ".." {
			segs = append(segs, SafeName(s))
		}
	}
	return path.Join(segs...)
}
