package operations

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"lessonforge/internal/config"
)

// Snapshot is the configuration captured when a run starts. Later config
// changes do not affect a run in flight, and retries reuse the same snapshot.
type Snapshot struct {
	Model       string  `json:"model"`
	Template    string  `json:"template"`
	OutputPath  string  `json:"output_path,omitempty"`
	MaxTokens   int64   `json:"max_tokens"`
	Temperature float64 `json:"temperature"`

	APIKey string `json:"-"`
	// KeyFingerprint identifies the credential in logs and snapshots
	// without revealing it.
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
}

// SnapshotOverrides are the per-request choices layered over the config.
type SnapshotOverrides struct {
	Model      string
	Template   string
	OutputPath string
	APIKey     string
}

// NewSnapshot captures cfg with overrides applied.
func NewSnapshot(cfg config.GenerationConfig, o SnapshotOverrides) Snapshot {
	s := Snapshot{
		Model:       cfg.Model,
		Template:    cfg.Template,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		APIKey:      cfg.APIKey,
		OutputPath:  o.OutputPath,
	}
	if o.Model != "" {
		s.Model = o.Model
	}
	if o.Template != "" {
		s.Template = o.Template
	}
	if o.APIKey != "" {
		s.APIKey = o.APIKey
	}
	s.KeyFingerprint = Fingerprint(s.APIKey)
	return s
}

// Fingerprint returns a short stable digest of a secret, or "" for none.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}
