// Package classifier turns raw generation failures into structured errors
// carrying a user-facing explanation, a remediation hint and a retry verdict.
//
// Classification first looks for an embedded JSON error object in the raw
// message (the shape returned by OpenAI-compatible APIs) and maps its code,
// type or status field. When no usable object is found the message is run
// through an ordered rule table; the first matching rule wins. The order is:
//
//	cancelled > quota > authentication > permission > invalid model >
//	invalid template > rate limit > timeout > network > server > unknown
//
// so a message mentioning both "401" and "quota" is reported as a quota
// failure, and one mentioning "429" and "timeout" as a rate limit.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"lessonforge/internal/cancel"
)

// Kind is the failure category.
type Kind string

const (
	KindQuotaExhausted     Kind = "quota_exhausted"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindForbidden          Kind = "forbidden"
	KindInvalidModel       Kind = "invalid_model"
	KindInvalidTemplate    Kind = "invalid_template"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindNetwork            Kind = "network"
	KindServer             Kind = "server"
	KindCancelled          Kind = "cancelled"
	KindUnknown            Kind = "unknown"
)

// StructuredError is the classified form of a failure. It is created once and
// never mutated.
type StructuredError struct {
	Kind        Kind   `json:"kind"`
	Stage       string `json:"stage,omitempty"`
	Code        string `json:"code,omitempty"`
	Explanation string `json:"explanation"`
	Remediation string `json:"remediation"`
	Retryable   bool   `json:"retryable"`
	Raw         string `json:"raw,omitempty"`
}

// Error returns the user-facing text. The raw message is kept in Raw only.
func (e *StructuredError) Error() string {
	if e == nil {
		return "unknown error"
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s %s", e.Stage, e.Explanation, e.Remediation)
	}
	return e.Explanation + " " + e.Remediation
}

// Message returns explanation and remediation without the stage prefix.
func (e StructuredError) Message() string {
	return e.Explanation + " " + e.Remediation
}

// nonRetryable is the denylist consulted by IsRetryable.
var nonRetryable = map[Kind]bool{
	KindQuotaExhausted:     true,
	KindInvalidCredentials: true,
	KindForbidden:          true,
	KindInvalidModel:       true,
}

// IsRetryable reports whether a failure of this kind may be replayed with the
// same inputs.
func IsRetryable(se StructuredError) bool {
	return !nonRetryable[se.Kind]
}

type outcome struct {
	explanation string
	remediation string
	retryable   bool
}

var outcomes = map[Kind]outcome{
	KindQuotaExhausted: {
		"The generation account has run out of quota or credit.",
		"Top up the account or raise its billing limit, then retry.",
		false,
	},
	KindInvalidCredentials: {
		"The generation service rejected the API key.",
		"Check the configured API key and retry.",
		false,
	},
	KindForbidden: {
		"The API key is not allowed to use this resource.",
		"Grant the key access to the model or project, or use another key.",
		false,
	},
	KindInvalidModel: {
		"The configured model does not exist or is not available.",
		"Choose a supported model in the configuration.",
		false,
	},
	KindInvalidTemplate: {
		"The selected prompt template could not be used.",
		"Pick an existing template or fix the template file.",
		true,
	},
	KindRateLimited: {
		"The generation service is rate limiting requests.",
		"Wait a moment or lower the batch concurrency, then retry.",
		true,
	},
	KindTimeout: {
		"The generation service did not respond in time.",
		"Retry; if it keeps happening, shorten the input.",
		true,
	},
	KindNetwork: {
		"The connection to the generation service failed.",
		"Check network connectivity and proxy settings, then retry.",
		true,
	},
	KindServer: {
		"The generation service reported an internal error.",
		"Retry in a few minutes.",
		true,
	},
	KindCancelled: {
		"The operation was cancelled.",
		"Start it again when ready.",
		true,
	},
	KindUnknown: {
		"The generation step failed unexpectedly.",
		"Retry; if it fails again, check the diagnostic details.",
		true,
	},
}

// Classify maps a raw failure message produced by stage into a
// StructuredError. It never panics.
func Classify(raw, stage string) StructuredError {
	lower := strings.ToLower(raw)
	// An explicit 401 outranks every other signal, embedded codes included.
	if containsStatus(lower, "401") {
		return build(KindInvalidCredentials, "401", stage, raw)
	}
	kind, code := fromEmbedded(raw)
	if kind == "" {
		kind, code = fromRules(lower)
	}
	return build(kind, code, stage, raw)
}

// ClassifyError adapts a Go error. Cancellation and deadline errors are
// recognized by identity before falling back to Classify on the message.
func ClassifyError(err error, stage string) StructuredError {
	if err == nil {
		return build(KindUnknown, "", stage, "")
	}

	var se *StructuredError
	if errors.As(err, &se) && se != nil {
		out := *se
		if out.Stage == "" {
			out.Stage = stage
		}
		return out
	}

	switch {
	case cancel.IsCancellation(err):
		return build(KindCancelled, "", stage, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return build(KindTimeout, "", stage, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return build(KindTimeout, "", stage, err.Error())
		}
		return build(KindNetwork, "", stage, err.Error())
	}

	return Classify(err.Error(), stage)
}

func build(kind Kind, code, stage, raw string) StructuredError {
	o, ok := outcomes[kind]
	if !ok {
		kind = KindUnknown
		o = outcomes[KindUnknown]
	}
	retryable := o.retryable
	if kind == KindUnknown && hasCredentialHint(strings.ToLower(raw)) {
		retryable = false
	}
	return StructuredError{
		Kind:        kind,
		Stage:       stage,
		Code:        code,
		Explanation: o.explanation,
		Remediation: o.remediation,
		Retryable:   retryable,
		Raw:         raw,
	}
}

// apiError covers both {"error":{...}} and flat {"code":...} bodies.
type apiError struct {
	Error  *apiErrorBody   `json:"error"`
	Code   json.RawMessage `json:"code"`
	Type   string          `json:"type"`
	Status json.RawMessage `json:"status"`
}

type apiErrorBody struct {
	Code   json.RawMessage `json:"code"`
	Type   string          `json:"type"`
	Status json.RawMessage `json:"status"`
}

func fromEmbedded(raw string) (Kind, string) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", ""
	}

	var body apiError
	if err := json.Unmarshal([]byte(raw[start:end+1]), &body); err != nil {
		return "", ""
	}

	code, typ, status := rawString(body.Code), body.Type, rawString(body.Status)
	if body.Error != nil {
		code, typ, status = rawString(body.Error.Code), body.Error.Type, rawString(body.Error.Status)
	}

	for _, candidate := range []string{code, typ} {
		if kind, ok := codeKinds[strings.ToLower(candidate)]; ok {
			return kind, candidate
		}
	}
	if kind := statusKind(status); kind != "" {
		return kind, status
	}
	if kind := statusKind(code); kind != "" {
		return kind, code
	}
	return "", ""
}

// rawString reads a JSON string or number as text.
func rawString(r json.RawMessage) string {
	if len(r) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(r, &n); err == nil {
		return n.String()
	}
	return ""
}

var codeKinds = map[string]Kind{
	"insufficient_quota":         KindQuotaExhausted,
	"billing_hard_limit_reached": KindQuotaExhausted,
	"billing_not_active":         KindQuotaExhausted,
	"invalid_api_key":            KindInvalidCredentials,
	"authentication_error":       KindInvalidCredentials,
	"unauthenticated":            KindInvalidCredentials,
	"permission_error":           KindForbidden,
	"permission_denied":          KindForbidden,
	"model_not_found":            KindInvalidModel,
	"invalid_model":              KindInvalidModel,
	"rate_limit_exceeded":        KindRateLimited,
	"rate_limit_error":           KindRateLimited,
	"resource_exhausted":         KindRateLimited,
	"timeout":                    KindTimeout,
	"server_error":               KindServer,
	"api_error":                  KindServer,
	"overloaded_error":           KindServer,
	"internal":                   KindServer,
	"unavailable":                KindServer,
}

func statusKind(status string) Kind {
	switch status {
	case "401":
		return KindInvalidCredentials
	case "402":
		return KindQuotaExhausted
	case "403":
		return KindForbidden
	case "408", "504":
		return KindTimeout
	case "429":
		return KindRateLimited
	case "500", "502", "503":
		return KindServer
	}
	return ""
}

func hasCredentialHint(lower string) bool {
	for _, hint := range credentialHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

var credentialHints = []string{
	"api key", "api_key", "apikey", "credential", "billing", "credit", "quota",
	"subscription", "401", "unauthorized", "authentication",
}
