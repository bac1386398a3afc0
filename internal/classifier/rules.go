package classifier

import "strings"

// rule is one (predicate, outcome) pair of the classification table.
type rule struct {
	kind     Kind
	phrases  []string
	statuses []string
}

func (r rule) match(lower string) (string, bool) {
	for _, code := range r.statuses {
		if containsStatus(lower, code) {
			return code, true
		}
	}
	for _, p := range r.phrases {
		if strings.Contains(lower, p) {
			return "", true
		}
	}
	return "", false
}

// rules is evaluated top to bottom. Reordering changes results for messages
// that carry more than one signal.
var rules = []rule{
	{kind: KindCancelled, phrases: []string{"operation cancelled", "context canceled", "cancelled by user"}},
	{kind: KindQuotaExhausted, statuses: []string{"402"}, phrases: []string{"insufficient_quota", "quota", "billing", "insufficient balance", "payment required", "credit balance"}},
	{kind: KindInvalidCredentials, statuses: []string{"401"}, phrases: []string{"invalid_api_key", "invalid api key", "incorrect api key", "unauthorized", "authentication"}},
	{kind: KindForbidden, statuses: []string{"403"}, phrases: []string{"forbidden", "permission", "access denied", "not allowed"}},
	{kind: KindInvalidModel, phrases: []string{"model_not_found", "invalid model", "unknown model", "model does not exist", "model not found"}},
	{kind: KindInvalidTemplate, phrases: []string{"template"}},
	{kind: KindRateLimited, statuses: []string{"429"}, phrases: []string{"rate_limit", "rate limit", "too many requests", "ratelimit"}},
	{kind: KindTimeout, statuses: []string{"408", "504"}, phrases: []string{"timeout", "timed out", "deadline exceeded"}},
	{kind: KindNetwork, phrases: []string{"connection refused", "connection reset", "econnreset", "econnrefused", "no such host", "network", "unexpected eof", "broken pipe", "socket hang up", "fetch failed"}},
	{kind: KindServer, statuses: []string{"500", "502", "503"}, phrases: []string{"internal server error", "bad gateway", "service unavailable", "overloaded", "server error"}},
}

func fromRules(lower string) (Kind, string) {
	for _, r := range rules {
		if code, ok := r.match(lower); ok {
			return r.kind, code
		}
	}
	return KindUnknown, ""
}

// containsStatus finds code in s where it is not part of a longer number.
func containsStatus(s, code string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], code)
		if j < 0 {
			return false
		}
		at := i + j
		end := at + len(code)
		if (at == 0 || !isDigit(s[at-1])) && (end == len(s) || !isDigit(s[end])) {
			return true
		}
		i = at + 1
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
