// Package redact strips sensitive values from resource options before they
// are logged.
//
// Resource descriptors carry container environment such as
// POSTGRES_PASSWORD. Those assignments are echoed when a container is created,
// so every log call-site that prints environment goes through EnvList first.
// Redaction is best-effort and keyed on variable names.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// EnvList returns a copy of env ("KEY=value" assignments) in which the value
// of every sensitive key is replaced by [REDACTED]. Entries without "=" are
// copied unchanged.
func EnvList(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if ok && value != "" && IsSensitiveKey(key) {
			out[i] = key + "=" + placeholder
			continue
		}
		out[i] = kv
	}
	return out
}

// IsSensitiveKey reports whether the key name suggests it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
