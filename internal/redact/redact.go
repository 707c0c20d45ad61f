// Package redact scrubs secrets from text destined for logs, diagnostics, and
// dead-letter context.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	reBearer     = regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)[^\s"]+`)
	reBasic      = regexp.MustCompile(`(?i)(authorization:\s*basic\s+)[^\s"]+`)
	reAPIKey     = regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`)
	reGitHubPAT  = regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`)
	reCredURI    = regexp.MustCompile(`([a-z][a-z0-9+.\-]*://)[^/@\s:]+:[^@/\s]+@`)
	rePrivateKey = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)
	reHighEntropy = regexp.MustCompile(`\b[A-Fa-f0-9]{40,}\b`)
	reEmail       = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// Clean masks credential-bearing substrings while preserving surrounding text.
func Clean(v string) string {
	out := v
	out = reBearer.ReplaceAllString(out, `$1[REDACTED]`)
	out = reBasic.ReplaceAllString(out, `$1[REDACTED]`)
	out = reAPIKey.ReplaceAllString(out, "sk-[REDACTED]")
	out = reGitHubPAT.ReplaceAllString(out, "github_pat_[REDACTED]")
	out = reCredURI.ReplaceAllString(out, "$1[REDACTED]@")
	out = rePrivateKey.ReplaceAllString(out, "[REDACTED PRIVATE KEY]")
	out = reHighEntropy.ReplaceAllString(out, "[REDACTED]")
	return out
}

// CleanWithEmails also masks email addresses, for contexts where recipient
// policy requires it.
func CleanWithEmails(v string) string {
	return reEmail.ReplaceAllString(Clean(v), "[EMAIL]")
}

// HashText returns a short stable digest for correlating payloads without
// logging them.
func HashText(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}

// Snippet redacts and truncates a payload for diagnostics.
func Snippet(v string, max int) string {
	v = Clean(strings.TrimSpace(v))
	if max <= 0 || len(v) <= max {
		return v
	}
	return v[:max] + "...(truncated)"
}
