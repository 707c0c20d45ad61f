// Package logging builds the shared zap logger and redaction-aware field
// helpers.
package logging

import (
	"go.uber.org/zap"

	"github.com/DemonGiggle/criticizer/internal/redact"
)

// New returns a production JSON logger in deployed environments and a
// development logger otherwise.
func New(env string) (*zap.Logger, error) {
	if env == "dev" || env == "test" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Safe wraps a possibly secret-bearing string field with redaction applied.
func Safe(key, value string) zap.Field {
	return zap.String(key, redact.Clean(value))
}

// PayloadHash logs a payload as a short digest instead of its content.
func PayloadHash(key string, payload []byte) zap.Field {
	return zap.String(key, redact.HashText(string(payload)))
}
