// Package logging builds the zap logger and the fields shared across packages.
package logging

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var redactPII atomic.Bool

func init() {
	redactPII.Store(true)
}

// New returns a production (json) or development (console) logger at level.
func New(level, format string, redact bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	SetRedactPII(redact)
	return cfg.Build()
}

// SetRedactPII toggles masking of recipient addresses in log fields.
func SetRedactPII(r bool) { redactPII.Store(r) }

// Recipient is the log field for an email address.
func Recipient(addr string) zap.Field {
	if redactPII.Load() {
		addr = RedactEmail(addr)
	}
	return zap.String("recipient", addr)
}

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}
