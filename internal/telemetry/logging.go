// Package telemetry builds the kernel's structured logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/vaultclaw/internal/shared"
)

// LogFile is the JSON-lines system log under <home>/logs.
const LogFile = "system.jsonl"

// NewLogger opens <home>/logs/system.jsonl and returns a JSON logger
// writing to it, and to stdout unless quiet is set. Every line carries
// component and trace_id. Credential-named fields and secret-looking
// string values are masked. The closer releases the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = f
	if !quiet {
		w = io.MultiWriter(os.Stdout, f)
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: maskAttr,
	})
	return slog.New(h).With("component", "vaultclaw", "trace_id", "-"), f, nil
}

func maskAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case shared.SensitiveKey(a.Key):
		return slog.String(a.Key, shared.Redacted)
	case a.Value.Kind() == slog.KindString:
		v := a.Value.String()
		if looksLikeCredentialHeader(v) {
			return slog.String(a.Key, shared.Redacted)
		}
		if masked := shared.Redact(v); masked != v {
			return slog.String(a.Key, masked)
		}
	case a.Value.Kind() == slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, shared.Redact(err.Error()))
		}
	}
	return a
}

// Header dumps are masked whole.
func looksLikeCredentialHeader(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "authorization:") || strings.Contains(lower, "x-api-key:")
}

// ParseLevel maps a config level name to a slog level. Unknown names log
// at info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	name := strings.TrimSpace(level)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// FromContext returns logger annotated with the scope identifiers carried
// by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(shared.ScopeOf(ctx).LogArgs()...)
}
