package logging

import (
	"context"
	"log/slog"
	"strings"
)

// redactedValue replaces the value of any sensitive attribute.
const redactedValue = "[REDACTED]"

// sensitiveKeys are attribute keys whose values are stripped from every
// log record. Matching is case-insensitive.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"password":      {},
	"client_secret": {},
	"access_token":  {},
	"refresh_token": {},
	"code_verifier": {},
}

// IsSensitiveKey reports whether the given attribute or header key must
// never be logged verbatim.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// redactHandler wraps a slog.Handler and replaces the values of
// sensitive attributes before the record is written. All gateway log
// output flows through this handler.
type redactHandler struct {
	inner slog.Handler
}

func newRedactHandler(inner slog.Handler) slog.Handler {
	return &redactHandler{inner: inner}
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, redactAttr(attr))
	}
	return &redactHandler{inner: h.inner.WithAttrs(clean)}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		clean := make([]slog.Attr, 0, len(members))
		for _, member := range members {
			clean = append(clean, redactAttr(member))
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(clean...)}
	}
	if IsSensitiveKey(attr.Key) {
		return slog.String(attr.Key, redactedValue)
	}
	return attr
}

// RedactHeaders returns a copy of the header map with sensitive values
// replaced, suitable for inclusion in error context or debug output.
func RedactHeaders(headers map[string][]string) map[string][]string {
	clean := make(map[string][]string, len(headers))
	for key, values := range headers {
		if IsSensitiveKey(key) {
			clean[key] = []string{redactedValue}
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		clean[key] = copied
	}
	return clean
}
