package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	redactedValue = "[REDACTED]"
	timeLayout    = "2006-01-02T15:04:05.000000000Z"
)

var (
	fingerprintSalt = newFingerprintSalt()
	// Principals identify users; logs carry a per-process fingerprint instead.
	fingerprintKeys = map[string]struct{}{
		"principal":        {},
		"sender":           {},
		"sender_principal": {},
		"root_principal":   {},
		"caller":           {},
	}
	sensitiveKeyParts = []string{
		"secret", "private", "jwk", "mnemonic", "seed",
		"password", "passphrase", "token", "authorization",
	}
	// Exact keys whose values are key material or replayable credentials.
	sensitiveKeys = map[string]struct{}{
		"d":           {},
		"delegation":  {},
		"delegations": {},
		"signature":   {},
		"blob":        {},
	}
)

// selfAuthenticated matches principal values without importing the
// principal package.
type selfAuthenticated interface {
	fmt.Stringer
	IsSelfAuthenticating() bool
}

// SanitizingHandler redacts key material and fingerprints principals before
// records reach the wrapped handler.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the redaction rules to one attribute. Key names decide
// first; a value that is a self-authenticating principal is fingerprinted
// under any key, and raw byte slices are reduced to their length.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	switch {
	case isSensitiveKey(lowerKey):
		return slog.String(key, redactedValue)
	case shouldFingerprintKey(lowerKey):
		return slog.String(fingerprintKeyName(key), FingerprintID(valueToString(attr.Value)))
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindGroup:
		return slog.Any(key, sanitizeGroupValue(value.Group()))
	case slog.KindAny:
		if summary, ok := summarizeValue(value.Any()); ok {
			if p, isPrincipal := value.Any().(selfAuthenticated); isPrincipal && p.IsSelfAuthenticating() {
				return slog.String(fingerprintKeyName(key), summary)
			}
			return slog.String(key, summary)
		}
	}
	return attr
}

// SanitizeArgs is SanitizeAttr for loose key/value argument lists.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++
		lowerKey := strings.ToLower(strings.TrimSpace(key))
		switch {
		case isSensitiveKey(lowerKey):
			out = append(out, key, redactedValue)
		case shouldFingerprintKey(lowerKey):
			out = append(out, fingerprintKeyName(key), FingerprintID(fmt.Sprint(value)))
		default:
			if summary, ok := summarizeValue(value); ok {
				if p, isPrincipal := value.(selfAuthenticated); isPrincipal && p.IsSelfAuthenticating() {
					key = fingerprintKeyName(key)
				}
				out = append(out, key, summary)
				continue
			}
			out = append(out, key, value)
		}
	}
	return out
}

// FingerprintID maps a principal to a value that is stable for the life of
// the process and unlinkable across restarts.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + fingerprintSalt))
	return "fp_" + hex.EncodeToString(sum[:8])
}

// summarizeValue replaces values that must never be logged verbatim: byte
// slices (DER keys, signatures, envelopes) become their length, and
// self-authenticating principals become fingerprints. Canister ids and the
// anonymous principal are public and pass through.
func summarizeValue(v any) (string, bool) {
	switch t := v.(type) {
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(t)), true
	case selfAuthenticated:
		if t.IsSelfAuthenticating() {
			return FingerprintID(t.String()), true
		}
	}
	return "", false
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

// sanitizeGroupValue flattens a group into a map so nested request or
// delegation fields go through the same rules as top-level ones.
func sanitizeGroupValue(attrs []slog.Attr) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, attr := range sanitizeAttrs(attrs) {
		switch attr.Value.Kind() {
		case slog.KindString:
			out[attr.Key] = attr.Value.String()
		case slog.KindDuration, slog.KindTime:
			out[attr.Key] = valueToString(attr.Value)
		default:
			out[attr.Key] = attr.Value.Any()
		}
	}
	return out
}

func shouldFingerprintKey(key string) bool {
	_, ok := fingerprintKeys[key]
	return ok
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(key)), "_fp") {
		return key
	}
	return key + "_fp"
}

func isSensitiveKey(key string) bool {
	if _, ok := sensitiveKeys[key]; ok {
		return true
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(timeLayout)
	default:
		return fmt.Sprint(v.Any())
	}
}

// newFingerprintSalt seeds FingerprintID. Should the system RNG fail, the
// salt falls back to the start time, which still differs between runs.
func newFingerprintSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return time.Now().UTC().Format(timeLayout)
	}
	return hex.EncodeToString(buf)
}
