package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// RedactedString logs only the length of val.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactCore rewrites sensitive fields before they reach the wrapped core,
// both for per-entry fields and for fields bound with With.
type redactCore struct {
	zapcore.Core
	keys     []string
	patterns []*regexp.Regexp
}

func newRedactCore(core zapcore.Core, cfg RedactionConfig) (*redactCore, error) {
	rc := &redactCore{Core: core}
	for _, k := range cfg.Keys {
		rc.keys = append(rc.keys, strings.ToLower(k))
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		rc.patterns = append(rc.patterns, re)
	}
	return rc, nil
}

// sensitiveKey matches a configured key exactly or as a suffix, so "token"
// also covers "nats_token".
func (c *redactCore) sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range c.keys {
		if key == k || strings.HasSuffix(key, "_"+k) || strings.HasSuffix(key, "."+k) {
			return true
		}
	}
	return false
}

func (c *redactCore) redact(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		replacement, ok := c.replace(f)
		if !ok {
			if out != nil {
				out = append(out, f)
			}
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, i, len(fields))
			copy(out, fields[:i])
		}
		out = append(out, replacement)
	}
	if out == nil {
		return fields
	}
	return out
}

func (c *redactCore) replace(f zapcore.Field) (zapcore.Field, bool) {
	if c.sensitiveKey(f.Key) {
		return zap.String(f.Key, redacted), true
	}
	if f.Type == zapcore.StringType {
		for _, re := range c.patterns {
			if re.MatchString(f.String) {
				return zap.String(f.Key, "[REDACTED:pattern]"), true
			}
		}
	}
	return f, false
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(c.redact(fields)), keys: c.keys, patterns: c.patterns}
}

func (c *redactCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *redactCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(e, c.redact(fields))
}
