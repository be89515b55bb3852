package config

import (
	"encoding/json"
	"fmt"
	"time"
)

const redactedSecret = "[REDACTED]"

// Duration is a time.Duration read from text such as "72h" or "250ms".
// Negative values are rejected; every duration in Config is a timeout,
// a delay or an interval.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret holds a credential such as the NATS token. It prints and marshals
// as a placeholder; only Value exposes it.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redactedSecret
}

func (s Secret) GoString() string { return "config.Secret(" + s.String() + ")" }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a value was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// UnmarshalText accepts the raw value but refuses the placeholder, so a
// dumped config cannot be loaded back with a fake credential.
func (s *Secret) UnmarshalText(text []byte) error {
	if string(text) == redactedSecret {
		return fmt.Errorf("secret holds a redacted placeholder")
	}
	*s = Secret(text)
	return nil
}
