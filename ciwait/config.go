// Package ciwait polls a pull request's aggregate CI signal until it
// resolves, producing a pass/fail outcome and, on failure, a digest of the
// failing checks with their logs.
package ciwait

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the poll loop.
const (
	DefaultTimeout     = 30 * time.Minute
	DefaultPollEvery   = 15 * time.Second
	DefaultMaxLogBytes = 5_000_000
	DefaultMaxLogChars = 30_000
)

// Config controls the CI wait loop.
type Config struct {
	// Timeout bounds the whole wait; expiry is reported as failure.
	Timeout time.Duration

	// PollEvery is the sleep between status polls.
	PollEvery time.Duration

	// MaxLogBytes caps each downloaded log archive.
	MaxLogBytes int64

	// MaxLogChars caps the extracted log text in the digest.
	MaxLogChars int

	// AcceptableConclusions are the completed-check conclusions that do not
	// count as failure.
	AcceptableConclusions []string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:               DefaultTimeout,
		PollEvery:             DefaultPollEvery,
		MaxLogBytes:           DefaultMaxLogBytes,
		MaxLogChars:           DefaultMaxLogChars,
		AcceptableConclusions: []string{"success", "skipped", "neutral"},
	}
}

// LoadConfig reads the config from the environment, falling back to
// defaults for unset or malformed values.
//
// Variables: CI_WAIT_TIMEOUT_SECONDS, CI_WAIT_POLL_SECONDS, CI_MAX_LOG_BYTES,
// CI_MAX_LOG_CHARS, CI_ACCEPTABLE_CONCLUSIONS (comma separated).
func LoadConfig() Config {
	cfg := DefaultConfig()

	cfg.Timeout = time.Duration(envInt("CI_WAIT_TIMEOUT_SECONDS", int(cfg.Timeout/time.Second))) * time.Second
	cfg.PollEvery = time.Duration(envInt("CI_WAIT_POLL_SECONDS", int(cfg.PollEvery/time.Second))) * time.Second
	cfg.MaxLogBytes = int64(envInt("CI_MAX_LOG_BYTES", int(cfg.MaxLogBytes)))
	cfg.MaxLogChars = envInt("CI_MAX_LOG_CHARS", cfg.MaxLogChars)

	if raw := os.Getenv("CI_ACCEPTABLE_CONCLUSIONS"); raw != "" {
		var conclusions []string
		for _, c := range strings.Split(raw, ",") {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				conclusions = append(conclusions, c)
			}
		}
		if len(conclusions) == 0 {
			conclusions = []string{"success"}
		}
		cfg.AcceptableConclusions = conclusions
	}
	return cfg
}

// acceptable reports whether a completed-check conclusion is non-failing.
func (c Config) acceptable(conclusion string) bool {
	for _, ok := range c.AcceptableConclusions {
		if conclusion == ok {
			return true
		}
	}
	return false
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
