// Package secrets assembles the environment variables forwarded to
// change agents. Values are treated as sensitive: they are passed
// through process environments and never logged.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Secret errors. These are configuration errors: the run cannot start
// until the flags are fixed.
var (
	ErrInvalidPair = errors.New("invalid secret value (expected KEY=VALUE)")
	ErrEmptyKey    = errors.New("invalid secret value (empty KEY)")
	ErrMissingEnv  = errors.New("missing environment variable for secret")
)

// Build resolves secret specs into a key/value map.
//
//   - kvPairs holds literal "KEY=VALUE" items.
//   - envKeys holds names whose values are read via lookup.
//
// When the same key appears more than once, the last value wins.
func Build(kvPairs, envKeys []string, lookup func(string) (string, bool)) (map[string]string, error) {
	out := map[string]string{}

	for _, item := range kvPairs {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPair, item)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("%w: %q", ErrEmptyKey, item)
		}
		out[key] = value
	}

	for _, key := range envKeys {
		k := strings.TrimSpace(key)
		if k == "" {
			return nil, ErrEmptyKey
		}
		value, ok := lookup(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingEnv, k)
		}
		out[k] = value
	}

	return out, nil
}

// FromEnv is Build with values read from the process environment.
func FromEnv(kvPairs, envKeys []string) (map[string]string, error) {
	return Build(kvPairs, envKeys, os.LookupEnv)
}
