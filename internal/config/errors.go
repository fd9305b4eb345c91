package config

import (
	"fmt"

	"mcpgate/internal/api"
)

// LoadError is a configuration failure carrying the offending path and
// a suggestion, rendered at startup before the process exits nonzero.
type LoadError struct {
	Path       string
	Reason     string
	Suggestion string
}

func (e *LoadError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("config error at %s: %s (%s)", e.Path, e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("config error at %s: %s", e.Path, e.Reason)
}

func schemaError(path, reason, suggestion string) error {
	return api.WrapError(api.CodeSchema, api.CategoryConfig, reason,
		&LoadError{Path: path, Reason: reason, Suggestion: suggestion})
}

func secretError(path, reason string) error {
	return api.WrapError(api.CodeSecretMissing, api.CategoryConfig, reason,
		&LoadError{Path: path, Reason: reason, Suggestion: "set the referenced environment variable"})
}
