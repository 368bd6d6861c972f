package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// namePattern is the shared grammar for signal and directive names:
// a dot-delimited lowercase namespace, e.g. "package.install".
var namePattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_.]+$`)

// ValidationError marks permanently invalid input; callers must not
// retry after one.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateName checks the dot-delimited name grammar.
func ValidateName(field, name string) error {
	if !namePattern.MatchString(name) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q must match %s", name, namePattern.String())}
	}
	return nil
}

// slugPattern covers package slugs: lowercase, hyphen or underscore
// separated, no dots.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateSlug checks the package slug grammar.
func ValidateSlug(field, slug string) error {
	if !slugPattern.MatchString(slug) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q must match %s", slug, slugPattern.String())}
	}
	return nil
}

// ValidateJSONSafe rejects values that cannot round-trip through JSON.
func ValidateJSONSafe(field string, v map[string]any) error {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return &ValidationError{Field: field, Reason: err.Error()}
	}
	return nil
}
