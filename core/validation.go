package core

import (
	"fmt"
	"sort"
	"strings"
)

// NonFieldErrors is the reserved key for cross-field and object-level
// validation failures.
const NonFieldErrors = "non_field_errors"

// ValidationError collects human-readable error messages per field.
// Validation code batches all discoverable errors under their field keys
// before returning, rather than failing on the first one.
type ValidationError map[string][]string

// Error implements the error interface
func (v ValidationError) Error() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+strings.Join(v[key], "; "))
	}
	return strings.Join(parts, " / ")
}

// Add appends a message for field
func (v ValidationError) Add(field, format string, args ...interface{}) {
	v[field] = append(v[field], fmt.Sprintf(format, args...))
}

// AddNonField appends an object-level message
func (v ValidationError) AddNonField(format string, args ...interface{}) {
	v.Add(NonFieldErrors, format, args...)
}

// Merge folds all messages of other into v
func (v ValidationError) Merge(other ValidationError) {
	for field, messages := range other {
		v[field] = append(v[field], messages...)
	}
}

// MergeUnder folds all messages of other into v, prefixing every field
// key with prefix. Used for indexed per-related-item errors.
func (v ValidationError) MergeUnder(prefix string, other ValidationError) {
	for field, messages := range other {
		v[prefix+"."+field] = append(v[prefix+"."+field], messages...)
	}
}

// AsError returns v as error, or nil if no messages were collected.
func (v ValidationError) AsError() error {
	if len(v) == 0 {
		return nil
	}
	return v
}
