package types

import (
	"fmt"
	"strings"
)

// IndexedError attaches an error message to the input position that caused it
type IndexedError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// InsertMetadata describes the outcome of an insert-or-intern call.
// Indices refer to positions in the caller's input slice.
type InsertMetadata struct {
	InsertedIdx      []int          `json:"inserted_idx"`
	ExistingIdx      []int          `json:"existing_idx"`
	Errors           []IndexedError `json:"errors,omitempty"`
	ErrorDescription string         `json:"error_description,omitempty"`
}

// Success returns true if nothing went wrong
func (m *InsertMetadata) Success() bool {
	return len(m.Errors) == 0 && m.ErrorDescription == ""
}

// NInserted returns the number of newly inserted entries
func (m *InsertMetadata) NInserted() int { return len(m.InsertedIdx) }

// NExisting returns the number of entries that deduplicated to existing rows
func (m *InsertMetadata) NExisting() int { return len(m.ExistingIdx) }

// ErrorString flattens all errors into one message
func (m *InsertMetadata) ErrorString() string {
	parts := []string{}
	if m.ErrorDescription != "" {
		parts = append(parts, m.ErrorDescription)
	}
	for _, e := range m.Errors {
		parts = append(parts, fmt.Sprintf("[%d] %s", e.Index, e.Message))
	}
	return strings.Join(parts, "; ")
}

// InsertError builds metadata describing an aborted insert
func InsertError(format string, args ...any) *InsertMetadata {
	return &InsertMetadata{ErrorDescription: fmt.Sprintf(format, args...)}
}

// QueryMetadata describes the outcome of a paginated query
type QueryMetadata struct {
	NFound    int `json:"n_found"`    // total matching rows, ignoring pagination
	NReturned int `json:"n_returned"` // rows in this page
}

// UpdateMetadata describes the outcome of a bulk status modification
type UpdateMetadata struct {
	UpdatedIdx []int          `json:"updated_idx"`
	Errors     []IndexedError `json:"errors,omitempty"`
}

// Success returns true if every requested update succeeded
func (m *UpdateMetadata) Success() bool { return len(m.Errors) == 0 }
