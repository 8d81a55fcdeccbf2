package types

import "encoding/json"

// ErrorPayload is the structured error a manager attaches to a failed task
type ErrorPayload struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// DefaultError is used when a failed operation carries no error payload
var DefaultError = ErrorPayload{
	ErrorType:    "not_supplied",
	ErrorMessage: "No error message found on task.",
}

// TaskResult is one entry in a manager's return batch. For successful
// optimizations FinalMolecule carries the optimized geometry; ReturnResult
// holds the procedure-specific result payload (energies, properties, ...).
type TaskResult struct {
	RecordID      int64           `json:"record_id"`
	Success       bool            `json:"success"`
	Stdout        string          `json:"stdout,omitempty"`
	Stderr        string          `json:"stderr,omitempty"`
	Error         *ErrorPayload   `json:"error,omitempty"`
	FinalMolecule *Molecule       `json:"final_molecule,omitempty"`
	ReturnResult  json.RawMessage `json:"return_result,omitempty"`
}

// ErrorOrDefault returns the manager-supplied error, or DefaultError if none
func (r *TaskResult) ErrorOrDefault() ErrorPayload {
	if r.Error != nil {
		return *r.Error
	}
	return DefaultError
}
