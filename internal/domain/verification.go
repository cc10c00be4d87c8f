package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RecordID is the opaque identifier of a backlog record. Stores may use
// integer or UUID keys; both are carried as their textual form.
type RecordID string

// UnmarshalJSON accepts both JSON strings and JSON numbers.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("record id is null")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RecordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	*id = RecordID(n.String())
	return nil
}

// String returns the textual form of the id.
func (id RecordID) String() string { return string(id) }

// Int64 parses the id as an integer key.
func (id RecordID) Int64() (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}

// Task is one pending verification pulled from the backlog. Tasks are
// immutable and consumed by exactly one worker.
type Task struct {
	ID    RecordID `json:"id" db:"id"`
	Email string   `json:"email" db:"email"`
}

// Verdict is the outcome of processing one task.
type Verdict int

const (
	VerdictFailed Verdict = iota
	VerdictValid
	VerdictInvalid
)

// VerdictFor maps a deliverability answer to a verdict.
func VerdictFor(deliverable bool) Verdict {
	if deliverable {
		return VerdictValid
	}
	return VerdictInvalid
}

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	default:
		return "failed"
	}
}

// RecordStatus is the persisted lifecycle state of a backlog record.
type RecordStatus string

const (
	StatusPending    RecordStatus = "pending"
	StatusProcessing RecordStatus = "processing"
	StatusDone       RecordStatus = "done"
	StatusFailed     RecordStatus = "failed"
)

// Result is the set of fields written back for one record.
// Valid is nil for failed records so the column is left untouched.
type Result struct {
	Status RecordStatus `json:"status"`
	Valid  *bool        `json:"valid,omitempty"`
}

// ResultFor builds the field update that records a verdict.
func ResultFor(v Verdict) Result {
	switch v {
	case VerdictValid, VerdictInvalid:
		valid := v == VerdictValid
		return Result{Status: StatusDone, Valid: &valid}
	default:
		return Result{Status: StatusFailed}
	}
}
