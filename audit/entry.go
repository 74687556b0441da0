// Package audit records every classification and its outcome.
//
// Recording is best effort. A sink failure or a full queue drops the entry
// and logs a warning; it never fails or delays the execution being recorded.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/isdmx/consolebox/safety"
	"github.com/isdmx/consolebox/sandbox"
)

// Status is the terminal state of an audited call.
type Status string

// Statuses recorded in Outcome.Status
const (
	StatusRejected  Status = "rejected"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusErrored   Status = "errored"
)

// Classification is the part of an Analysis kept in the audit log.
type Classification struct {
	Safe     bool     `json:"safe"`
	ReadOnly bool     `json:"read_only"`
	Summary  string   `json:"summary"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Outcome summarizes how the call ended.
type Outcome struct {
	Status     Status  `json:"status"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Message    string  `json:"message,omitempty"`
	DurationMS float64 `json:"duration_ms"`
	Truncated  bool    `json:"truncated,omitempty"`
}

// Entry is one append-only audit record.
type Entry struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Operation      string         `json:"operation"`
	Snippet        string         `json:"snippet"`
	Classification Classification `json:"classification"`
	Outcome        Outcome        `json:"outcome"`
	Actor          string         `json:"actor,omitempty"`
	Override       bool           `json:"override,omitempty"`
}

// Meta is the caller context of an audited call.
type Meta struct {
	Operation string
	Actor     string
	Override  bool
	Rejected  bool
	Elapsed   time.Duration
}

// NewEntry builds the entry for one call from its analysis and its result
// or error.
func NewEntry(snippet string, analysis safety.Analysis, result *sandbox.Result, err error, meta Meta) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Operation: meta.Operation,
		Snippet:   snippet,
		Classification: Classification{
			Safe:     analysis.Safe,
			ReadOnly: analysis.ReadOnly,
			Summary:  analysis.Summary,
			Reasons:  analysis.Reasons(),
		},
		Actor:    meta.Actor,
		Override: meta.Override,
	}
	e.Outcome.DurationMS = float64(meta.Elapsed.Microseconds()) / 1000

	var timeout *sandbox.TimeoutError
	switch {
	case meta.Rejected:
		e.Outcome.Status = StatusRejected
		if err != nil {
			e.Outcome.Message = err.Error()
		}
	case errors.As(err, &timeout):
		e.Outcome.Status = StatusTimedOut
		e.Outcome.ErrorKind = string(sandbox.KindTimeout)
		e.Outcome.Message = err.Error()
	case err != nil:
		e.Outcome.Status = StatusErrored
		e.Outcome.Message = err.Error()
	case result == nil:
		e.Outcome.Status = StatusErrored
	case result.Success:
		e.Outcome.Status = StatusSucceeded
		e.Outcome.Truncated = result.Truncated
	default:
		e.Outcome.Status = StatusFailed
		e.Outcome.Truncated = result.Truncated
		if result.Error != nil {
			e.Outcome.ErrorKind = string(result.Error.Kind)
			e.Outcome.Message = result.Error.Message
		}
	}
	return e
}

// Sink stores audit entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}
