package ingest

import (
	"errors"
	"strings"
)

// Kind classifies an ingestion failure for callers that need to react to it
// (HTTP status mapping, batch reports). It is stable and machine-readable.
type Kind string

const (
	// KindRejectedInput: bad extension, unparsable filename, malformed rows.
	// Nothing was committed; fix the input and retry.
	KindRejectedInput Kind = "rejected_input"

	// KindConflict: the filename was already ingested.
	KindConflict Kind = "conflict"

	// KindTransactionFailure: a store error while transacting. Everything
	// was rolled back and the dataset id of the attempt is never exposed.
	KindTransactionFailure Kind = "transaction_failure"

	// KindResourceFailure: disk write or connection acquisition failed.
	KindResourceFailure Kind = "resource_failure"
)

// Error is the structured failure returned by every Orchestrator operation.
type Error struct {
	Kind   Kind
	Op     string // pipeline step, e.g. "validate", "stage", "transfer"
	Detail string // human-readable, safe to show to clients
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func rejected(op, detail string, err error) *Error {
	return &Error{Kind: KindRejectedInput, Op: op, Detail: detail, Err: err}
}

func conflict(op, detail string, err error) *Error {
	return &Error{Kind: KindConflict, Op: op, Detail: detail, Err: err}
}

func txFailure(op string, err error) *Error {
	return &Error{Kind: KindTransactionFailure, Op: op, Err: err}
}

func resourceFailure(op string, err error) *Error {
	return &Error{Kind: KindResourceFailure, Op: op, Err: err}
}
