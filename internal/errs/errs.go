// Package errs holds the error kinds surfaced by the load path. Every kind
// aborts the current run; callers match them with errors.As.
package errs

import (
	"fmt"
	"strings"
)

// NotFoundError is returned when no input artifact matches the requested run.
type NotFoundError struct {
	RunKey  string
	Dir     string
	Pattern string
}

func (e *NotFoundError) Error() string {
	if e.RunKey == "" {
		return fmt.Sprintf("no %s found in %s", e.Pattern, e.Dir)
	}
	return fmt.Sprintf("run %s: no %s found in %s", e.RunKey, e.Pattern, e.Dir)
}

// ValidationError reports a malformed record or a record without doc_id.
type ValidationError struct {
	Artifact string
	Line     int
	Reason   string
	// Record is a truncated copy of the offending input.
	Record string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid record")
	if e.Artifact != "" {
		fmt.Fprintf(&b, " in %s", e.Artifact)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if e.Record != "" {
		fmt.Fprintf(&b, ": %s", e.Record)
	}
	return b.String()
}

// TransportError is a failed call or a non-2xx answer from a remote endpoint.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status=%d, body=%s", e.Op, e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BatchItemError carries the first per-item failure the store reported
// inside an otherwise accepted batch.
type BatchItemError struct {
	Item   int
	DocID  string
	Status int
	Type   string
	Reason string
}

func (e *BatchItemError) Error() string {
	return fmt.Sprintf("bulk item error: item=%d id=%s status=%d type=%s reason=%s",
		e.Item, e.DocID, e.Status, e.Type, e.Reason)
}

// ProtocolMismatchError signals a batch response that cannot be trusted:
// an empty body, errors=true without any item error, or an item count that
// differs from the number of documents sent.
type ProtocolMismatchError struct {
	Reason   string
	Sent     int
	Received int
}

func (e *ProtocolMismatchError) Error() string {
	if e.Sent > 0 || e.Received > 0 {
		return fmt.Sprintf("bulk protocol mismatch: %s (sent %d docs, store processed %d items)",
			e.Reason, e.Sent, e.Received)
	}
	return "bulk protocol mismatch: " + e.Reason
}

// Truncate shortens s for inclusion in error messages.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
