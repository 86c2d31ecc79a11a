package graphstore

import (
	"errors"
	"fmt"
)

// ConnectionError wraps a failure to acquire or use a driver connection.
// Always retryable.
type ConnectionError struct {
	Candidate string
	Wrapped   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("graphstore: connection to %s: %v", e.Candidate, e.Wrapped)
}
func (e *ConnectionError) Unwrap() error { return e.Wrapped }
func (e *ConnectionError) Retryable() bool { return true }

// QueryError wraps a failed Cypher execution. Retryable unless the
// underlying driver classifies it as a syntax or constraint violation.
type QueryError struct {
	Cypher    string
	Wrapped   error
	retryable bool
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("graphstore: query failed: %v", e.Wrapped)
}
func (e *QueryError) Unwrap() error   { return e.Wrapped }
func (e *QueryError) Retryable() bool { return e.retryable }

// SchemaError wraps a schema-initialization failure. Never retryable.
type SchemaError struct {
	Statement string
	Wrapped   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("graphstore: schema init %q: %v", e.Statement, e.Wrapped)
}
func (e *SchemaError) Unwrap() error   { return e.Wrapped }
func (e *SchemaError) Retryable() bool { return false }

// TransactionError wraps a failed multi-statement transaction (SaveBatch).
// Retryable by default; the caller composes retry via pkg/fn.
type TransactionError struct {
	Wrapped error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("graphstore: transaction failed: %v", e.Wrapped)
}
func (e *TransactionError) Unwrap() error   { return e.Wrapped }
func (e *TransactionError) Retryable() bool { return true }

// retryableError is satisfied by all four error kinds above.
type retryableError interface {
	error
	Retryable() bool
}

// IsRetryable reports whether err (or something it wraps) is a
// graphstore error kind marked retryable. Errors outside this package
// are treated as not retryable: callers must opt in explicitly.
func IsRetryable(err error) bool {
	var re retryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}

// classifyNeo4jError maps a raw neo4j driver error to a QueryError with
// the correct Retryable classification. Syntax and constraint violations
// (Neo.ClientError.Schema.*, Neo.ClientError.Statement.*) are permanent;
// everything else (Neo.TransientError.*, leader election, deadlocks) is
// retried per spec.md §4.1.
func classifyNeo4jError(cypher string, err error) *QueryError {
	if err == nil {
		return nil
	}
	retryable := true
	msg := err.Error()
	if containsAny(msg, []string{
		"Neo.ClientError.Statement.SyntaxError",
		"Neo.ClientError.Schema",
		"Neo.ClientError.Statement.ConstraintVerificationFailed",
		"already exists with label",
	}) {
		retryable = false
	}
	return &QueryError{Cypher: cypher, Wrapped: err, retryable: retryable}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if len(sub) <= len(s) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
