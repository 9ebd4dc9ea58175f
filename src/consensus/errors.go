package consensus

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy every runtime error falls into.
type ErrorKind string

const (
	// InvalidConfig refuses startup; nothing has been spawned yet.
	InvalidConfig ErrorKind = "InvalidConfig"
	// Consensus errors are recoverable per height; the next tick retries.
	Consensus ErrorKind = "Consensus"
	// Execution errors are fatal for the current height.
	Execution ErrorKind = "Execution"
	// Replication errors are per-message; the tick continues.
	Replication ErrorKind = "Replication"
	// Gossip errors are transient; callers back off and retry.
	Gossip ErrorKind = "Gossip"
)

// Error carries a kind plus a one-line reason. Slashable marks the subset of
// Consensus errors that are evidence of validator misbehaviour rather than
// ordinary message trouble.
type Error struct {
	Kind      ErrorKind
	Reason    string
	Slashable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// NewError builds a typed error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// NewSlashableError builds a Consensus error flagged as slashing evidence.
func NewSlashableError(format string, args ...interface{}) *Error {
	return &Error{Kind: Consensus, Reason: fmt.Sprintf(format, args...), Slashable: true}
}

// IsKind reports whether err is a typed error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind == kind
	}
	return false
}

// IsSlashable reports whether err carries slashing evidence.
func IsSlashable(err error) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Slashable
	}
	return false
}
