package events

import (
	"errors"
	"time"
)

// Status is the delivery state of an envelope.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRetrying Status = "RETRYING"
	StatusDone     Status = "DONE"
	StatusDead     Status = "DEAD"
	// StatusRejected marks invalid input: terminal, never retried.
	StatusRejected Status = "REJECTED"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDead || s == StatusRejected
}

// ParseStatus accepts any known status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRetrying, StatusDone, StatusDead, StatusRejected:
		return st, nil
	}
	return "", errors.New("unknown status " + s)
}

// Record is the audit entry kept next to an envelope.
type Record struct {
	Envelope      Envelope  `json:"envelope"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type rejectedError struct {
	err error
}

func (e *rejectedError) Error() string { return e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

// Reject marks err as invalid input. The dispatcher records it and does not retry.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	var rejected *rejectedError
	if errors.As(err, &rejected) {
		return err
	}
	return &rejectedError{err: err}
}

// IsRejected reports whether err, or anything it wraps, was produced by Reject.
func IsRejected(err error) bool {
	var rejected *rejectedError
	return errors.As(err, &rejected)
}
