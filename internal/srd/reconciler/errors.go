package reconciler

import (
	"errors"
	"fmt"
)

// Kind classifies why a reconciliation failed.
type Kind string

const (
	// KindEmptyPayload means no payload was supplied; the store was not touched.
	KindEmptyPayload Kind = "empty_payload"
	// KindPersistence means the unit of work failed and was rolled back.
	KindPersistence Kind = "persistence"
)

// Error is returned for every failed reconciliation.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("reconcile: %s", e.Kind)
	}
	return fmt.Sprintf("reconcile: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind when err is a reconciliation error.
func KindOf(err error) (Kind, bool) {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr.Kind, true
	}
	return "", false
}
