// Package errs holds error types shared across the cluster engines.
package errs

import (
	"fmt"
	"strings"
)

// Retryable wraps one or more errors that a workqueue consumer should retry
// with backoff rather than drop. Non-retryable errors are logged and
// dropped on first failure.
type Retryable struct{ Inner []error }

func (r Retryable) Error() string {
	parts := make([]string, 0, len(r.Inner))
	for _, err := range r.Inner {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("retryable: %s", strings.Join(parts, "; "))
}

// Wrap builds a Retryable from a single error, or returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return Retryable{Inner: []error{err}}
}
