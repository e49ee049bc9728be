package httpclient

import "fmt"

// StatusError reports an HTTP status that exhausted the retry budget.
type StatusError struct {
	Status int
	Hint   RetryHint
	Err    error
}

func (e *StatusError) Error() string {
	if e.Hint.After > 0 {
		return fmt.Sprintf("HTTP %d: %v (server asked to retry after %v)", e.Status, e.Err, e.Hint.After)
	}
	return fmt.Sprintf("HTTP %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }
