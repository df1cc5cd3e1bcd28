package consumer

import "errors"

type nonRetryableError struct {
	cause error
}

func (e nonRetryableError) Error() string {
	if e.cause == nil {
		return "non-retryable error"
	}
	return e.cause.Error()
}

func (e nonRetryableError) Unwrap() error {
	return e.cause
}

// NonRetryable marks an error that stops the consumer instead of being retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return nonRetryableError{cause: err}
}

// IsNonRetryable reports whether err was marked by NonRetryable.
func IsNonRetryable(err error) bool {
	var target nonRetryableError
	return errors.As(err, &target)
}
