package dispatcher

import (
	"errors"

	"github.com/LerianStudio/lib-courier/courier/queue"
	"github.com/LerianStudio/lib-courier/courier/transport"
)

// RetryClassifier determines whether a delivery error should not be retried.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

// IsNonRetryable calls fn.
func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// DefaultRetryClassifier treats transport.ErrPermanent and queue validation
// errors as non-retryable.
var DefaultRetryClassifier = RetryClassifierFunc(func(err error) bool {
	return transport.IsPermanent(err) || errors.Is(err, queue.ErrValidation)
})
