package backend

import (
	"fmt"

	"github.com/tphakala/pcmstream/internal/errors"
)

// ComponentBackend identifies backend errors in telemetry
const ComponentBackend = "backend"

// Sentinel errors shared by the streams and the drivers. Match with errors.Is.
var (
	// ErrInitializationFailed means Open released everything it acquired.
	ErrInitializationFailed = errors.NewStd("stream initialization failed")

	// ErrBackendRejected means the backend refused an enqueue or a start.
	ErrBackendRejected = errors.NewStd("backend rejected request")

	// ErrCancelled means a blocking operation ended because the stream stopped.
	ErrCancelled = errors.NewStd("operation cancelled")

	// ErrClosed is returned by operations on a closed stream or device.
	ErrClosed = errors.NewStd("stream closed")

	ErrInvalidFormat = errors.NewStd("invalid audio format")

	ErrUnknownDriver = errors.NewStd("unknown backend driver")

	ErrUnknownBuffer = errors.NewStd("unknown buffer id")

	ErrBufferBusy = errors.NewStd("buffer owned by backend")
)

// InitError builds the error returned by a failed open. cause is kept in the
// chain next to ErrInitializationFailed.
func InitError(component, operation string, cause error) error {
	return errors.New(chain(ErrInitializationFailed, operation, cause)).
		Component(component).
		Category(errors.CategoryInitialization).
		Priority(errors.PriorityHigh).
		Context("operation", operation).
		Build()
}

// RejectError builds the error returned when the backend refuses a request.
func RejectError(component, operation string, cause error) error {
	return errors.New(chain(ErrBackendRejected, operation, cause)).
		Component(component).
		Category(errors.CategoryBackend).
		Context("operation", operation).
		Build()
}

func chain(sentinel error, operation string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", sentinel, operation)
	}
	return fmt.Errorf("%w: %s: %w", sentinel, operation, cause)
}
