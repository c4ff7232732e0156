package errors

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/spounge-ai/keypool/pkg/patterns/circuitbreaker"
)

type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassValidation
	ClassNotFound
	ClassUnavailable
	ClassUpstream
	ClassTransport
	ClassStorage
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassNotFound:
		return "not_found"
	case ClassUnavailable:
		return "unavailable"
	case ClassUpstream:
		return "upstream"
	case ClassTransport:
		return "transport"
	case ClassStorage:
		return "storage"
	default:
		return "internal"
	}
}

// ExitCode is the process exit status the CLI uses for the class.
func (c ErrorClass) ExitCode() int {
	switch c {
	case ClassValidation:
		return 2
	case ClassNotFound:
		return 3
	case ClassUnavailable:
		return 4
	case ClassUpstream, ClassTransport:
		return 5
	case ClassStorage:
		return 6
	default:
		return 1
	}
}

type ClassifiedError struct {
	Class         ErrorClass
	InternalError error
	ClientMessage string
	OperationName string
	UpstreamCode  int
	Metadata      map[string]any
}

// SanitizedError is what leaves the classifier: a user-facing message and an
// exit code, with the internal cause only reachable through Unwrap.
type SanitizedError struct {
	Class   ErrorClass
	Message string
	cause   error
}

func (e *SanitizedError) Error() string { return e.Message }

func (e *SanitizedError) Unwrap() error { return e.cause }

type ErrorClassifier struct {
	logger *slog.Logger
}

func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorClassifier{logger: logger}
}

var errorPool = sync.Pool{
	New: func() any {
		return &ClassifiedError{
			Metadata: make(map[string]any, 4),
		}
	},
}

func (ec *ErrorClassifier) Classify(err error, operation string) *ClassifiedError {
	classified := errorPool.Get().(*ClassifiedError)
	classified.InternalError = err
	classified.OperationName = operation

	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConfig):
		classified.Class = ClassValidation
		classified.ClientMessage = "The request contains invalid parameters"
	case errors.Is(err, keypool.ErrKeyNotFound):
		classified.Class = ClassNotFound
		classified.ClientMessage = "No key matches the selector"
	case errors.Is(err, keypool.ErrUnavailable):
		classified.Class = ClassUnavailable
		classified.ClientMessage = "No key is available for the selector right now"
	case errors.Is(err, keypool.ErrUpstream):
		classified.Class = ClassUpstream
		classified.ClientMessage = "The upstream API rejected the request"
		if code, ok := keypool.UpstreamCode(err); ok {
			classified.UpstreamCode = code
			classified.Metadata["upstream_code"] = code
		}
	case errors.Is(err, keypool.ErrTransport):
		classified.Class = ClassTransport
		classified.ClientMessage = "The upstream API could not be reached"
	case errors.Is(err, keypool.ErrStorage):
		classified.Class = ClassStorage
		classified.ClientMessage = "The key store is not reachable"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			classified.Metadata["circuit"] = "open"
		}
	default:
		classified.Class = ClassInternal
		classified.ClientMessage = "An unexpected internal error occurred"
	}

	return classified
}

// LogAndSanitize logs the full error once and returns the user-facing form.
// classified must not be used afterwards.
func (ec *ErrorClassifier) LogAndSanitize(ctx context.Context, classified *ClassifiedError) error {
	defer ec.putError(classified)

	ec.logger.ErrorContext(ctx, "operation failed",
		"operation", classified.OperationName,
		"error_class", classified.Class.String(),
		"internal_error", classified.InternalError.Error(),
		"metadata", classified.Metadata,
	)

	return &SanitizedError{
		Class:   classified.Class,
		Message: classified.ClientMessage,
		cause:   classified.InternalError,
	}
}

func (ec *ErrorClassifier) putError(err *ClassifiedError) {
	err.InternalError = nil
	err.UpstreamCode = 0
	clear(err.Metadata)
	err.OperationName = ""
	err.ClientMessage = ""
	errorPool.Put(err)
}
