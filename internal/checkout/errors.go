package checkout

import "fmt"

// ErrorKind classifies checkout failures for the transport layer.
type ErrorKind int

const (
	// KindValidation covers malformed input and products that cannot be sold through this flow.
	KindValidation ErrorKind = iota + 1
	// KindNotFound covers unknown product identifiers.
	KindNotFound
	// KindProvider covers payment provider failures.
	KindProvider
	// KindInternal covers local persistence or lookup failures.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindProvider:
		return "provider"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is returned by every checkout operation. Message is safe to show to customers.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("checkout %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("checkout %s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(cause error, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...), Err: cause}
}

func providerError(cause error, message string) error {
	return &Error{Kind: KindProvider, Message: message, Err: cause}
}

func internalError(cause error, message string) error {
	return &Error{Kind: KindInternal, Message: message, Err: cause}
}
