package pipeline

import "fmt"

// Codes carried by BusinessError, mapped to HTTP statuses by the server.
const (
	CodeCapacityExceeded  = "capacity_exceeded"
	CodeOwnershipMismatch = "ownership_mismatch"
	CodeInvalidStatus     = "invalid_status"
	CodeInsufficientFunds = "insufficient_funds"
)

// BusinessError is a rule violation the caller can act on, as opposed to an
// infrastructure failure.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string { return e.Message }

func businessErr(code, format string, args ...any) *BusinessError {
	return &BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}
