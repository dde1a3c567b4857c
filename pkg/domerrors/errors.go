package domerrors

import "net/http"

// Code classifies a gateway failure. Codes follow the protocol error taxonomy:
// validation failures never touch session state, ledger and timeout failures
// drive rollback or abort inside the state machine, and protocol violations
// mark a potential counterparty fault.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeLedger            Code = "ledger_error"
	CodeTimeout           Code = "timeout_error"
	CodeProtocolViolation Code = "protocol_violation"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeUnauthorized      Code = "unauthorized"
	CodeBadRequest        Code = "bad_request"
	CodeInternal          Code = "internal_error"
)

// GatewayError carries a machine-readable code alongside a human message.
// Services construct these at the boundary; transport layers translate them
// with ToHTTPStatus.
type GatewayError struct {
	Code    Code
	Message string
	cause   error
}

func New(code Code, message string) GatewayError {
	return GatewayError{Code: code, Message: message}
}

// Wrap attaches a cause for errors.Is/errors.As chains.
func Wrap(code Code, message string, cause error) GatewayError {
	return GatewayError{Code: code, Message: message, cause: cause}
}

func (e GatewayError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e GatewayError) Unwrap() error {
	return e.cause
}

// Is matches on code so callers can compare against a bare New(code, "").
func (e GatewayError) Is(target error) bool {
	ge, ok := target.(GatewayError)
	return ok && ge.Code == e.Code
}

// ToHTTPStatus maps error codes to HTTP statuses for the REST surface.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeProtocolViolation:
		return http.StatusUnprocessableEntity
	case CodeLedger:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
