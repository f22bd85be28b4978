package relay

import "fmt"

// Reason classifies a relay failure.
type Reason string

const (
	// ReasonValidation marks a rejected request (missing or malformed fields).
	ReasonValidation Reason = "validation"
	// ReasonServer marks a server-side or transport failure.
	ReasonServer Reason = "server"
)

// RelayError is the typed failure surface of the relay protocol.
type RelayError struct {
	Reason Reason
	Msg    string
	Err    error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay %s error: %s: %v", e.Reason, e.Msg, e.Err)
	}
	return fmt.Sprintf("relay %s error: %s", e.Reason, e.Msg)
}

func (e *RelayError) Unwrap() error { return e.Err }

func validationError(msg string) *RelayError {
	return &RelayError{Reason: ReasonValidation, Msg: msg}
}

func serverError(msg string, err error) *RelayError {
	return &RelayError{Reason: ReasonServer, Msg: msg, Err: err}
}
