package federation

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedEnvelope    = errors.New("malformed envelope")
	ErrSignatureMismatch    = errors.New("signature mismatch")
	ErrUnauthorizedSender   = errors.New("unauthorized sender")
	ErrUnknownMessageType   = errors.New("unknown message type")
	ErrHandshakeDecryption  = errors.New("handshake decryption failure")
	ErrHandshakeIDCollision = errors.New("handshake id collision")
	ErrHandshakeTransport   = errors.New("handshake transport failure")
	ErrRelationshipNotFound = errors.New("relationship not found")
	ErrNotFound             = errors.New("not found")
)

// RejectError is returned when an inbound message is dropped. Reason is safe
// to report back to the sending node.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// Reject builds a RejectError around one of the taxonomy sentinels.
func Reject(err error, format string, args ...interface{}) *RejectError {
	return &RejectError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Reason extracts the human reason from a rejection, or err.Error().
func Reason(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
