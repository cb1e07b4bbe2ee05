package lox

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	ErrClosing = fmt.Errorf("closing")
	ErrClosed  = fmt.Errorf("connection closed")
)

// MalformedHeaderError means the stream lost frame sync. Fatal for the session.
type MalformedHeaderError struct {
	Marker byte
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("malformed header marker=%02x expected=%02x", e.Marker, HeaderMarker)
}

// TruncatedRecordError: table buffer does not divide or parse into whole records.
// Fatal for the frame only.
type TruncatedRecordError struct {
	Table  string
	Offset int
	Need   int
	Have   int
}

func (e *TruncatedRecordError) Error() string {
	return fmt.Sprintf("truncated %s record offset=%d need=%d have=%d", e.Table, e.Offset, e.Need, e.Have)
}

type InvalidTextEncodingError struct {
	ID     string
	Offset int
}

func (e *InvalidTextEncodingError) Error() string {
	return fmt.Sprintf("invalid utf-8 text id=%s offset=%d", e.ID, e.Offset)
}

type KeyMaterialError struct {
	Err error
}

func (e *KeyMaterialError) Error() string { return "key material: " + e.Err.Error() }

// HandshakeError: controller refused a handshake step other than the token request.
type HandshakeError struct {
	Step string
	Code int
	Err  error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake step=%s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("handshake step=%s code=%d", e.Step, e.Code)
}

type AuthenticationError struct {
	Code int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication denied code=%d", e.Code)
}

// TransportError wraps any I/O failure, it is never retried internally.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

// ProtocolSequenceError: an operation or frame arrived out of protocol order.
type ProtocolSequenceError struct {
	Expected string
	Actual   string
}

func (e *ProtocolSequenceError) Error() string {
	return fmt.Sprintf("protocol sequence expected=%s actual=%s", e.Expected, e.Actual)
}

// IsFatal reports whether err must end the session.
// Table decoding errors are local to one frame.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err).(type) {
	case *TruncatedRecordError, *InvalidTextEncodingError:
		return false
	}
	return true
}

func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.Cause(err).(*TransportError); ok {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
