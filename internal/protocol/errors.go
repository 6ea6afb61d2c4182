package protocol

import (
	"errors"
	"fmt"
)

// ErrBufferOverflow marks a connection frame buffer that exceeded its
// capacity. The buffer is unusable until force-flushed.
var ErrBufferOverflow = errors.New("frame buffer overflow")

// ErrUnknownConnection is returned for operations on unregistered connections.
var ErrUnknownConnection = errors.New("unknown connection")

// FrameError is fatal to one connection's buffer: the framer refuses further
// input until a forced flush or a connection reset.
type FrameError struct {
	ConnID string
	Usage  float64
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame error on connection %s (usage %.2f): %v", e.ConnID, e.Usage, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// ParseError covers malformed JSON and oversized frames. It is per-message:
// the connection survives.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Err)
	}
	return "parse error: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError covers structural, business-rule, and size violations. It
// is per-message: the connection survives.
type ValidationError struct {
	Type   Type
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error for %s: %s", e.Type, e.Reason)
}

// AuthorizationError rejects job-scoped messages from unauthenticated
// connections. The connection survives but is flagged.
type AuthorizationError struct {
	ConnID string
	Type   Type
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("connection %s is not authorized to send %s", e.ConnID, e.Type)
}
