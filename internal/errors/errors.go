package errors

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrConnection     = errors.New("connection error")
	ErrAuthentication = errors.New("authentication error")
	ErrProtocol       = errors.New("protocol error")
	ErrTimeout        = errors.New("timeout")
	ErrSubscription   = errors.New("subscription error")
	ErrCommand        = errors.New("command failed")
)

// Connection sentinels. Each one matches ErrConnection.
var (
	ErrNotConnected     = fmt.Errorf("%w: not connected", ErrConnection)
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrConnection)
	ErrConnectionLost   = fmt.Errorf("%w: connection lost", ErrConnection)
	ErrClientClosed     = fmt.Errorf("%w: client closed", ErrConnection)
)

// DefaultCommandMessage is used when the peer reports a failure without a message.
const DefaultCommandMessage = "Unknown error"

// Error is a classified error. It matches its Kind and its cause with errors.Is.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New returns a classified error without a cause.
func New(kind error, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. It returns nil when err is nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// CommandError is a failure reported by the peer in a result message.
type CommandError struct {
	Code    string
	Message string
}

// NewCommandError builds a CommandError, defaulting the message to "Unknown error".
func NewCommandError(code, message string) *CommandError {
	if message == "" {
		message = DefaultCommandMessage
	}
	return &CommandError{Code: code, Message: message}
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("command failed: %s (%s)", e.Message, e.Code)
	}
	return "command failed: " + e.Message
}

// Is reports whether target is ErrCommand.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommand
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsConnection reports whether err is a connection failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
