// Package errdefs defines the error kinds shared by every infero package.
//
// Errors are wrapped around one of the sentinels below so callers can classify them with
// errors.Is, whatever message context was added on the way up.
package errdefs

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

var (
	// ErrConfiguration is an unknown engine type or a missing/invalid option.
	ErrConfiguration = errors.New("configuration error")
	// ErrIO is an unreadable or unwritable model/tensor file.
	ErrIO = errors.New("i/o error")
	// ErrShape is a tensor shape mismatch.
	ErrShape = errors.New("shape error")
	// ErrProtocol is an inconsistency in the collective distribution protocol.
	ErrProtocol = errors.New("protocol error")
	// ErrEngineRuntime is a failure inside a backend execution.
	ErrEngineRuntime = errors.New("engine runtime error")
	// ErrInvalidState is a lifecycle operation called out of order.
	ErrInvalidState = errors.New("invalid state")
)

// Configurationf returns an ErrConfiguration carrying the formatted message.
func Configurationf(format string, args ...any) error {
	return pkgerrors.Wrapf(ErrConfiguration, format, args...)
}

// IOf returns an ErrIO carrying the formatted message.
func IOf(format string, args ...any) error {
	return pkgerrors.Wrapf(ErrIO, format, args...)
}

// Shapef returns an ErrShape carrying the formatted message.
func Shapef(format string, args ...any) error {
	return pkgerrors.Wrapf(ErrShape, format, args...)
}

// Protocolf returns an ErrProtocol carrying the formatted message.
func Protocolf(format string, args ...any) error {
	return pkgerrors.Wrapf(ErrProtocol, format, args...)
}

// Runtimef returns an ErrEngineRuntime carrying the formatted message.
func Runtimef(format string, args ...any) error {
	return pkgerrors.Wrapf(ErrEngineRuntime, format, args...)
}

// InvalidStatef returns an ErrInvalidState carrying the formatted message.
func InvalidStatef(format string, args ...any) error {
	return pkgerrors.Wrapf(ErrInvalidState, format, args...)
}

// Mark attaches kind to err unless err already is of that kind.
// The result matches both kind and the original err under errors.Is.
func Mark(err error, kind error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	return &marked{err: err, kind: kind}
}

type marked struct {
	err  error
	kind error
}

func (m *marked) Error() string   { return m.err.Error() }
func (m *marked) Unwrap() []error { return []error{m.err, m.kind} }

// Kind returns the sentinel err is classified under, or nil.
func Kind(err error) error {
	for _, kind := range []error{ErrInvalidState, ErrConfiguration, ErrShape, ErrProtocol, ErrIO, ErrEngineRuntime} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Code maps an error kind to the gRPC status code used at RPC boundaries.
func Code(err error) codes.Code {
	switch Kind(err) {
	case ErrConfiguration:
		return codes.InvalidArgument
	case ErrShape:
		return codes.OutOfRange
	case ErrInvalidState:
		return codes.FailedPrecondition
	case ErrIO:
		return codes.NotFound
	case ErrProtocol:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// FromCode is the inverse of Code, used by clients to recover a kind.
func FromCode(code codes.Code) error {
	switch code {
	case codes.InvalidArgument:
		return ErrConfiguration
	case codes.OutOfRange:
		return ErrShape
	case codes.FailedPrecondition:
		return ErrInvalidState
	case codes.NotFound:
		return ErrIO
	case codes.DataLoss:
		return ErrProtocol
	default:
		return ErrEngineRuntime
	}
}
