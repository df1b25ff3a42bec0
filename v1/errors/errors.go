// Package errors defines the failure taxonomy shared by the distributed
// primitives. Every condition raised by this module matches ErrDistributed
// through errors.Is; failures coming from the backing store or bus are returned
// untouched.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrDistributed is the root of every error produced by the primitives.
	ErrDistributed = errors.New("distributed")

	// ErrLockTimeout reports that a scoped lock acquisition ran out of its
	// polling budget, or failed in non-blocking mode.
	ErrLockTimeout = fmt.Errorf("%w: timed out waiting to acquire distributed lock", ErrDistributed)

	// ErrEmpty reports that no item became available within the requested bound.
	ErrEmpty = fmt.Errorf("%w: empty", ErrDistributed)

	// ErrDecode is matched by every *DecodeError.
	ErrDecode = fmt.Errorf("%w: decode", ErrDistributed)

	// ErrNotInitialized is returned by the default-handle helpers before Init
	// or SetDefault has been called.
	ErrNotInitialized = fmt.Errorf("%w: not initialized", ErrDistributed)
)

// DecodeError describes a wire envelope that could not be turned back into a
// value.
type DecodeError struct {
	Tag    string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "distributed: decode"
	if e.Tag != "" {
		msg += " " + e.Tag
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is(err, ErrDecode) match any DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode || target == ErrDistributed
}

func (e *DecodeError) Unwrap() error { return e.Err }
