// Package kerr defines the kernel's closed error taxonomy. Every syscall
// and every kernel-internal operation that can fail returns one of these
// codes rather than an ad-hoc error value, so that the syscall dispatcher
// can encode the result as a single signed integer.
package kerr

import "errors"

// Code is a kernel error code. Negative values are returned verbatim to
// userspace by the syscall dispatcher.
type Code int32

// The taxonomy is closed and the numeric values, once assigned, are kept
// stable: userspace apps pattern-match on them.
const (
	NotSupported Code = -(iota + 1)
	NotAllowed
	NotFound
	InvalidMessageKind
	InvalidSyscall
	UnexpectedType
	AlreadyExists
	TooManyHandles
	HandleNotMovable
	NoPeer
	OutOfMemory
	Empty
	Full
	Closed
	InvalidMessage
	TooLongUri
	InvalidArg
	InvalidHandle
	TooLarge
	NotADevice
	AlreadyMapped
	InvalidState
	InvalidUri
	AlreadyHeld
	TooSmall
	InUse
)

var names = map[Code]string{
	NotSupported:        "NotSupported",
	NotAllowed:          "NotAllowed",
	NotFound:            "NotFound",
	InvalidMessageKind:  "InvalidMessageKind",
	InvalidSyscall:      "InvalidSyscall",
	UnexpectedType:      "UnexpectedType",
	AlreadyExists:       "AlreadyExists",
	TooManyHandles:      "TooManyHandles",
	HandleNotMovable:    "HandleNotMovable",
	NoPeer:              "NoPeer",
	OutOfMemory:         "OutOfMemory",
	Empty:               "Empty",
	Full:                "Full",
	Closed:              "Closed",
	InvalidMessage:      "InvalidMessage",
	TooLongUri:          "TooLongUri",
	InvalidArg:          "InvalidArg",
	InvalidHandle:       "InvalidHandle",
	TooLarge:            "TooLarge",
	NotADevice:          "NotADevice",
	AlreadyMapped:       "AlreadyMapped",
	InvalidState:        "InvalidState",
	InvalidUri:          "InvalidUri",
	AlreadyHeld:         "AlreadyHeld",
	TooSmall:            "TooSmall",
	InUse:               "InUse",
}

// Error implements the error interface so Code can be returned and wrapped
// with fmt.Errorf("%w", ...) like any other error in this codebase.
func (c Code) Error() string {
	if name, ok := names[c]; ok {
		return name
	}
	return "UnknownError"
}

// IsCode reports whether err is (or wraps) the kernel error code c.
func IsCode(err error, c Code) bool {
	var got Code
	if !errors.As(err, &got) {
		return false
	}
	return got == c
}
