package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is a canonical error code reported to callers.
type Code string

const (
	Cancelled          Code = "cancelled"
	Unknown            Code = "unknown"
	InvalidArgument    Code = "invalid-argument"
	DeadlineExceeded   Code = "deadline-exceeded"
	NotFound           Code = "not-found"
	AlreadyExists      Code = "already-exists"
	PermissionDenied   Code = "permission-denied"
	ResourceExhausted  Code = "resource-exhausted"
	FailedPrecondition Code = "failed-precondition"
	Aborted            Code = "aborted"
	OutOfRange         Code = "out-of-range"
	Unimplemented      Code = "unimplemented"
	Internal           Code = "internal"
	Unavailable        Code = "unavailable"
	DataLoss           Code = "data-loss"
	Unauthenticated    Code = "unauthenticated"
)

var defaultMessages = map[Code]string{
	Aborted:            "The operation was aborted, typically due to a concurrency issue like transaction aborts, etc.",
	AlreadyExists:      "Some document that we attempted to create already exists.",
	Cancelled:          "The operation was cancelled (typically by the caller).",
	DataLoss:           "Unrecoverable data loss or corruption.",
	DeadlineExceeded:   "Deadline expired before operation could complete. For operations that change the state of the system, this error may be returned even if the operation has completed successfully. For example, a successful response from a server could have been delayed long enough for the deadline to expire.",
	FailedPrecondition: "Operation was rejected because the system is not in a state required for the operation's execution. Ensure your query has been indexed via the Firebase console.",
	Internal:           "Internal errors. Means some invariants expected by underlying system has been broken. If you see one of these errors, something is very broken.",
	InvalidArgument:    "Client specified an invalid argument. Note that this differs from failed-precondition. invalid-argument indicates arguments that are problematic regardless of the state of the system (e.g., an invalid field name).",
	NotFound:           "Some requested document was not found.",
	OutOfRange:         "Operation was attempted past the valid range.",
	PermissionDenied:   "The caller does not have permission to execute the specified operation.",
	ResourceExhausted:  "Some resource has been exhausted, perhaps a per-user quota, or perhaps the entire file system is out of space.",
	Unauthenticated:    "The request does not have valid authentication credentials for the operation.",
	Unavailable:        "The service is currently unavailable. This is a most likely a transient condition and may be corrected by retrying with a backoff.",
	Unimplemented:      "Operation is not implemented or not supported/enabled.",
	Unknown:            "Unknown error or an error from a different error domain.",
}

const unmappedMessage = "An unknown error occurred"

// DefaultMessage returns the long description for c.
func DefaultMessage(c Code) string {
	if m, ok := defaultMessages[c]; ok {
		return m
	}
	return unmappedMessage
}

// Error is the terminal error reported for a failed call.
type Error struct {
	Code    Code
	Message string
	// Details are extra fields merged into the error details map.
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error whose message is the default for code.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Message: DefaultMessage(code), cause: cause}
}

var grpcCodes = map[codes.Code]Code{
	codes.Canceled:           Cancelled,
	codes.Unknown:            Unknown,
	codes.InvalidArgument:    InvalidArgument,
	codes.DeadlineExceeded:   DeadlineExceeded,
	codes.NotFound:           NotFound,
	codes.AlreadyExists:      AlreadyExists,
	codes.PermissionDenied:   PermissionDenied,
	codes.ResourceExhausted:  ResourceExhausted,
	codes.FailedPrecondition: FailedPrecondition,
	codes.Aborted:            Aborted,
	codes.OutOfRange:         OutOfRange,
	codes.Unimplemented:      Unimplemented,
	codes.Internal:           Internal,
	codes.Unavailable:        Unavailable,
	codes.DataLoss:           DataLoss,
	codes.Unauthenticated:    Unauthenticated,
}

var statusNames = map[string]Code{
	"ABORTED":             Aborted,
	"ALREADY_EXISTS":      AlreadyExists,
	"CANCELLED":           Cancelled,
	"DATA_LOSS":           DataLoss,
	"DEADLINE_EXCEEDED":   DeadlineExceeded,
	"FAILED_PRECONDITION": FailedPrecondition,
	"INTERNAL":            Internal,
	"INVALID_ARGUMENT":    InvalidArgument,
	"NOT_FOUND":           NotFound,
	"OUT_OF_RANGE":        OutOfRange,
	"PERMISSION_DENIED":   PermissionDenied,
	"RESOURCE_EXHAUSTED":  ResourceExhausted,
	"UNAUTHENTICATED":     Unauthenticated,
	"UNAVAILABLE":         Unavailable,
	"UNIMPLEMENTED":       Unimplemented,
	"UNKNOWN":             Unknown,
}

var statusPrefix = regexp.MustCompile(`^([A-Z_]{3,25}):\s(.*)`)

// FromError maps any error onto the canonical taxonomy.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		if code, ok := grpcCodes[st.Code()]; ok {
			return withMessage(code, st.Message(), err)
		}
	}
	if m := statusPrefix.FindStringSubmatch(err.Error()); m != nil {
		if code, ok := statusNames[m[1]]; ok {
			return withMessage(code, m[2], err)
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(DeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return Wrap(Cancelled, err)
	}
	return &Error{Code: Unknown, Message: unmappedMessage, cause: err}
}

// withMessage applies the default message for code. A failed precondition
// naming a missing index keeps the backend text since it links to the fix.
func withMessage(code Code, msg string, cause error) *Error {
	if code == FailedPrecondition && strings.Contains(msg, "query requires an index") {
		return &Error{Code: code, Message: msg, cause: cause}
	}
	return Wrap(code, cause)
}

// Envelope returns the message and details map of an error reply.
func (e *Error) Envelope() (string, map[string]any) {
	details := map[string]any{"code": string(e.Code), "message": e.Message}
	for k, v := range e.Details {
		details[k] = v
	}
	return e.Message, details
}
