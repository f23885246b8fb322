// Package awserr defines the closed set of failure kinds the emulator reports and the
// AWS error code and HTTP status each one renders as.
package awserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindNoSuchBucket
	KindNoSuchKey
	KindNoSuchBucketPolicy
	KindNotFound
	KindBucketAlreadyExists
	KindAlreadyExists
	KindBucketNotEmpty
	KindInvalidRequest
	KindInvalidArgument
	KindMalformedXML
	KindMalformedPolicy
	KindInvalidObjectState
	KindNotImplemented
	KindDatabase
	KindIO
	KindJSON
	KindAccessDenied
	KindConflict
)

var kindNames = map[Kind]string{
	KindInternal:            "Internal",
	KindNoSuchBucket:        "NoSuchBucket",
	KindNoSuchKey:           "NoSuchKey",
	KindNoSuchBucketPolicy:  "NoSuchBucketPolicy",
	KindNotFound:            "NotFound",
	KindBucketAlreadyExists: "BucketAlreadyExists",
	KindAlreadyExists:       "AlreadyExists",
	KindBucketNotEmpty:      "BucketNotEmpty",
	KindInvalidRequest:      "InvalidRequest",
	KindInvalidArgument:     "InvalidArgument",
	KindMalformedXML:        "MalformedXml",
	KindMalformedPolicy:     "MalformedPolicy",
	KindInvalidObjectState:  "InvalidObjectState",
	KindNotImplemented:      "NotImplemented",
	KindDatabase:            "Database",
	KindIO:                  "Io",
	KindJSON:                "Json",
	KindAccessDenied:        "AccessDenied",
	KindConflict:            "Conflict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Status returns the HTTP status the kind renders with.
func (k Kind) Status() int {
	switch k {
	case KindInvalidRequest, KindInvalidArgument, KindMalformedXML, KindMalformedPolicy,
		KindInvalidObjectState, KindBucketNotEmpty:
		return http.StatusBadRequest
	case KindNoSuchBucket, KindNoSuchKey, KindNoSuchBucketPolicy, KindNotFound:
		return http.StatusNotFound
	case KindBucketAlreadyExists, KindAlreadyExists, KindConflict:
		return http.StatusConflict
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// DefaultCode is the AWS error code used when no service-specific code was attached.
func (k Kind) DefaultCode() string {
	switch k {
	case KindNoSuchBucket:
		return "NoSuchBucket"
	case KindNoSuchKey:
		return "NoSuchKey"
	case KindNoSuchBucketPolicy:
		return "NoSuchBucketPolicy"
	case KindNotFound:
		return "ResourceNotFoundException"
	case KindBucketAlreadyExists:
		return "BucketAlreadyExists"
	case KindAlreadyExists:
		return "ResourceAlreadyExistsException"
	case KindBucketNotEmpty:
		return "BucketNotEmpty"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindMalformedXML:
		return "MalformedXML"
	case KindMalformedPolicy:
		return "MalformedPolicy"
	case KindInvalidObjectState:
		return "InvalidObjectState"
	case KindNotImplemented:
		return "NotImplemented"
	case KindAccessDenied:
		return "AccessDenied"
	case KindConflict:
		return "Conflict"
	default:
		return "InternalError"
	}
}

// Error is the typed failure every handler returns.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Resource string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrorCode(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrorCode(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so sentinels built with New compare by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// ErrorCode returns the AWS error code rendered on the wire.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.DefaultCode()
}

// Status returns the HTTP status for the error.
func (e *Error) Status() int {
	return e.Kind.Status()
}

// WithCode returns a copy carrying a service-specific AWS error code.
func (e *Error) WithCode(code string) *Error {
	c := *e
	c.Code = code
	return &c
}

// WithResource returns a copy naming the affected resource.
func (e *Error) WithResource(resource string) *Error {
	c := *e
	c.Resource = resource
	return &c
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// From classifies err. Values that already are *Error pass through; anything else is Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "We encountered an internal error. Please try again.", Cause: err}
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
