package awserr

import "fmt"

func NoSuchBucket(bucket string) *Error {
	return &Error{Kind: KindNoSuchBucket, Message: "The specified bucket does not exist", Resource: bucket}
}

func NoSuchKey(key string) *Error {
	return &Error{Kind: KindNoSuchKey, Message: "The specified key does not exist.", Resource: key}
}

func NoSuchBucketPolicy(bucket string) *Error {
	return &Error{Kind: KindNoSuchBucketPolicy, Message: "The bucket policy does not exist", Resource: bucket}
}

// NotFound reports a missing resource of the given kind.
func NotFound(kind, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", kind, id), Resource: id}
}

func BucketAlreadyExists(bucket string) *Error {
	return &Error{
		Kind:     KindBucketAlreadyExists,
		Message:  "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.",
		Resource: bucket,
	}
}

// AlreadyExists reports a uniqueness conflict on name.
func AlreadyExists(name string) *Error {
	return &Error{Kind: KindAlreadyExists, Message: fmt.Sprintf("Resource already exists: %s", name), Resource: name}
}

func BucketNotEmpty(bucket string) *Error {
	return &Error{Kind: KindBucketNotEmpty, Message: "The bucket you tried to delete is not empty", Resource: bucket}
}

func InvalidRequest(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

func InvalidArgument(message string) *Error {
	return &Error{Kind: KindInvalidArgument, Message: message}
}

// MissingParameter reports an absent required field.
func MissingParameter(name string) *Error {
	return &Error{Kind: KindInvalidArgument, Code: "MissingParameter", Message: fmt.Sprintf("Missing required parameter: %s", name)}
}

func MalformedXML() *Error {
	return &Error{
		Kind:    KindMalformedXML,
		Message: "The XML you provided was not well-formed or did not validate against our published schema",
	}
}

func MalformedPolicy(message string) *Error {
	return &Error{Kind: KindMalformedPolicy, Message: message}
}

func InvalidObjectState(message string) *Error {
	return &Error{Kind: KindInvalidObjectState, Message: message}
}

func NotImplemented(what string) *Error {
	return &Error{Kind: KindNotImplemented, Message: fmt.Sprintf("%s is not implemented", what)}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "We encountered an internal error. Please try again.", Cause: err}
}

func Database(err error) *Error {
	return &Error{Kind: KindDatabase, Message: "database error", Cause: err}
}

func IO(err error) *Error {
	return &Error{Kind: KindIO, Message: "storage i/o error", Cause: err}
}

func JSON(err error) *Error {
	return &Error{Kind: KindJSON, Message: "serialization error", Cause: err}
}

func AccessDenied(code, message string) *Error {
	return &Error{Kind: KindAccessDenied, Code: code, Message: message}
}

// Conflict reports an operation blocked by the current state of another resource.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}
