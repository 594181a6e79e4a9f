package provider

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/aws/smithy-go"
)

// RequestError is a remote-protocol fault with an HTTP-like status and a
// service error code.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("remote request failed (%d %s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("remote request failed (%d): %s", e.StatusCode, msg)
}

func (e *RequestError) Unwrap() error { return e.Err }

// HTTPStatusCode matches the accessor exposed by smithy response errors.
func (e *RequestError) HTTPStatusCode() int { return e.StatusCode }

// ErrorCode matches smithy.APIError.
func (e *RequestError) ErrorCode() string { return e.Code }

// StatusCode extracts the HTTP-like status from anywhere in err's chain.
func StatusCode(err error) (int, bool) {
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode(), true
	}
	return 0, false
}

// ErrorCode extracts the service error code from anywhere in err's chain.
func ErrorCode(err error) string {
	var re *RequestError
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether err means the addressed object does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if status, ok := StatusCode(err); ok && status == http.StatusNotFound {
		return true
	}
	switch ErrorCode(err) {
	case "NotFound", "NoSuchKey", "NoSuchBucket", "ResourceNotFound", "ShareNotFound", "ParentNotFound":
		return true
	}
	return false
}

func notFound(code, what string, err error) error {
	return &RequestError{StatusCode: http.StatusNotFound, Code: code, Message: what + " does not exist", Err: err}
}

// IsShareNotFound reports whether err means the share or bucket itself is
// missing, as opposed to a path inside it.
func IsShareNotFound(err error) bool {
	switch ErrorCode(err) {
	case "ShareNotFound", "NoSuchBucket":
		return true
	}
	return false
}
