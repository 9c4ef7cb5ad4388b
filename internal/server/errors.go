package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type errorKind int

const (
	kindValidation errorKind = iota
	kindNotFound
	kindConflict
	kindInvalidState
	kindUpstream
)

// apiError is the request-level error taxonomy. Conflict errors carry the
// prior result so a retried submit resolves to "you already guessed, here is
// your result"; invalid-state errors carry the current status so clients can
// reconcile instead of retrying blindly.
type apiError struct {
	kind    errorKind
	message string
	status  string
	result  map[string]any
}

func (e *apiError) Error() string {
	return e.message
}

func errValidation(message string) error {
	return &apiError{kind: kindValidation, message: message}
}

func errNotFound() error {
	return &apiError{kind: kindNotFound, message: "not found"}
}

func errConflict(message string, result map[string]any) error {
	return &apiError{kind: kindConflict, message: message, result: result}
}

func errInvalidState(message, status string) error {
	return &apiError{kind: kindInvalidState, message: message, status: status}
}

func errUpstream(message string) error {
	return &apiError{kind: kindUpstream, message: message}
}

func renderError(c *gin.Context, err error) {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": apiErr.message}
	httpStatus := http.StatusInternalServerError
	switch apiErr.kind {
	case kindValidation:
		httpStatus = http.StatusBadRequest
		body["kind"] = "validation"
	case kindNotFound:
		httpStatus = http.StatusNotFound
		body["kind"] = "not_found"
	case kindConflict:
		httpStatus = http.StatusConflict
		body["kind"] = "conflict"
		if apiErr.result != nil {
			body["result"] = apiErr.result
		}
	case kindInvalidState:
		httpStatus = http.StatusConflict
		body["kind"] = "invalid_state"
		if apiErr.status != "" {
			body["status"] = apiErr.status
		}
	case kindUpstream:
		httpStatus = http.StatusBadGateway
		body["kind"] = "upstream"
	}
	c.JSON(httpStatus, body)
}
