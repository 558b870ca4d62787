// Package errors defines the structured rejection envelope returned for
// every failed request. Business rejections and infrastructure faults alike
// render a `{"valid":false,"message":...}` body; only the status code tells
// them apart.
package errors

import (
	"net/http"

	"github.com/go-chi/render"
)

// Rejection is the failure payload for both issuance and validation calls.
type Rejection struct {
	StatusCode int    `json:"-"`
	Valid      bool   `json:"valid"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e *Rejection) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface.
func (e *Rejection) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a rejection with the given status and message.
func New(statusCode int, message string) *Rejection {
	return &Rejection{StatusCode: statusCode, Message: message}
}

// Helpers for the common rejection classes.

// BadRequest flags malformed or missing input.
func BadRequest(message string) *Rejection {
	return New(http.StatusBadRequest, message)
}

// Unauthorized flags a control secret mismatch.
func Unauthorized(message string) *Rejection {
	return New(http.StatusUnauthorized, message)
}

// Forbidden flags a business denial (expired key, seat limit).
func Forbidden(message string) *Rejection {
	return New(http.StatusForbidden, message)
}

// NotFound flags an unknown key.
func NotFound(message string) *Rejection {
	return New(http.StatusNotFound, message)
}

// Conflict flags a duplicate key id at issuance.
func Conflict(message string) *Rejection {
	return New(http.StatusConflict, message)
}

// Internal flags a persistence or unexpected fault. The detail stays in the
// logs; callers get a generic message.
func Internal() *Rejection {
	return New(http.StatusInternalServerError, "internal server error")
}
