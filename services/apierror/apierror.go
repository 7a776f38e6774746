package apierror

import (
	"github.com/gin-gonic/gin"
)

// Code classifies a caller-facing failure independently of the HTTP status.
type Code string

const (
	CodeValidation        Code = "validation"
	CodeUnauthenticated   Code = "unauthenticated"
	CodeForbidden         Code = "forbidden"
	CodeNotFound          Code = "not_found"
	CodeInsufficientStock Code = "insufficient_stock"
	CodeInvalidTransition Code = "invalid_transition"
	CodeConflict          Code = "conflict"
	CodeExternal          Code = "external"
	CodeInternal          Code = "internal"
)

// Body is the JSON shape of every error response. Retryable is true only when the
// request changed nothing and repeating it may succeed.
type Body struct {
	Error     string `json:"error"`
	Code      Code   `json:"code"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

// Respond aborts the request with a structured error body.
func Respond(c *gin.Context, status int, code Code, retryable bool, err error) {
	c.AbortWithStatusJSON(status, Body{Error: err.Error(), Code: code, Retryable: retryable})
}

// RespondWithDetails is Respond plus a machine-readable payload (e.g. stock shortfalls).
func RespondWithDetails(c *gin.Context, status int, code Code, retryable bool, err error, details any) {
	c.AbortWithStatusJSON(status, Body{Error: err.Error(), Code: code, Retryable: retryable, Details: details})
}
