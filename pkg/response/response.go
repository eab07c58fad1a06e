// Package response renders the control surface's JSON envelopes: plain
// data on success, and the svc_error shape on failure.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowmesh/switchboard/internal/switchboard"
)

// SvcError is the error envelope every 4xx/5xx control-surface response
// uses.
type SvcError struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, data)
}

// Error sends status as an SvcError envelope.
func Error(c *gin.Context, status int, errType, detail string) {
	c.JSON(status, SvcError{
		Type:   errType,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

// BadRequest sends 400.
func BadRequest(c *gin.Context, detail string) {
	Error(c, http.StatusBadRequest, "invalid_argument", detail)
}

// NotFound sends 404.
func NotFound(c *gin.Context, detail string) { Error(c, http.StatusNotFound, "not_found", detail) }

// Conflict sends 409.
func Conflict(c *gin.Context, detail string) { Error(c, http.StatusConflict, "conflict", detail) }

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, detail string) {
	Error(c, http.StatusUnauthorized, "unauthorized", detail)
}

// Internal sends 500.
func Internal(c *gin.Context, detail string) {
	Error(c, http.StatusInternalServerError, "internal", detail)
}

// FromSwitchboardError maps a switchboard error kind to an HTTP status
// and sends the corresponding SvcError envelope. Non-switchboard errors
// are treated as internal failures.
func FromSwitchboardError(c *gin.Context, err error) {
	kind, ok := switchboard.KindOf(err)
	if !ok {
		Internal(c, err.Error())
		return
	}
	switch kind {
	case switchboard.KindNotFound:
		Error(c, http.StatusNotFound, "not_found", err.Error())
	case switchboard.KindInvalidArgument:
		Error(c, http.StatusBadRequest, "invalid_argument", err.Error())
	case switchboard.KindPreconditionFailed:
		Error(c, http.StatusPreconditionFailed, "precondition_failed", err.Error())
	case switchboard.KindConflict:
		Error(c, http.StatusConflict, "conflict", err.Error())
	case switchboard.KindTransient:
		Error(c, http.StatusServiceUnavailable, "transient", err.Error())
	case switchboard.KindExternalFailure:
		Error(c, http.StatusBadGateway, "external_failure", err.Error())
	default:
		Internal(c, err.Error())
	}
}
