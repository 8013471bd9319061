package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfarm/internal/core"
	"github.com/orrn/printfarm/internal/transport"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Response wraps every successful answer.
type Response struct {
	Status   string      `json:"status"`
	Response interface{} `json:"response,omitempty"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func ok(c *gin.Context, v interface{}) {
	c.JSON(http.StatusOK, Response{Status: statusSuccess, Response: v})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Status: statusError, Error: code, Message: message})
}

// fail maps a farm error to its HTTP status and error code.
func fail(c *gin.Context, err error) {
	status, code := classify(err)
	c.JSON(status, ErrorResponse{Status: statusError, Error: code, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "printer_not_found"
	case errors.Is(err, core.ErrAlreadyExists):
		return http.StatusConflict, "duplicate_printer"
	case errors.Is(err, core.ErrIDReused):
		return http.StatusConflict, "printer_id_reused"
	case errors.Is(err, transport.ErrBadEndpoint):
		return http.StatusBadRequest, "invalid_endpoint"
	case errors.Is(err, core.ErrEmptyCommand):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, core.ErrInvalidFile):
		return http.StatusBadRequest, "invalid_file"
	case errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, core.ErrHotendTooCold):
		return http.StatusConflict, "hotend_too_cold"
	case errors.Is(err, core.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, core.ErrDisconnected):
		return http.StatusServiceUnavailable, "printer_disconnected"
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "printer_timeout"
	case errors.Is(err, core.ErrParse):
		return http.StatusBadGateway, "parse_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
