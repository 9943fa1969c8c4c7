package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/backend"
	"campusride/internal/livesync"
	"campusride/internal/route"
	"campusride/internal/transport"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, backend.ErrNotFound),
		errors.Is(err, route.ErrTripNotFound),
		errors.Is(err, route.ErrStopNotFound),
		errors.Is(err, route.ErrStudentNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrConstraint),
		errors.Is(err, transport.ErrAlreadyResolved),
		errors.Is(err, transport.ErrAlreadyInactive),
		errors.Is(err, route.ErrNotCurrent),
		errors.Is(err, route.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, backend.ErrInvalid),
		errors.Is(err, transport.ErrInvalidInput),
		errors.Is(err, route.ErrInvalidStatus),
		errors.Is(err, route.ErrInvalidSequence):
		return http.StatusBadRequest
	case errors.Is(err, livesync.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// respond writes a write result as-is, choosing the status from the failure.
func respond[T any](c *gin.Context, okStatus int, res livesync.Result[T]) {
	if res.Success {
		c.JSON(okStatus, res)
		return
	}
	c.JSON(statusFor(res.Err()), res)
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, livesync.Fail[any](err))
}
