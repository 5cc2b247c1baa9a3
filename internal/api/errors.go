package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.InvalidInput, errs.InvalidStatus:
		return http.StatusBadRequest
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.Permission:
		return http.StatusForbidden
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidTransition, errs.Conflict, errs.AppendOnly:
		return http.StatusConflict
	case errs.UnknownAction, errs.EvidenceRequired:
		return http.StatusUnprocessableEntity
	case errs.RateCap:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// abortWithError writes the error body. Internal errors are logged by the
// request logger and never echoed to the client.
func abortWithError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		msg = e.Msg
	}
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: kind.String(), Message: msg})
}

func badRequest(c *gin.Context, format string, args ...any) {
	abortWithError(c, errs.E(errs.InvalidInput, format, args...))
}
