// Package httperr maps domain errors onto HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/logging"
)

// Status returns the HTTP status for an error kind.
func Status(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindRetryable:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err. Domain failures carry their message and structured
// details; anything else is logged and answered with a generic message.
func Write(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	body := gin.H{"error": kind.String()}

	switch kind {
	case domain.KindInternal:
		logging.L(c.Request.Context()).Error("request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
		body["message"] = "Internal error. No changes were applied."
	case domain.KindRetryable:
		var re *domain.RetryableError
		errors.As(err, &re)
		body["message"] = re.Error()
		if domain.KindOf(re.Err) == domain.KindInternal {
			logging.L(c.Request.Context()).Error("request partially applied",
				"method", c.Request.Method, "path", c.FullPath(), "op", re.Op, "error", err)
			body["message"] = "Your action was recorded; the next step failed and can be retried."
		}
		body["recorded"] = re.Recorded
		body["retryable"] = true
	default:
		body["message"] = err.Error()
	}

	var report *domain.ShortfallReport
	var single *domain.InsufficientFundsError
	switch {
	case errors.As(err, &report):
		body["shortfall"] = report.Items
	case errors.As(err, &single):
		body["shortfall"] = []*domain.InsufficientFundsError{single}
	}

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}

	c.JSON(Status(kind), body)
}
