package server

import (
	"errors"
	"net/http"

	invoicedomain "github.com/birdhaus/roost/internal/invoice/domain"
	paymentdomain "github.com/birdhaus/roost/internal/payment/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidArgument):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_argument",
			Message: "invalid request",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrAlreadyClaimed):
		return http.StatusConflict, errorPayload{
			Type:    "already_claimed",
			Message: "payment already claimed",
		}
	case errors.Is(err, paymentdomain.ErrAlreadySwept):
		return http.StatusConflict, errorPayload{
			Type:    "already_swept",
			Message: "payment already swept",
		}
	case errors.Is(err, paymentdomain.ErrDuplicateReference):
		return http.StatusConflict, errorPayload{
			Type:    "duplicate_reference",
			Message: "reference already credited to another payment",
		}
	case errors.Is(err, paymentdomain.ErrInvalidState):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_state",
			Message: "payment is not in a state that allows this operation",
		}
	case errors.Is(err, paymentdomain.ErrAmountMismatch):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "amount_mismatch",
			Message: "transferred amount does not match the expected amount",
		}
	case errors.Is(err, paymentdomain.ErrAddressMismatch):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "address_mismatch",
			Message: "transfer went to an unexpected destination",
		}
	case errors.Is(err, paymentdomain.ErrVerificationFailed):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "verification_failed",
			Message: "the referenced transaction failed on chain",
		}
	case errors.Is(err, paymentdomain.ErrNotSettled):
		// The transfer may still land; the worker keeps re-checking.
		return http.StatusAccepted, errorPayload{
			Type:    "not_settled",
			Message: "transaction not yet observable; it will be re-checked",
		}
	case errors.Is(err, paymentdomain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "provider_unavailable",
			Message: "settlement rail is temporarily unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, invoicedomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
