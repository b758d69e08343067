package api

import (
	"errors"
	"net/http"

	"escrow_dex/internal/domain"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: message})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(c *gin.Context, err error) {
	status, code := classify(err)
	writeError(c, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrListingNotFound):
		return http.StatusNotFound, "listing_not_found"
	case errors.Is(err, domain.ErrNotInitialized):
		return http.StatusConflict, "not_initialized"
	case domain.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case domain.IsAuthorization(err), errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case domain.IsState(err):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, domain.ErrOverflow):
		return http.StatusUnprocessableEntity, "overflow"
	case domain.IsSettlement(err):
		return http.StatusUnprocessableEntity, "settlement_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
