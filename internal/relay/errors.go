package relay

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mosh-tickets/sponsor-relay/internal/errs"
)

// statusFor maps an error kind (and authorization code) to an HTTP status.
func statusFor(e *errs.Error) int {
	switch e.Kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAuthentication:
		return http.StatusUnauthorized
	case errs.KindAuthorization:
		switch e.Code {
		case errs.CodeAlreadyRegistered, errs.CodeNonceAlreadyUsed:
			return http.StatusConflict
		case errs.CodeLimitExceeded:
			return http.StatusTooManyRequests
		default:
			return http.StatusForbidden
		}
	case errs.KindExecution:
		return http.StatusUnprocessableEntity
	case errs.KindInsufficientFunds:
		return http.StatusServiceUnavailable
	case errs.KindUnavailable:
		if errors.Is(e, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders {error, message}. Unclassified errors never leak their
// text to the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	e := errs.As(err)
	if e == nil {
		h.log.Error("unclassified error",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "InternalError", "message": "internal error"})
		return
	}
	status := statusFor(e)
	if e.Kind == errs.KindAuthentication {
		h.log.Warn("signature rejected",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("subject", c.GetString(subjectKey)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	if status >= http.StatusInternalServerError {
		h.log.Warn("relay request failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("code", e.Code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": e.Code, "message": e.Message})
}
