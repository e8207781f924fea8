package middleware

import (
	"context"
	stderrors "errors"
	"net/http"

	"callcore/internal/core/domain"
	"callcore/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns the last error attached to the context into a
// JSON response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := toAppError(err); appErr != nil {
			log := logger.Warnw
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log = logger.Errorw
			}
			log("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
				"cause", appErr.Cause,
			)

			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// toAppError maps core and engine errors onto application errors.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	var engineErr *domain.EngineError
	switch {
	case stderrors.As(err, &engineErr):
		return errors.WrapError(err, errors.ErrCodeTransport, domain.UserMessage(err), http.StatusBadGateway).
			WithContext("engine_code", engineErr.Code)
	case stderrors.Is(err, domain.ErrNotConnected):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrStreamNotFound),
		stderrors.Is(err, domain.ErrPublisherNotFound),
		stderrors.Is(err, domain.ErrSubscriberNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrUnknownSource):
		return errors.WrapError(err, errors.ErrCodeInvalidParameters, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "request timed out", http.StatusGatewayTimeout)
	}
	return nil
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
