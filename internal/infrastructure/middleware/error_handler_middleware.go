package middleware

import (
	"net/http"

	"meshcall/internal/core/domain"
	"meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DomainErrors maps call errors to the codes reported over HTTP.
var DomainErrors = []errors.Mapping{
	{Target: domain.ErrRoomNotFound, Code: errors.ErrCodeNotFound, HTTPStatus: http.StatusNotFound},
	{Target: domain.ErrInvalidRoom, Code: errors.ErrCodeInvalidInput, HTTPStatus: http.StatusBadRequest},
	{Target: domain.ErrParticipantNotFound, Code: errors.ErrCodeNotFound, HTTPStatus: http.StatusNotFound},
	{Target: domain.ErrTrackNotFound, Code: errors.ErrCodeNotFound, HTTPStatus: http.StatusNotFound},
	{Target: domain.ErrNotHost, Code: errors.ErrCodeForbidden, HTTPStatus: http.StatusForbidden},
	{Target: domain.ErrInvalidTransition, Code: errors.ErrCodeConflict, HTTPStatus: http.StatusConflict},
	{Target: domain.ErrParticipantRejected, Code: errors.ErrCodeRejected, HTTPStatus: http.StatusForbidden},
	{Target: domain.ErrRoomFull, Code: errors.ErrCodeRoomFull, HTTPStatus: http.StatusConflict},
	{Target: domain.ErrSessionClosed, Code: errors.ErrCodeSessionClosed, HTTPStatus: http.StatusConflict},
	{Target: domain.ErrChatRateLimited, Code: errors.ErrCodeRateLimit, HTTPStatus: http.StatusTooManyRequests},
	{Target: domain.ErrDeviceUnavailable, Code: errors.ErrCodeNoDevice, HTTPStatus: http.StatusServiceUnavailable},
	{Target: domain.ErrRosterLoad, Code: errors.ErrCodeBadGateway, HTTPStatus: http.StatusBadGateway},
}

// ErrorHandlerMiddleware turns the last error attached to the context into a
// structured JSON response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.Classify(c.Errors.Last().Err, DomainErrors)

		fields := []interface{}{
			"code", appErr.Code,
			"message", appErr.Message,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		}
		if appErr.Cause != nil {
			fields = append(fields, "error", appErr.Cause.Error())
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Debugw("request rejected", fields...)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
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

				appErr := errors.NewInternalError("internal server error")
				c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
					"error":   string(appErr.Code),
					"message": appErr.Message,
				})
			}
		}()

		c.Next()
	}
}
