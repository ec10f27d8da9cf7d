// Package middleware provides HTTP middleware components.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"docnum/internal/core/apperror"
	"docnum/internal/infrastructure/http/v1/dto"
	"docnum/pkg/logger"
)

// Recovery answers a panic in any later handler with 500 INTERNAL_ERROR and
// the request id. It must be the outermost middleware: the error handler has
// already unwound by the time the panic reaches it, so the body is written here.
//
// A panic caused by the client hanging up is logged at warn level and gets no body.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.Default()
	}
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			ctx := c.Request.Context()
			l := log.WithContext(ctx).With(
				"method", c.Request.Method,
				"route", routeOf(c),
			)

			if clientGone(rec) {
				l.Warnw("client connection lost", "error", rec)
				c.Abort()
				return
			}

			err := fmt.Errorf("panic: %v", rec)
			l.Errorw("panic recovered", "error", err, "stack", string(debug.Stack()))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.RecordError(err)
				span.SetStatus(codes.Error, "panic")
			}

			// Headers are gone; the client sees a truncated response.
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, dto.ErrorResponse{
				Code:    apperror.CodeInternal,
				Message: "Internal server error",
				Details: map[string]any{
					"request_id": c.GetString("request_id"),
				},
			})
		}()
		c.Next()
	}
}

// routeOf prefers the matched route template so that log lines group by endpoint.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return c.Request.URL.Path
}

func clientGone(rec any) bool {
	err, ok := rec.(error)
	if !ok {
		return false
	}
	return errors.Is(err, http.ErrAbortHandler) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
