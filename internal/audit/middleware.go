package audit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/pkg/middleware"
)

const recorderKey = "auditRecorder"

// Middleware brackets every request with an audit recorder: opened at
// ingress, enriched by handlers, finalized on the way out. A panic downstream
// still produces an entry before being rethrown to Gin's recovery handler.
func Middleware(pipeline *Pipeline, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		rec := pipeline.Begin(
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			c.Request.UserAgent(),
			middleware.RequestIDFrom(ctx),
			middleware.CorrelationIDFrom(ctx),
		)
		c.Set(recorderKey, rec)

		defer func() {
			if tc, err := middleware.TenantContextFromGin(c); err == nil {
				rec.Authenticated(tc.TenantID, tc.ActorID, ActorType(tc.ActorType))
			}
			if r := recover(); r != nil {
				rec.Failure("internalError", "panic during request handling")
				rec.Finalize(http.StatusInternalServerError)
				logger.Error("Panic during request handling",
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r))
				panic(r)
			}
			rec.Finalize(c.Writer.Status())
		}()

		c.Next()
	}
}

// RecorderFrom returns the recorder for the current request, or nil when the
// audit middleware is not mounted (tests).
func RecorderFrom(c *gin.Context) *Recorder {
	if v, ok := c.Get(recorderKey); ok {
		if rec, ok := v.(*Recorder); ok {
			return rec
		}
	}
	return nil
}
