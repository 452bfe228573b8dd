package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Header names for request correlation.
const (
	RequestIDHeader     = "X-Request-Id"
	CorrelationIDHeader = "X-Correlation-ID"
)

// RequestID stamps every request with a request identifier and a correlation
// identifier. Caller-supplied values are honored so multi-hop traces line up;
// missing ones are generated. Both are echoed on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		correlationID := c.GetHeader(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = requestID
		}

		ctx := context.WithValue(c.Request.Context(), requestIDKey, requestID)
		ctx = context.WithValue(ctx, correlationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Writer.Header().Set(RequestIDHeader, requestID)
		c.Writer.Header().Set(CorrelationIDHeader, correlationID)
		c.Next()
	}
}
