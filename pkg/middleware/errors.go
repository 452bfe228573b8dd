package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// SCIMContentType is the media type SCIM responses are served with.
const SCIMContentType = "application/scim+json"

// AbortWithError renders any error as a SCIM error document and aborts the
// request. 429 responses additionally carry Retry-After.
func AbortWithError(c *gin.Context, err error) {
	se := scimerr.From(err)
	if se.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(se.RetryAfter))
	}
	c.Header("Content-Type", SCIMContentType)
	c.AbortWithStatusJSON(se.Status, se.Doc())
}
