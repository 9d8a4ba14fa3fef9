package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slok/codebroker/internal/log"
)

// UnauthorizedBody is the body of rejected requests.
var UnauthorizedBody = gin.H{"error": "Unauthorized"}

// RequestLogger logs every request once it's handled.
func RequestLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l := logger.WithValues(log.Kv{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		for _, e := range c.Errors {
			l.Errorf("Request error: %s", e.Err)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			l.Warningf("Request failed")
			return
		}
		l.Debugf("Request handled")
	}
}

// BearerAuth rejects requests without the bearer token. An empty token
// rejects everything.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || !SecretsMatch(token, got) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, UnauthorizedBody)
			return
		}
		c.Next()
	}
}

// SecretsMatch compares secrets in constant time, the expected secret must not be empty.
func SecretsMatch(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
