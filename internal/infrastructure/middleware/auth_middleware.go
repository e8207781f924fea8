package middleware

import (
	"crypto/subtle"

	"callcore/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderAPISecret = "X-Api-Secret"
)

// APIKeyMiddleware admits requests carrying the configured project key and
// secret. With no key configured every request is rejected.
func APIKeyMiddleware(apiKey, apiSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderAPIKey)
		secret := c.GetHeader(HeaderAPISecret)
		if key == "" || secret == "" {
			abortWith(c, errors.NewUnauthorizedError("api key and secret are required"))
			return
		}
		if apiKey == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(apiSecret)) != 1 {
			abortWith(c, errors.NewUnauthorizedError("invalid api credentials"))
			return
		}
		c.Set("api_key", key)
		c.Next()
	}
}
