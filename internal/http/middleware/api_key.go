package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const ctxClient = "api_client"

// ClientFromCtx returns the key fingerprint set by APIKeyMiddleware.
func ClientFromCtx(c echo.Context) (string, bool) {
	v, ok := c.Get(ctxClient).(string)
	return v, ok
}

// APIKeyMiddleware authenticates requests using the X-API-Key header against a static key
// list. With no keys configured every request is rejected.
func APIKeyMiddleware(keys []string) echo.MiddlewareFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			for _, k := range allowed {
				if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
					c.Set(ctxClient, fingerprint(key))
					return next(c)
				}
			}
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		}
	}
}

// fingerprint is a non-secret handle for a key, safe for logs and limiter keys.
func fingerprint(key string) string {
	if len(key) <= 6 {
		return "key:" + strings.Repeat("*", len(key))
	}
	return "key:" + key[:3] + "..." + key[len(key)-3:]
}
