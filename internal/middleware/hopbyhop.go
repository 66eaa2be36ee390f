package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopRequestHeaders are request headers that must not cross the proxy
// boundary. Host is carried separately by net/http but is deleted here too in
// case a client smuggles it as a literal header.
var hopByHopRequestHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from inbound requests before any handler sees them. Response headers are
// left untouched so forwarded responses stay verbatim.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopRequestHeaders {
				c.Request().Header.Del(h)
			}
			return next(c)
		}
	}
}
