package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimit returns a per-IP token-bucket limiter. Idle visitors are evicted
// after ten minutes.
func RateLimit(rps float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(rps),
		Burst:     burst,
		ExpiresIn: 10 * time.Minute,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, ip string, err error) error {
			slog.Warn("rate limit exceeded", "ip", ip)
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error": "rate limit exceeded, try again later",
			})
		},
	})
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", c.Path(),
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// viewerCountry reads the ISO country code set by the edge proxy.
func viewerCountry(c echo.Context) string {
	for _, h := range []string{"CF-IPCountry", "X-Country-Code"} {
		if v := strings.TrimSpace(c.Request().Header.Get(h)); v != "" {
			return strings.ToUpper(v)
		}
	}
	return ""
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
