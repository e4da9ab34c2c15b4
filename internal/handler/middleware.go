package handler

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/arc-self/incident-service/internal/ratelimit"
)

// Load levels surfaced on every ingestion response.
const (
	loadNormal   = "normal"
	loadWarning  = "warning"
	loadCritical = "critical"
)

// Utilization thresholds for the admission gate.
const (
	warningUtilization  = 0.7
	criticalUtilization = 0.9
)

const overloadRetryAfter = "5"

// AdmissionGate combines the per-client rate limit with queue-pressure
// shedding. It runs only on the ingestion route.
func (h *Handler) AdmissionGate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := h.limiter.Allow(clientID(c))
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			c.Response().Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				c.Response().Header().Set("Retry-After", retryAfterSeconds(d))
				return errResp(c, http.StatusTooManyRequests, "rate limit exceeded")
			}

			util := h.queue.Utilization()
			c.Response().Header().Set("X-Queue-Utilization", fmt.Sprintf("%.0f%%", util*100))
			switch {
			case util >= criticalUtilization:
				c.Response().Header().Set("X-Load-Level", loadCritical)
				c.Response().Header().Set("Retry-After", overloadRetryAfter)
				return errResp(c, http.StatusServiceUnavailable, "service overloaded, retry later")
			case util >= warningUtilization:
				c.Response().Header().Set("X-Load-Level", loadWarning)
			default:
				c.Response().Header().Set("X-Load-Level", loadNormal)
			}

			return next(c)
		}
	}
}

// clientID derives the rate-limit key: proxy headers first, then the socket.
func clientID(c echo.Context) string {
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if real := c.Request().Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}

func retryAfterSeconds(d ratelimit.Decision) string {
	secs := int(time.Until(d.ResetAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
