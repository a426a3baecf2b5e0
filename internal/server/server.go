// Package server assembles the HTTP surface: global middleware, the route
// table, health and metrics endpoints, and the JSON error renderer.
package server

import (
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/medportal/internal/platform/db"
	"github.com/ehr/medportal/internal/platform/metrics"
	"github.com/ehr/medportal/internal/platform/middleware"
	"github.com/ehr/medportal/internal/platform/validate"
)

// Version is reported by /health.
const Version = "0.1.0"

// SessionRoutes mounts the /auth endpoints. limit guards the credential
// exchanges.
type SessionRoutes interface {
	RegisterRoutes(g *echo.Group, limit echo.MiddlewareFunc)
}

// AccountRoutes mounts the account endpoints under the API group.
type AccountRoutes interface {
	RegisterRoutes(api *echo.Group)
}

type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	BodyLimit      string
	LoginRateLimit middleware.RateLimitConfig

	// HSTS adds Strict-Transport-Security to every response.
	HSTS bool

	// TrustedProxies are the networks allowed to report the client address
	// in X-Forwarded-For. With none, the peer address is used as is.
	TrustedProxies []*net.IPNet
}

type Deps struct {
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Sessions SessionRoutes
	Accounts AccountRoutes
	// Health maps a dependency name to its pinger, served at /health/<name>.
	Health map[string]db.Pinger
}

// New builds the echo instance with every route registered.
func New(opts Options, d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()
	e.HTTPErrorHandler = ErrorHandler(d.Logger)
	e.IPExtractor = ipExtractor(opts.TrustedProxies)

	if opts.BodyLimit == "" {
		opts.BodyLimit = "64K"
	}

	// Order matters: metrics and the logger observe the rendered status, and
	// recovery sits inside them so panics are counted and logged.
	e.Use(middleware.RequestID())
	e.Use(middleware.Metrics(d.Metrics))
	e.Use(middleware.Logger(d.Logger))
	e.Use(middleware.Recovery(d.Logger))
	e.Use(middleware.SecurityHeaders(opts.HSTS))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     opts.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID", "X-Refresh-Delivery", "X-Refresh-Token", "X-Device-Name"},
		ExposeHeaders:    []string{"X-Request-ID", "Retry-After", "Link"},
		AllowCredentials: true,
	}))
	e.Use(middleware.BodyLimit(opts.BodyLimit))
	e.Use(middleware.RequestTimeout(opts.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})
	names := make([]string, 0, len(d.Health))
	for name := range d.Health {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.GET("/health/"+name, db.HealthHandler(d.Health[name]))
	}
	if d.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(d.Gatherer)))
	}

	if d.Sessions != nil {
		limiter := middleware.NewRateLimiter(opts.LoginRateLimit)
		d.Sessions.RegisterRoutes(e.Group("/auth"), limiter.Middleware())
	}
	if d.Accounts != nil {
		d.Accounts.RegisterRoutes(e.Group("/api/v1"))
	}
	return e
}

// ipExtractor decides what c.RealIP reports. Rate limit buckets and session
// metadata key on it, so forwarding headers are only read from trusted hops.
func ipExtractor(trusted []*net.IPNet) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range trusted {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}
