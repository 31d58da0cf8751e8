// Package httpapi exposes the dispatch pipeline over HTTP with gin.
//
// Every /api route requires a bearer session token. Health and metrics
// endpoints are unauthenticated.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/mail-dispatch/internal/attachment"
	"github.com/shineum/mail-dispatch/internal/dispatch"
	"github.com/shineum/mail-dispatch/internal/outbox"
	"github.com/shineum/mail-dispatch/internal/parser"
	"github.com/shineum/mail-dispatch/internal/profile"
	"github.com/shineum/mail-dispatch/internal/ratelimit"
)

// DefaultMaxBodyBytes bounds JSON request bodies. Inline attachments
// arrive base64 encoded, so this sits above the aggregate attachment
// ceiling.
const DefaultMaxBodyBytes = 40 << 20

// Dispatcher sends one request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request, actor dispatch.Actor) (*dispatch.Result, error)
}

// TokenVerifier turns a bearer token into an actor.
type TokenVerifier interface {
	Verify(token string) (dispatch.Actor, error)
}

// ReplyParser decodes an uploaded message for the reply form.
type ReplyParser interface {
	Parse(actorID, filename string, raw []byte, currentUser string) (*parser.Reply, error)
	MaxSize() int64
}

// Uploader stores attachment uploads.
type Uploader interface {
	Upload(ctx context.Context, userID, filename, contentType string, data []byte) (*attachment.Descriptor, error)
	Limits() attachment.Limits
}

// QuotaReader reports quota state without consuming it.
type QuotaReader interface {
	Check(ctx context.Context, identity string) (ratelimit.Status, error)
	Config() ratelimit.Config
}

// Deps are the services behind the routes.
type Deps struct {
	Dispatcher Dispatcher
	Verifier   TokenVerifier
	Parser     ReplyParser
	Uploader   Uploader
	Records    outbox.Store
	Profiles   profile.Store
	Quota      QuotaReader

	// Health serves /healthz and /readyz. Nil disables them.
	Health healthcheck.Handler
	// Gatherer serves /metrics. Nil disables it.
	Gatherer prometheus.Gatherer
	// Registerer receives the HTTP request metrics. Nil disables them.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Config holds the HTTP layer settings.
type Config struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
}

type handler struct {
	deps    Deps
	maxBody int64
	logger  *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps, cfg Config) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	h := &handler{deps: deps, maxBody: cfg.MaxBodyBytes, logger: deps.Logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(deps.Logger))
	if deps.Registerer != nil {
		router.Use(requestMetrics(newHTTPMetrics(deps.Registerer)))
	}
	router.Use(gincors.New(corsConfig(cfg.AllowedOrigins)))

	if deps.Health != nil {
		router.GET("/healthz", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/readyz", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api", authenticate(deps.Verifier, deps.Logger))
	{
		api.POST("/email/send", h.send)
		api.POST("/email/parse-eml", h.parseEML)
		api.GET("/email/history", h.history)
		api.GET("/email/stats", h.stats)
		api.POST("/upload/attachment", h.upload)
		api.GET("/users/signature", h.getSignature)
		api.PUT("/users/signature", h.putSignature)
	}

	return router
}

func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = true
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			break
		}
	}
	// Credentials cannot be combined with a wildcard origin.
	if cfg.AllowAllOrigins {
		cfg.AllowCredentials = false
	}
	return cfg
}
