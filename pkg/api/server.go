// Package api is the HTTP surface: platform webhooks, the send API, the
// dead-letter operator endpoints, health, and metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replyloop/replyloop/pkg/audit"
	"github.com/replyloop/replyloop/pkg/config"
	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/deadletter"
	"github.com/replyloop/replyloop/pkg/idempotency"
	"github.com/replyloop/replyloop/pkg/metrics"
	"github.com/replyloop/replyloop/pkg/queue"
	"github.com/replyloop/replyloop/pkg/signature"
	"github.com/replyloop/replyloop/pkg/store"
	"github.com/replyloop/replyloop/pkg/tenant"
	"github.com/replyloop/replyloop/pkg/version"
)

// Server carries the handler dependencies.
type Server struct {
	cfg      *config.Config
	db       *database.Client
	verifier *signature.Verifier
	idem     *idempotency.Store
	resolver *tenant.Resolver
	settings *tenant.SettingsCache
	store    *store.Store
	windows  *store.WindowTracker
	queue    *queue.Queue
	pool     *queue.WorkerPool
	dlq      *deadletter.Service
	audit    *audit.Log
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, db *database.Client, verifier *signature.Verifier,
	idem *idempotency.Store, resolver *tenant.Resolver, settings *tenant.SettingsCache,
	st *store.Store, windows *store.WindowTracker, q *queue.Queue, pool *queue.WorkerPool,
	dlq *deadletter.Service, auditLog *audit.Log, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		verifier: verifier,
		idem:     idem,
		resolver: resolver,
		settings: settings,
		store:    st,
		windows:  windows,
		queue:    q,
		pool:     pool,
		dlq:      dlq,
		audit:    auditLog,
		metrics:  m,
		logger:   slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(securityHeaders(s.cfg.IsProduction()))
	r.Use(httpMetrics(s.metrics))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Request-ID", "X-Operator"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry,
		promhttp.HandlerOpts{})))

	webhooks := r.Group("/webhooks", bodyLimit())
	{
		webhooks.GET("/instagram", s.verifyHandshake)
		webhooks.POST("/instagram", s.ingestMeta)
		webhooks.POST("/manychat", s.ingestManyChat)
	}

	v1 := r.Group("/api/v1", bodyLimit())
	{
		v1.POST("/send", s.send)
		v1.GET("/deadletters", s.listDeadLetters)
		v1.POST("/deadletters/:id/redrive", s.redriveDeadLetter)
		v1.POST("/deadletters/:id/discard", s.discardDeadLetter)
	}
	return r
}

// health reports database and worker pool health.
func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()

	dbErr := s.db.Health(ctx)
	poolHealth := s.pool.Health()

	status := http.StatusOK
	overall := "healthy"
	if dbErr != nil || !poolHealth.IsHealthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	body := gin.H{
		"status":  overall,
		"version": version.Full(),
		"pool":    poolHealth,
	}
	if dbErr != nil {
		body["database_error"] = dbErr.Error()
	}
	c.JSON(status, body)
}
