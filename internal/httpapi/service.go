// Package httpapi wires the relay's gin HTTP surface: middleware stack,
// route registration, and JSON request/response rendering through the
// relay's stable error taxonomy.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/agentries/saltwire/internal/config"
	"github.com/agentries/saltwire/internal/identity"
	"github.com/agentries/saltwire/internal/jar"
	"github.com/agentries/saltwire/internal/messaging"
	"github.com/agentries/saltwire/internal/ratelimit"
	"github.com/agentries/saltwire/internal/validate"
)

// Service holds the relay's gin engine and its collaborators.
type Service struct {
	cfg       *config.Config
	log       *zap.Logger
	pool      *sql.DB
	identity  *identity.Store
	messaging *messaging.Store
	jar       *jar.Store
	resolver  PrincipalResolver

	defaultLimiter  *ratelimit.Limiter
	registerLimiter *ratelimit.Limiter

	engine *gin.Engine
	server *http.Server
}

// New builds the Service, registers every route, and wires the global gin
// struct validator. It does not start listening; call Start for that.
func New(cfg *config.Config, log *zap.Logger, pool *sql.DB, identityStore *identity.Store, messagingStore *messaging.Store, jarStore *jar.Store, resolver PrincipalResolver) *Service {
	if cfg.IsDebug() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	binding.Validator = validate.New()

	s := &Service{
		cfg:             cfg,
		log:             log,
		pool:            pool,
		identity:        identityStore,
		messaging:       messagingStore,
		jar:             jarStore,
		resolver:        resolver,
		defaultLimiter:  ratelimit.New(time.Minute),
		registerLimiter: ratelimit.New(5 * time.Minute),
	}

	s.engine = gin.New()
	s.engine.Use(s.middlewareRequestID())
	s.engine.Use(s.middlewareLogger())
	s.engine.Use(s.middlewareCrash())
	s.engine.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Security.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "route not found"}})
	})

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Service) registerRoutes() {
	s.engine.GET("/health", s.endpointHealth)

	account := s.engine.Group("/api/account")
	s.regEndpoint(account, http.MethodPost, "/salt", "account.salt", s.endpointAccountSalt)

	devices := s.engine.Group("/api/devices")
	s.regRateLimited(devices, http.MethodPost, "/register", s.registerLimiter, "devices.register", s.endpointDeviceRegister)
	s.regEndpoint(devices, http.MethodPost, "/list", "devices.list", s.endpointDeviceList)
	s.regEndpoint(devices, http.MethodPost, "/heartbeat", "devices.heartbeat", s.endpointDeviceHeartbeat)

	lookup := s.engine.Group("/api/lookup")
	s.regEndpoint(lookup, http.MethodPost, "/did", "lookup.did", s.endpointLookupDID)
	s.regEndpoint(lookup, http.MethodPost, "/batch", "lookup.batch", s.endpointLookupBatch)

	messages := s.engine.Group("/api/messages")
	s.regEndpoint(messages, http.MethodPost, "/send", "messages.send", s.endpointMessageSend)
	s.regEndpoint(messages, http.MethodGet, "/inbox", "messages.inbox", s.endpointMessageInbox)
	s.regEndpoint(messages, http.MethodPost, "/mark-delivered", "messages.mark_delivered", s.endpointMessageMarkDelivered)
	s.regEndpoint(messages, http.MethodDelete, "/:id", "messages.delete", s.endpointMessageDelete)

	jars := s.engine.Group("/api/jars")
	s.regEndpoint(jars, http.MethodPost, "/:jar_id/receipts", "jars.append", s.endpointJarAppendReceipt)
	s.regEndpoint(jars, http.MethodGet, "/:jar_id/receipts", "jars.backfill", s.endpointJarBackfill)
	s.regEndpoint(jars, http.MethodGet, "/list", "jars.list", s.endpointJarList)
}

// regEndpoint registers an endpoint rate-limited by the default (1-minute)
// limiter under the given endpoint key.
func (s *Service) regEndpoint(rg *gin.RouterGroup, method, path, endpointKey string, handler func(context.Context, *gin.Context) (interface{}, error)) {
	s.regRateLimited(rg, method, path, s.defaultLimiter, endpointKey, handler)
}

func (s *Service) regRateLimited(rg *gin.RouterGroup, method, path string, limiter *ratelimit.Limiter, endpointKey string, handler func(context.Context, *gin.Context) (interface{}, error)) {
	rg.Handle(method, path, func(c *gin.Context) {
		principal, err := s.resolver.Resolve(c.Request.Context(), c.Request)
		if err != nil {
			render(c, nil, err)
			return
		}
		c.Set(principalContextKey, principal)

		if !s.applyRateLimit(c, limiter, endpointKey, principal.DID) {
			return
		}
		res, err := handler(c.Request.Context(), c)
		render(c, res, err)
	})
}

// Start begins serving HTTP traffic in a background goroutine.
func (s *Service) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("httpapi: listen failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the underlying http.Handler, for tests driving requests
// with httptest instead of a live listener.
func (s *Service) Handler() http.Handler {
	return s.engine
}

func (s *Service) endpointHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.pool.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
