package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/riskengine/internal/alerts"
	"github.com/terminal-bench/riskengine/internal/auth"
	"github.com/terminal-bench/riskengine/internal/correlation"
	"github.com/terminal-bench/riskengine/internal/engine"
	"github.com/terminal-bench/riskengine/internal/history"
	"github.com/terminal-bench/riskengine/internal/riskservice"
	"github.com/terminal-bench/riskengine/internal/telemetry"
	"github.com/terminal-bench/riskengine/internal/thresholds"
	"github.com/terminal-bench/riskengine/pkg/messaging"
)

// RiskService is what the handlers need from the risk service
type RiskService interface {
	Report(ctx context.Context, portfolioID string) (engine.Report, error)
	RiskProfile(ctx context.Context, portfolioID string) (riskservice.ProfileView, error)
	UpdateRiskProfile(ctx context.Context, portfolioID string, o thresholds.Overrides) (riskservice.ProfileView, error)
	History(ctx context.Context, portfolioID string, since time.Duration) ([]history.Point, error)
	Alerts(ctx context.Context, portfolioID string, limit int) ([]alerts.Alert, error)
	Correlations(ctx context.Context, ids []string, w correlation.Window) (engine.CorrelationReport, error)
}

type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

type StreamServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Config holds gateway configuration
type Config struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
}

type Deps struct {
	Service  RiskService
	Verifier TokenVerifier
	Stream   StreamServer
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
	Health   map[string]HealthCheck
}

// Gateway is the HTTP API of the risk service
type Gateway struct {
	cfg         Config
	router      *gin.Engine
	deps        Deps
	logger      *zap.Logger
	rateLimiter *RateLimiter
}

func New(cfg Config, deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:         cfg,
		router:      gin.New(),
		deps:        deps,
		logger:      logger.Named("gateway"),
		rateLimiter: NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
	}
	g.setupRoutes()
	return g
}

// Handler returns the root handler
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Server returns an http.Server for the configured port
func (g *Gateway) Server() *http.Server {
	return &http.Server{
		Addr:         ":" + g.cfg.Port,
		Handler:      g.router,
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
	}
}

func (g *Gateway) setupRoutes() {
	g.router.Use(ginzap.Ginzap(g.logger, time.RFC3339, true))
	g.router.Use(ginzap.RecoveryWithZap(g.logger, true))
	g.router.Use(g.metricsMiddleware())
	g.router.Use(g.tracingMiddleware())
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)
	g.router.GET("/metrics", gin.WrapH(g.deps.Metrics.Handler()))

	v1 := g.router.Group("/api/v1", g.authMiddleware(auth.PermReadRisk))
	{
		portfolios := v1.Group("/portfolios/:id")
		portfolios.GET("/report", g.getReport)
		portfolios.GET("/score", g.getScore)
		portfolios.GET("/evaluations", g.getEvaluations)
		portfolios.GET("/history", g.getHistory)
		portfolios.GET("/risk-profile", g.getRiskProfile)
		portfolios.PUT("/risk-profile", g.requirePerm(auth.PermWriteProfile), g.putRiskProfile)
		portfolios.GET("/alerts", g.getAlerts)

		v1.GET("/correlations", g.getCorrelations)
		v1.GET("/correlations/matrix", g.getMatrix)
		v1.GET("/correlations/interpret", g.interpret)

		v1.GET("/thresholds/defaults", g.getDefaults)

		v1.GET("/ws", g.handleWebSocket)
	}
}

// Middleware

const (
	claimsKey        = "claims"
	correlationIDKey = "correlation_id"
)

// authMiddleware accepts a bearer token, or a token query parameter for
// websocket clients that cannot set headers.
func (g *Gateway) authMiddleware(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" && c.Request.URL.Path == "/api/v1/ws" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.deps.Verifier.VerifyToken(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		if !claims.Can(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": auth.ErrForbidden.Error()})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func (g *Gateway) requirePerm(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsFrom(c)
		if claims == nil || !claims.Can(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": auth.ErrForbidden.Error()})
			return
		}
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set(correlationIDKey, correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Request = c.Request.WithContext(messaging.WithCorrelationID(c.Request.Context(), correlationID))
		c.Next()
	}
}

func (g *Gateway) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		g.deps.Metrics.ObserveRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// RateLimiter is a sliding window limiter keyed by client
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow checks if a request is allowed. A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}

// Prune drops keys with no request inside the window
func (rl *RateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for key, times := range rl.requests {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(rl.requests, key)
		}
	}
}

// RateLimiter exposes the limiter so the caller can prune it periodically
func (g *Gateway) RateLimiter() *RateLimiter {
	return g.rateLimiter
}

func claimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

func userID(c *gin.Context) string {
	if claims := claimsFrom(c); claims != nil {
		return claims.UserID
	}
	return ""
}

func trimmedParam(c *gin.Context, name string) string {
	return strings.TrimSpace(c.Param(name))
}
