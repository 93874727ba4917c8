package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/terminal-bench/riskengine/internal/classifier"
	"github.com/terminal-bench/riskengine/internal/correlation"
	"github.com/terminal-bench/riskengine/internal/metrics"
	"github.com/terminal-bench/riskengine/internal/riskservice"
	"github.com/terminal-bench/riskengine/internal/thresholds"
)

func (g *Gateway) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string, len(g.deps.Health))
	for name, check := range g.deps.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().UTC(),
	})
}

func (g *Gateway) getReport(c *gin.Context) {
	report, err := g.deps.Service.Report(c.Request.Context(), trimmedParam(c, "id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (g *Gateway) getScore(c *gin.Context) {
	report, err := g.deps.Service.Report(c.Request.Context(), trimmedParam(c, "id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"portfolioId": report.PortfolioID,
		"score":       report.Score.Score,
		"level":       report.Score.Level,
		"description": report.Score.Level.Description(),
		"complete":    report.Score.Complete,
		"missing":     report.Score.Missing,
		"components":  report.Score.Components,
	})
}

func (g *Gateway) getEvaluations(c *gin.Context) {
	report, err := g.deps.Service.Report(c.Request.Context(), trimmedParam(c, "id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"portfolioId": report.PortfolioID,
		"status":      report.Status,
		"evaluations": report.Evaluations,
	})
}

func (g *Gateway) getHistory(c *gin.Context) {
	var since time.Duration
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a positive duration"})
			return
		}
		since = d
	}

	points, err := g.deps.Service.History(c.Request.Context(), trimmedParam(c, "id"), since)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": points})
}

func (g *Gateway) getRiskProfile(c *gin.Context) {
	view, err := g.deps.Service.RiskProfile(c.Request.Context(), trimmedParam(c, "id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (g *Gateway) putRiskProfile(c *gin.Context) {
	var o thresholds.Overrides
	if err := c.ShouldBindJSON(&o); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := g.deps.Service.UpdateRiskProfile(c.Request.Context(), trimmedParam(c, "id"), o)
	if err != nil {
		g.respondError(c, err)
		return
	}

	g.logger.Info("risk profile updated",
		zap.String("portfolio_id", view.PortfolioID),
		zap.String("user_id", userID(c)),
	)
	c.JSON(http.StatusOK, view)
}

func (g *Gateway) getAlerts(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}

	list, err := g.deps.Service.Alerts(c.Request.Context(), trimmedParam(c, "id"), limit)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": list})
}

func (g *Gateway) getCorrelations(c *gin.Context) {
	w, ok := windowParam(c)
	if !ok {
		return
	}

	var ids []string
	for _, raw := range c.QueryArray("portfolio") {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}

	report, err := g.deps.Service.Correlations(c.Request.Context(), ids, w)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (g *Gateway) getMatrix(c *gin.Context) {
	w, ok := windowParam(c)
	if !ok {
		return
	}
	m, found := correlation.MatrixFor(w)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matrix for window"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"window":  m.Window,
		"label":   m.Window.Label(),
		"indices": m.Indices,
		"matrix":  m.Values(),
	})
}

func (g *Gateway) interpret(c *gin.Context) {
	v, err := strconv.ParseFloat(c.Query("value"), 64)
	if err != nil || v < -1 || v > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be a number in [-1, 1]"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": v, "interpretation": correlation.Interpret(v)})
}

type metricDefault struct {
	Metric      metrics.Field `json:"metric"`
	Name        string        `json:"name"`
	Unit        string        `json:"unit"`
	Description string        `json:"description"`
	Limit       *float64      `json:"limit,omitempty"`
}

func (g *Gateway) getDefaults(c *gin.Context) {
	defaults := thresholds.Defaults()
	out := make([]metricDefault, 0, len(metrics.Fields))
	for _, f := range metrics.Fields {
		spec, ok := classifier.SpecFor(f)
		if !ok {
			continue
		}
		d := metricDefault{Metric: f, Name: spec.Name, Unit: spec.Unit, Description: spec.Description}
		if limit, ok := defaults.Limit(f); ok {
			d.Limit = &limit
		}
		out = append(out, d)
	}
	c.JSON(http.StatusOK, gin.H{"thresholds": defaults, "metrics": out})
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	if g.deps.Stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streaming disabled"})
		return
	}
	if err := g.deps.Stream.Serve(c.Writer, c.Request, userID(c)); err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
	}
}

func windowParam(c *gin.Context) (correlation.Window, bool) {
	raw := c.Query("window")
	if raw == "" {
		return correlation.DefaultWindow, true
	}
	w, ok := correlation.ParseWindow(raw)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown window " + strconv.Quote(raw)})
		return "", false
	}
	return w, true
}

func (g *Gateway) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, riskservice.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, riskservice.ErrInvalidProfile):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		g.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("correlation_id", c.GetString(correlationIDKey)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
