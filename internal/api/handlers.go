package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/flags"
	"signal-pipeline/internal/ingest"
)

const monitoringWindow = 24 * time.Hour

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"providers": s.market.ProviderStates(),
		"flags":     s.flags.All(),
	})
}

// handleWebhookSignal is the single ingress. The response code mirrors the
// ingestion outcome: 201 created, 200 duplicate, 401 bad signature, 400 bad
// payload, 500 persistence failure.
func (s *Server) handleWebhookSignal(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": ingest.StatusInvalidPayload, "error": "unreadable body"})
		return
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	outcome := s.ingestor.Ingest(c.Request.Context(), body, c.GetHeader("x-webhook-signature"), requestID, c.ClientIP())

	switch outcome.Status {
	case ingest.StatusAccepted:
		c.JSON(http.StatusCreated, outcome)
	case ingest.StatusDuplicate:
		c.JSON(http.StatusOK, outcome)
	case ingest.StatusInvalidSignature:
		c.JSON(http.StatusUnauthorized, outcome)
	case ingest.StatusInvalidPayload:
		c.JSON(http.StatusBadRequest, outcome)
	default:
		c.JSON(http.StatusInternalServerError, outcome)
	}
}

// handleWebhookBias accepts an MTF bias payload and folds it into the
// per-symbol aggregate. Re-delivery of the same payload is a no-op.
func (s *Server) handleWebhookBias(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	payload, err := bias.ParseV3(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state := s.biases.ApplyV3(payload)
	s.bus.Publish(events.Event{
		Type: events.EventBiasUpdated,
		Data: map[string]interface{}{"symbol": payload.Symbol, "source": "mtf_v3", "bias": state.Bias},
	})
	c.JSON(http.StatusOK, gin.H{"symbol": payload.Symbol, "bias": state.Bias, "intent": state.IntentType})
}

// handleWebhookGamma accepts a gamma overlay for a symbol. The overlay only
// changes the resolved state once an MTF state exists for the symbol.
func (s *Server) handleWebhookGamma(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	overlay, err := bias.ParseGamma(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state := s.biases.ApplyGamma(overlay)
	resp := gin.H{"symbol": overlay.Symbol, "applied": state != nil}
	if state != nil {
		s.bus.Publish(events.Event{
			Type: events.EventBiasUpdated,
			Data: map[string]interface{}{"symbol": overlay.Symbol, "source": "gamma", "bias": state.Bias},
		})
		resp["bias"] = state.Bias
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePipeline(c *gin.Context) {
	counters, err := s.repo.GetPipelineCounters(c.Request.Context(), monitoringWindow)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"counters":    counters,
		"providers":   s.market.ProviderStates(),
		"cache":       s.market.CacheStats(),
		"error_count": s.errs.Total(),
	})
}

func (s *Server) handleRecentSignals(c *gin.Context) {
	signals, err := s.repo.RecentSignals(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

// handleSignalAudit assembles the full decision trail for one signal.
func (s *Server) handleSignalAudit(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	signal, err := s.repo.GetSignalByID(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "signal not found"})
		return
	}

	audit := gin.H{"signal": signal}

	if webhooks, err := s.repo.GetWebhookEventsForSignal(ctx, id); err == nil {
		audit["webhook_events"] = webhooks
	}
	if marketCtx, err := s.repo.GetMarketContextBySignal(ctx, id); err == nil && marketCtx != nil {
		audit["market_context"] = marketCtx
	}
	experiment, err := s.repo.GetExperimentBySignal(ctx, id)
	if err == nil && experiment != nil {
		audit["experiment"] = experiment
		if policy, err := s.repo.GetPolicyByExperiment(ctx, experiment.ID); err == nil && policy != nil {
			audit["execution_policy"] = policy
		}
		if recs, err := s.repo.GetRecommendationsByExperiment(ctx, experiment.ID); err == nil {
			audit["recommendations"] = recs
		}
	}
	if orders, err := s.repo.GetOrdersForSignal(ctx, id); err == nil && len(orders) > 0 {
		audit["orders"] = orders
	}
	if trades, err := s.repo.GetTradesForSignal(ctx, id); err == nil && len(trades) > 0 {
		audit["trades"] = trades
	}
	if positions, err := s.repo.GetPositionsForSignal(ctx, id); err == nil && len(positions) > 0 {
		audit["positions"] = positions
	}

	c.JSON(http.StatusOK, audit)
}

func (s *Server) handleEngines(c *gin.Context) {
	metrics, err := s.repo.GetEngineMetrics(c.Request.Context(), monitoringWindow)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"engines": metrics})
}

func (s *Server) handleErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"errors": s.errs.Recent(),
		"total":  s.errs.Total(),
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.bus.Recent(100)})
}

func (s *Server) handleFlags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flags": s.flags.All()})
}

func (s *Server) handleSetFlag(c *gin.Context) {
	name := c.Param("name")
	switch name {
	case flags.PipelineEnabled, flags.OrderCreationEnabled, flags.PaperExecutionEnabled, flags.AdaptiveTunerEnabled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown flag"})
		return
	}

	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry enabled"})
		return
	}

	if err := s.flags.Set(c.Request.Context(), name, *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "enabled": *req.Enabled})
}
