package httpiface

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	appchat "github.com/connortoro/aicompare/application/chat"
	appconv "github.com/connortoro/aicompare/application/conversation"
	"github.com/connortoro/aicompare/domain/conversation"
	"github.com/connortoro/aicompare/domain/models"
	"github.com/connortoro/aicompare/domain/persistence"
	"github.com/connortoro/aicompare/infrastructure/render"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

//go:embed static/index.html
var indexHTML []byte

// Conversation is the state container the browser view binds to.
type Conversation interface {
	Snapshot() conversation.State
	Submit(prompt string) error
	Cancel()
	Clear(ctx context.Context) error
	SelectModel(ctx context.Context, label string) error
	Subscribe() (<-chan conversation.Event, func())
}

// PromptDispatcher answers prompts without touching the shared conversation.
type PromptDispatcher interface {
	SendPrompt(ctx context.Context, message string, prior []conversation.Turn, modelLabel string) <-chan conversation.Fragment
	Complete(ctx context.Context, message string, prior []conversation.Turn, modelLabel string) (string, error)
}

// CircuitStates reports the provider breakers by model.
type CircuitStates interface {
	GetCircuitStates() map[string]string
}

type Router struct {
	conversation Conversation
	dispatcher   PromptDispatcher
	catalog      *models.Catalog
	renderer     *render.Renderer
	rendered     *htmlCache
	corsOrigins  []string
	limiter      *rate.Limiter
	breakers     CircuitStates
	exchangeRepo persistence.ExchangeRepository
	dbManager    persistence.DatabaseManager
	processor    persistence.EventProcessor
}

func NewRouter(conv Conversation, dispatcher PromptDispatcher, catalog *models.Catalog, renderer *render.Renderer, corsOrigins []string) *Router {
	return &Router{
		conversation: conv,
		dispatcher:   dispatcher,
		catalog:      catalog,
		renderer:     renderer,
		rendered:     newHTMLCache(maxCachedTurns),
		corsOrigins:  corsOrigins,
		limiter:      rate.NewLimiter(rate.Inf, 0),
	}
}

// NewRouterWithPersistence creates a router that also serves stored exchanges
// and reports database health.
func NewRouterWithPersistence(
	conv Conversation,
	dispatcher PromptDispatcher,
	catalog *models.Catalog,
	renderer *render.Renderer,
	corsOrigins []string,
	exchangeRepo persistence.ExchangeRepository,
	dbManager persistence.DatabaseManager,
	processor persistence.EventProcessor,
) *Router {
	r := NewRouter(conv, dispatcher, catalog, renderer, corsOrigins)
	r.exchangeRepo = exchangeRepo
	r.dbManager = dbManager
	r.processor = processor
	return r
}

// SetRateLimit bounds prompt submissions. A non-positive rps disables the limit.
func (r *Router) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		r.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	if burst < 1 {
		burst = 1
	}
	r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// SetCircuitStates exposes breaker states on /health.
func (r *Router) SetCircuitStates(states CircuitStates) {
	r.breakers = states
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)
	router.GET("/health", r.healthCheck)
	router.GET("/", r.index)

	api := router.Group("/api")
	api.Use(r.requestIDMiddleware())
	api.GET("/models", r.listModels)
	api.GET("/state", r.state)
	api.GET("/events", r.events)
	api.POST("/prompt", r.rateLimitMiddleware(), r.submitPrompt)
	api.POST("/cancel", r.cancel)
	api.POST("/clear", r.clear)
	api.PUT("/model", r.selectModel)
	api.POST("/completions", r.completions)
	api.POST("/render", r.render)

	if r.exchangeRepo != nil {
		api.GET("/exchanges", r.listExchanges)
		api.GET("/exchanges/:id", r.getExchange)
		api.GET("/stats", r.exchangeStats)
	}

	return router
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.GetHeader("Origin")
		if reqOrigin == "" {
			c.Header("Access-Control-Allow-Origin", strings.Join(r.corsOrigins, ", "))
		} else {
			allowOrigin := ""
			if len(r.corsOrigins) == 1 && r.corsOrigins[0] == "*" {
				allowOrigin = "*"
			} else {
				for _, allowed := range r.corsOrigins {
					if allowed == reqOrigin {
						allowOrigin = reqOrigin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware echoes a client X-Request-ID, or assigns a fresh UUID.
// The UUID doubles as the exchange id of any completion the request makes.
func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientRequestID := c.GetHeader("X-Request-ID")

		requestUUID, err := uuid.Parse(clientRequestID)
		requestID := clientRequestID
		if clientRequestID == "" || err != nil {
			requestUUID = uuid.New()
			requestID = requestUUID.String()
			if clientRequestID != "" {
				c.Header("X-Client-Request-ID", clientRequestID)
			}
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Request = c.Request.WithContext(appchat.WithExchangeID(c.Request.Context(), requestUUID))

		c.Next()
	}
}

func (r *Router) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many prompts, slow down"})
			return
		}
		c.Next()
	}
}

func (r *Router) dependencyChecks(ctx context.Context) (gin.H, bool) {
	checks := gin.H{}
	ok := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(ctx); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			ok = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			ok = false
		}
	}
	return checks, ok
}

func (r *Router) healthCheck(c *gin.Context) {
	checks, overallOK := r.dependencyChecks(c.Request.Context())
	checks["api"] = "ok"

	// Open breakers are reported without degrading health.
	if r.breakers != nil {
		checks["circuit_breakers"] = r.breakers.GetCircuitStates()
	}

	status := "healthy"
	code := http.StatusOK
	if !overallOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "aicompare",
		"version":   "1.0.0",
		"checks":    checks,
	})
}

// liveness probe: process is up and serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness probe: dependencies healthy and ready to serve traffic
func (r *Router) readiness(c *gin.Context) {
	checks, ready := r.dependencyChecks(c.Request.Context())
	if ready {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (r *Router) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (r *Router) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":  r.catalog.Models(),
		"default": r.catalog.Default(),
	})
}

// TurnView is a turn as the browser shows it.
type TurnView struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	HTML     string `json:"html"`
	Failed   bool   `json:"failed,omitempty"`
}

// StateView is a conversation snapshot with every response rendered.
type StateView struct {
	Turns  []TurnView          `json:"turns"`
	Model  string              `json:"model"`
	Status conversation.Status `json:"status"`
	Busy   bool                `json:"busy"`
}

// maxCachedTurns bounds the rendered HTML kept for finished responses.
const maxCachedTurns = 512

// htmlCache maps a finished response to its rendered HTML. When full it is
// emptied rather than evicting one entry at a time.
type htmlCache struct {
	mu      sync.Mutex
	limit   int
	entries map[string]string
}

func newHTMLCache(limit int) *htmlCache {
	return &htmlCache{limit: limit, entries: make(map[string]string)}
}

func (h *htmlCache) get(markdown string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	html, ok := h.entries[markdown]
	return html, ok
}

func (h *htmlCache) put(markdown, html string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= h.limit {
		h.entries = make(map[string]string)
	}
	h.entries[markdown] = html
}

// view renders each response. Finished responses come from the cache; only
// the answer still streaming is rendered on every event.
func (r *Router) view(state conversation.State) StateView {
	busy := state.Busy()
	turns := make([]TurnView, len(state.Turns))
	for i, turn := range state.Turns {
		turns[i] = TurnView{Prompt: turn.Prompt, Response: turn.Response, Failed: turn.Failed}
		if turn.Response == "" || turn.Failed {
			continue
		}
		streaming := busy && i == len(state.Turns)-1
		if !streaming {
			if html, ok := r.rendered.get(turn.Response); ok {
				turns[i].HTML = html
				continue
			}
		}
		html, err := r.renderer.Render(turn.Response)
		if err != nil {
			logrus.WithError(err).WithField("turn", i).Warn("Failed to render response")
			continue
		}
		if !streaming {
			r.rendered.put(turn.Response, html)
		}
		turns[i].HTML = html
	}
	return StateView{
		Turns:  turns,
		Model:  state.Model,
		Status: state.Status,
		Busy:   busy,
	}
}

func (r *Router) state(c *gin.Context) {
	c.JSON(http.StatusOK, r.view(r.conversation.Snapshot()))
}

func writeEvent(c *gin.Context, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func startSSE(c *gin.Context) (http.Flusher, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported by server"})
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	return flusher, true
}

// events streams the conversation: a snapshot first, then one message per
// mutation until the client goes away.
func (r *Router) events(c *gin.Context) {
	flusher, ok := startSSE(c)
	if !ok {
		return
	}

	events, unsubscribe := r.conversation.Subscribe()
	defer unsubscribe()

	if err := writeEvent(c, flusher, "snapshot", r.view(r.conversation.Snapshot())); err != nil {
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(c, flusher, string(ev.Kind), r.view(ev.State)); err != nil {
				logrus.WithError(err).Debug("Event stream client went away")
				return
			}
		}
	}
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (r *Router) submitPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	switch err := r.conversation.Submit(req.Prompt); {
	case errors.Is(err, appconv.ErrEmptyPrompt):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Prompt cannot be empty"})
	case errors.Is(err, appconv.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Conversation is closed"})
	case err != nil:
		logrus.WithError(err).Error("Failed to submit prompt")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit prompt"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "request_id": c.GetString("request_id")})
	}
}

func (r *Router) cancel(c *gin.Context) {
	r.conversation.Cancel()
	c.JSON(http.StatusOK, r.view(r.conversation.Snapshot()))
}

func (r *Router) clear(c *gin.Context) {
	if err := r.conversation.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r.view(r.conversation.Snapshot()))
}

type modelRequest struct {
	Model string `json:"model" binding:"required"`
}

func (r *Router) selectModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	err := r.conversation.SelectModel(c.Request.Context(), req.Model)
	switch {
	case errors.Is(err, models.ErrUnknownModel):
		c.JSON(http.StatusBadRequest, gin.H{"error": appchat.UnknownModelText(req.Model)})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": req.Model})
}

// CompletionRequest asks for one answer given explicit history.
type CompletionRequest struct {
	Message string              `json:"message"`
	Turns   []conversation.Turn `json:"turns"`
	Model   string              `json:"model"`
	Stream  bool                `json:"stream"`
}

func (r *Router) completions(c *gin.Context) {
	var req CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Message cannot be empty"})
		return
	}
	if req.Model == "" {
		req.Model = r.catalog.Default()
	}
	if !r.catalog.Has(req.Model) {
		c.JSON(http.StatusBadRequest, gin.H{"error": appchat.UnknownModelText(req.Model)})
		return
	}

	ctx := c.Request.Context()
	if !req.Stream {
		text, err := r.dispatcher.Complete(ctx, req.Message, req.Turns, req.Model)
		if err != nil {
			logrus.WithError(err).WithField("model", req.Model).Error("Completion failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": appchat.FailureText})
			return
		}
		c.JSON(http.StatusOK, gin.H{"response": text, "model": req.Model})
		return
	}

	flusher, ok := startSSE(c)
	if !ok {
		return
	}
	for fragment := range r.dispatcher.SendPrompt(ctx, req.Message, req.Turns, req.Model) {
		payload := gin.H{"text": fragment.Text}
		if fragment.Err != nil {
			payload["error"] = true
		}
		if err := writeEvent(c, flusher, "", payload); err != nil {
			logrus.WithError(err).Debug("Completion stream client went away")
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	c.Writer.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

type renderRequest struct {
	Markdown string `json:"markdown"`
}

func (r *Router) render(c *gin.Context) {
	var req renderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	html, err := r.renderer.Render(req.Markdown)
	if err != nil {
		logrus.WithError(err).Error("Failed to render markdown")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render markdown"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"html": html})
}

const maxExchangeLimit = 500

func (r *Router) listExchanges(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
		return
	}
	if limit > maxExchangeLimit {
		limit = maxExchangeLimit
	}

	var records []*persistence.ExchangeRecord
	if status := c.Query("status"); status != "" {
		records, err = r.exchangeRepo.FindByStatus(c.Request.Context(), persistence.ExchangeStatus(status), limit)
	} else {
		records, err = r.exchangeRepo.FindRecent(c.Request.Context(), limit)
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to list exchanges")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list exchanges"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": records, "count": len(records)})
}

func (r *Router) getExchange(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid exchange ID format"})
		return
	}

	record, err := r.exchangeRepo.FindByID(c.Request.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Exchange not found"})
		return
	}
	if err != nil {
		logrus.WithError(err).Errorf("Failed to get exchange %s", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve exchange"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (r *Router) exchangeStats(c *gin.Context) {
	stats, err := r.exchangeRepo.Stats(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to compute exchange stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute exchange stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
