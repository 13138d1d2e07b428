package httpiface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	appchat "github.com/connortoro/aicompare/application/chat"
	appconv "github.com/connortoro/aicompare/application/conversation"
	"github.com/connortoro/aicompare/domain/conversation"
	"github.com/connortoro/aicompare/domain/models"
	"github.com/connortoro/aicompare/domain/persistence"
	"github.com/connortoro/aicompare/infrastructure/render"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testRequestID = "550e8400-e29b-41d4-a716-446655440000"

type MockConversation struct {
	mock.Mock
}

func (m *MockConversation) Snapshot() conversation.State {
	return m.Called().Get(0).(conversation.State)
}

func (m *MockConversation) Submit(prompt string) error {
	return m.Called(prompt).Error(0)
}

func (m *MockConversation) Cancel() {
	m.Called()
}

func (m *MockConversation) Clear(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockConversation) SelectModel(ctx context.Context, label string) error {
	return m.Called(label).Error(0)
}

func (m *MockConversation) Subscribe() (<-chan conversation.Event, func()) {
	args := m.Called()
	return args.Get(0).(<-chan conversation.Event), func() {}
}

// fakeDispatcher replays fixed fragments and records what it was asked.
type fakeDispatcher struct {
	fragments []conversation.Fragment
	answer    string
	err       error

	message string
	prior   []conversation.Turn
	model   string
}

func (f *fakeDispatcher) SendPrompt(ctx context.Context, message string, prior []conversation.Turn, modelLabel string) <-chan conversation.Fragment {
	f.message, f.prior, f.model = message, prior, modelLabel
	out := make(chan conversation.Fragment, len(f.fragments))
	for _, fr := range f.fragments {
		out <- fr
	}
	close(out)
	return out
}

func (f *fakeDispatcher) Complete(ctx context.Context, message string, prior []conversation.Turn, modelLabel string) (string, error) {
	f.message, f.prior, f.model = message, prior, modelLabel
	return f.answer, f.err
}

type MockExchangeRepository struct {
	mock.Mock
}

func (m *MockExchangeRepository) Create(ctx context.Context, entity *persistence.ExchangeRecord) error {
	return m.Called(entity).Error(0)
}

func (m *MockExchangeRepository) Update(ctx context.Context, entity *persistence.ExchangeRecord) error {
	return m.Called(entity).Error(0)
}

func (m *MockExchangeRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.ExchangeRecord, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*persistence.ExchangeRecord), args.Error(1)
}

func (m *MockExchangeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(id).Error(0)
}

func (m *MockExchangeRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.ExchangeRecord, error) {
	args := m.Called(limit)
	return args.Get(0).([]*persistence.ExchangeRecord), args.Error(1)
}

func (m *MockExchangeRepository) FindByStatus(ctx context.Context, status persistence.ExchangeStatus, limit int) ([]*persistence.ExchangeRecord, error) {
	args := m.Called(status, limit)
	return args.Get(0).([]*persistence.ExchangeRecord), args.Error(1)
}

func (m *MockExchangeRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status persistence.ExchangeStatus) error {
	return m.Called(id, status).Error(0)
}

func (m *MockExchangeRepository) Stats(ctx context.Context) (*persistence.ExchangeStats, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*persistence.ExchangeStats), args.Error(1)
}

type fakeDatabase struct {
	healthErr error
}

func (f *fakeDatabase) Connect(ctx context.Context, dsn string) error { return nil }
func (f *fakeDatabase) Close() error                                  { return nil }
func (f *fakeDatabase) Migrate() error                                { return nil }
func (f *fakeDatabase) Health(ctx context.Context) error              { return f.healthErr }
func (f *fakeDatabase) GetRepositories() (persistence.ExchangeRepository, persistence.StateStore) {
	return nil, nil
}

type fakeProcessor struct {
	running bool
}

func (f *fakeProcessor) Start(ctx context.Context) error { return nil }
func (f *fakeProcessor) Stop() error                     { return nil }
func (f *fakeProcessor) ProcessEvent(event any) error    { return nil }
func (f *fakeProcessor) Health() persistence.ProcessorHealth {
	return persistence.ProcessorHealth{IsRunning: f.running}
}

type fakeBreakers map[string]string

func (f fakeBreakers) GetCircuitStates() map[string]string { return f }

func newTestRouter(conv Conversation, dispatcher PromptDispatcher) *Router {
	return NewRouter(conv, dispatcher, models.DefaultCatalog(), render.New(), []string{"*"})
}

func doRequest(engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", testRequestID)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func idleState(turns ...conversation.Turn) conversation.State {
	return conversation.State{Turns: conversation.CloneTurns(turns), Model: models.DefaultLabel, Status: conversation.StatusIdle}
}

func TestRouter_SetupRoutes(t *testing.T) {
	engine := newTestRouter(&MockConversation{}, &fakeDispatcher{}).SetupRoutes()

	paths := make(map[string]bool)
	for _, route := range engine.Routes() {
		paths[route.Method+" "+route.Path] = true
	}

	for _, want := range []string{
		"GET /live", "GET /ready", "GET /health", "GET /",
		"GET /api/models", "GET /api/state", "GET /api/events",
		"POST /api/prompt", "POST /api/cancel", "POST /api/clear",
		"PUT /api/model", "POST /api/completions", "POST /api/render",
	} {
		assert.True(t, paths[want], want)
	}
	assert.False(t, paths["GET /api/exchanges"], "exchange routes need persistence")
}

func TestRouter_SetupRoutes_WithPersistence(t *testing.T) {
	router := NewRouterWithPersistence(&MockConversation{}, &fakeDispatcher{}, models.DefaultCatalog(), render.New(), []string{"*"},
		&MockExchangeRepository{}, &fakeDatabase{}, &fakeProcessor{running: true})
	engine := router.SetupRoutes()

	paths := make(map[string]bool)
	for _, route := range engine.Routes() {
		paths[route.Method+" "+route.Path] = true
	}
	assert.True(t, paths["GET /api/exchanges"])
	assert.True(t, paths["GET /api/exchanges/:id"])
	assert.True(t, paths["GET /api/stats"])
}

func TestRouter_healthCheck(t *testing.T) {
	router := newTestRouter(&MockConversation{}, &fakeDispatcher{})
	router.SetCircuitStates(fakeBreakers{"openai-gpt-4-1": "open"})
	engine := router.SetupRoutes()

	w := doRequest(engine, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	response := decode(t, w)
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "aicompare", response["service"])
	assert.NotEmpty(t, response["timestamp"])

	checks, ok := response["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", checks["api"])
	assert.Equal(t, map[string]any{"openai-gpt-4-1": "open"}, checks["circuit_breakers"])
}

func TestRouter_healthCheck_Degraded(t *testing.T) {
	router := NewRouterWithPersistence(&MockConversation{}, &fakeDispatcher{}, models.DefaultCatalog(), render.New(), []string{"*"},
		&MockExchangeRepository{}, &fakeDatabase{healthErr: errors.New("connection refused")}, &fakeProcessor{running: true})
	engine := router.SetupRoutes()

	w := doRequest(engine, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])

	w = doRequest(engine, "GET", "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not_ready", decode(t, w)["status"])
}

func TestRouter_readiness_ProcessorStopped(t *testing.T) {
	router := NewRouterWithPersistence(&MockConversation{}, &fakeDispatcher{}, models.DefaultCatalog(), render.New(), []string{"*"},
		&MockExchangeRepository{}, &fakeDatabase{}, &fakeProcessor{running: false})
	engine := router.SetupRoutes()

	w := doRequest(engine, "GET", "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_liveness(t *testing.T) {
	engine := newTestRouter(&MockConversation{}, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "GET", "/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", decode(t, w)["status"])
}

func TestRouter_index(t *testing.T) {
	engine := newTestRouter(&MockConversation{}, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "GET", "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/api/events")
}

func TestRouter_listModels(t *testing.T) {
	engine := newTestRouter(&MockConversation{}, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "GET", "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Models  []models.Model `json:"models"`
		Default string         `json:"default"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.DefaultModels(), body.Models)
	assert.Equal(t, models.DefaultLabel, body.Default)
}

func TestRouter_state_RendersResponses(t *testing.T) {
	conv := &MockConversation{}
	conv.On("Snapshot").Return(idleState(
		conversation.Turn{Prompt: "hi", Response: "**hello**"},
		conversation.Turn{Prompt: "again", Response: appchat.FailureText, Failed: true},
	))
	engine := newTestRouter(conv, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "GET", "/api/state", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view StateView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Turns, 2)
	assert.Contains(t, view.Turns[0].HTML, "<strong>hello</strong>")
	assert.Equal(t, "**hello**", view.Turns[0].Response)
	assert.Empty(t, view.Turns[1].HTML)
	assert.True(t, view.Turns[1].Failed)
	assert.Equal(t, models.DefaultLabel, view.Model)
	assert.False(t, view.Busy)
}

func TestRouter_view_ReusesFinishedTurns(t *testing.T) {
	router := newTestRouter(&MockConversation{}, &fakeDispatcher{})
	router.rendered.put("**done**", "<p>from cache</p>")

	streaming := conversation.State{
		Turns: []conversation.Turn{
			{Prompt: "q1", Response: "**done**"},
			{Prompt: "q2", Response: "*partial"},
		},
		Model:  models.DefaultLabel,
		Status: conversation.StatusStreaming,
	}

	view := router.view(streaming)
	assert.Equal(t, "<p>from cache</p>", view.Turns[0].HTML)
	assert.Contains(t, view.Turns[1].HTML, "partial")
	_, cached := router.rendered.get("*partial")
	assert.False(t, cached, "the answer still streaming is not cached")

	streaming.Turns[1].Response = "*partial* answer"
	streaming.Status = conversation.StatusIdle
	view = router.view(streaming)
	assert.Contains(t, view.Turns[1].HTML, "<em>partial</em>")
	html, cached := router.rendered.get("*partial* answer")
	assert.True(t, cached, "a finished answer is cached")
	assert.Equal(t, view.Turns[1].HTML, html)
}

func TestHTMLCache_ResetsWhenFull(t *testing.T) {
	cache := newHTMLCache(2)
	cache.put("a", "<p>a</p>")
	cache.put("b", "<p>b</p>")
	cache.put("c", "<p>c</p>")

	_, ok := cache.get("a")
	assert.False(t, ok)
	html, ok := cache.get("c")
	assert.True(t, ok)
	assert.Equal(t, "<p>c</p>", html)
}

func TestRouter_state_EmptyTranscriptIsArray(t *testing.T) {
	conv := &MockConversation{}
	conv.On("Snapshot").Return(idleState())
	engine := newTestRouter(conv, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "GET", "/api/state", nil)
	assert.Contains(t, w.Body.String(), `"turns":[]`)
}

func TestRouter_events_SnapshotThenEvents(t *testing.T) {
	events := make(chan conversation.Event, 2)
	busy := conversation.State{
		Turns:  []conversation.Turn{{Prompt: "hi"}},
		Model:  models.DefaultLabel,
		Status: conversation.StatusSubmitting,
	}
	events <- conversation.Event{Kind: conversation.EventTurns, State: busy}
	close(events)

	conv := &MockConversation{}
	conv.On("Subscribe").Return((<-chan conversation.Event)(events))
	conv.On("Snapshot").Return(idleState())
	engine := newTestRouter(conv, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "GET", "/api/events", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	snapshotAt := bytes.Index([]byte(body), []byte("event: snapshot\n"))
	turnsAt := bytes.Index([]byte(body), []byte("event: turns\n"))
	require.GreaterOrEqual(t, snapshotAt, 0)
	require.Greater(t, turnsAt, snapshotAt)
	assert.Contains(t, body, `"busy":true`)
}

func TestRouter_submitPrompt(t *testing.T) {
	conv := &MockConversation{}
	conv.On("Submit", "Explain Go channels").Return(nil)
	engine := newTestRouter(conv, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "POST", "/api/prompt", gin.H{"prompt": "Explain Go channels"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, testRequestID, decode(t, w)["request_id"])
	conv.AssertExpectations(t)
}

func TestRouter_submitPrompt_Blank(t *testing.T) {
	conv := &MockConversation{}
	conv.On("Submit", "   ").Return(appconv.ErrEmptyPrompt)
	engine := newTestRouter(conv, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "POST", "/api/prompt", gin.H{"prompt": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRouter_submitPrompt_Closed(t *testing.T) {
	conv := &MockConversation{}
	conv.On("Submit", "hi").Return(appconv.ErrClosed)
	engine := newTestRouter(conv, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "POST", "/api/prompt", gin.H{"prompt": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_submitPrompt_InvalidJSON(t *testing.T) {
	engine := newTestRouter(&MockConversation{}, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "POST", "/api/prompt", "invalid json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request format", decode(t, w)["error"])
}

func TestRouter_submitPrompt_RateLimited(t *testing.T) {
	conv := &MockConversation{}
	conv.On("Submit", "hi").Return(nil).Once()
	router := newTestRouter(conv, &fakeDispatcher{})
	router.SetRateLimit(0.001, 1)
	engine := router.SetupRoutes()

	first := doRequest(engine, "POST", "/api/prompt", gin.H{"prompt": "hi"})
	second := doRequest(engine, "POST", "/api/prompt", gin.H{"prompt": "hi"})

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	conv.AssertNumberOfCalls(t, "Submit", 1)
}

func TestRouter_cancelAndClear(t *testing.T) {
	conv := &MockConversation{}
	conv.On("Cancel").Return()
	conv.On("Clear").Return(nil)
	conv.On("Snapshot").Return(idleState())
	engine := newTestRouter(conv, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "POST", "/api/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(engine, "POST", "/api/clear", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"idle"`)

	conv.AssertExpectations(t)
}

func TestRouter_selectModel(t *testing.T) {
	conv := &MockConversation{}
	conv.On("SelectModel", "GPT-4.1").Return(nil)
	conv.On("SelectModel", "GPT-9").Return(fmt.Errorf("%w: %q", models.ErrUnknownModel, "GPT-9"))
	engine := newTestRouter(conv, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "PUT", "/api/model", gin.H{"model": "GPT-4.1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GPT-4.1", decode(t, w)["model"])

	w = doRequest(engine, "PUT", "/api/model", gin.H{"model": "GPT-9"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appchat.UnknownModelText("GPT-9"), decode(t, w)["error"])

	w = doRequest(engine, "PUT", "/api/model", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_completions_JSON(t *testing.T) {
	dispatcher := &fakeDispatcher{answer: "Hello there!"}
	engine := newTestRouter(&MockConversation{}, dispatcher).SetupRoutes()

	prior := []conversation.Turn{{Prompt: "hi", Response: "hey"}}
	w := doRequest(engine, "POST", "/api/completions", CompletionRequest{
		Message: "Hello",
		Turns:   prior,
		Model:   "Claude 3.7 Sonnet",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello there!", decode(t, w)["response"])
	assert.Equal(t, "Hello", dispatcher.message)
	assert.Equal(t, prior, dispatcher.prior)
	assert.Equal(t, "Claude 3.7 Sonnet", dispatcher.model)
}

func TestRouter_completions_DefaultModel(t *testing.T) {
	dispatcher := &fakeDispatcher{answer: "ok"}
	engine := newTestRouter(&MockConversation{}, dispatcher).SetupRoutes()

	w := doRequest(engine, "POST", "/api/completions", CompletionRequest{Message: "Hello"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.DefaultLabel, dispatcher.model)
}

func TestRouter_completions_ProviderError(t *testing.T) {
	dispatcher := &fakeDispatcher{err: assert.AnError}
	engine := newTestRouter(&MockConversation{}, dispatcher).SetupRoutes()

	w := doRequest(engine, "POST", "/api/completions", CompletionRequest{Message: "Hello"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, appchat.FailureText, decode(t, w)["error"])
}

func TestRouter_completions_Rejections(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	engine := newTestRouter(&MockConversation{}, dispatcher).SetupRoutes()

	w := doRequest(engine, "POST", "/api/completions", CompletionRequest{Message: " "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doRequest(engine, "POST", "/api/completions", CompletionRequest{Message: "hi", Model: "GPT-9"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appchat.UnknownModelText("GPT-9"), decode(t, w)["error"])

	w = doRequest(engine, "POST", "/api/completions", "invalid json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, dispatcher.message, "rejected requests never reach the dispatcher")
}

func TestRouter_completions_Streaming(t *testing.T) {
	dispatcher := &fakeDispatcher{fragments: []conversation.Fragment{{Text: "Hel"}, {Text: "lo"}}}
	engine := newTestRouter(&MockConversation{}, dispatcher).SetupRoutes()

	w := doRequest(engine, "POST", "/api/completions", CompletionRequest{Message: "Hello", Stream: true})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "data: {\"text\":\"Hel\"}\n\ndata: {\"text\":\"lo\"}\n\ndata: [DONE]\n\n", w.Body.String())
}

func TestRouter_completions_StreamingFailure(t *testing.T) {
	dispatcher := &fakeDispatcher{fragments: []conversation.Fragment{
		{Text: "partial"},
		{Text: appchat.FailureText, Err: assert.AnError},
	}}
	engine := newTestRouter(&MockConversation{}, dispatcher).SetupRoutes()

	w := doRequest(engine, "POST", "/api/completions", CompletionRequest{Message: "Hello", Stream: true})

	body := w.Body.String()
	assert.Contains(t, body, `data: {"error":true,"text":"Error, something bad happened"}`)
	assert.Contains(t, body, "data: [DONE]")
}

func TestRouter_render(t *testing.T) {
	engine := newTestRouter(&MockConversation{}, &fakeDispatcher{}).SetupRoutes()

	w := doRequest(engine, "POST", "/api/render", gin.H{"markdown": "# Title\n\n$x^2$"})
	require.Equal(t, http.StatusOK, w.Code)

	html, _ := decode(t, w)["html"].(string)
	assert.Contains(t, html, "<h1>Title</h1>")
	assert.Contains(t, html, `<span class="math inline">x^2</span>`)
}

func TestRouter_exchanges(t *testing.T) {
	repo := &MockExchangeRepository{}
	id := uuid.New()
	record := &persistence.ExchangeRecord{ID: id, Model: "openai/gpt-4.1", Status: persistence.ExchangeStatusCompleted}
	repo.On("FindRecent", 50).Return([]*persistence.ExchangeRecord{record}, nil)
	repo.On("FindRecent", 500).Return([]*persistence.ExchangeRecord{}, nil)
	repo.On("FindByStatus", persistence.ExchangeStatusFailed, 10).Return([]*persistence.ExchangeRecord{}, nil)
	repo.On("FindByID", id).Return(record, nil)
	repo.On("Stats").Return(&persistence.ExchangeStats{TotalExchanges: 1, Completed: 1}, nil)

	missing := uuid.New()
	repo.On("FindByID", missing).Return(nil, fmt.Errorf("exchange %s: %w", missing, persistence.ErrNotFound))

	router := NewRouterWithPersistence(&MockConversation{}, &fakeDispatcher{}, models.DefaultCatalog(), render.New(), []string{"*"},
		repo, &fakeDatabase{}, &fakeProcessor{running: true})
	engine := router.SetupRoutes()

	w := doRequest(engine, "GET", "/api/exchanges", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doRequest(engine, "GET", "/api/exchanges?limit=10000", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(engine, "GET", "/api/exchanges?status=failed&limit=10", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(engine, "GET", "/api/exchanges?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(engine, "GET", "/api/exchanges/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai/gpt-4.1", decode(t, w)["model"])

	w = doRequest(engine, "GET", "/api/exchanges/"+missing.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(engine, "GET", "/api/exchanges/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(engine, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total_exchanges"])

	repo.AssertExpectations(t)
}

func TestRouter_corsMiddleware(t *testing.T) {
	router := NewRouter(&MockConversation{}, &fakeDispatcher{}, models.DefaultCatalog(), render.New(), []string{"https://example.com", "https://test.com"})
	engine := router.SetupRoutes()

	w := doRequest(engine, "GET", "/live", nil)
	assert.Equal(t, "https://example.com, https://test.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PUT, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))

	req, _ := http.NewRequest("GET", "/live", nil)
	req.Header.Set("Origin", "https://test.com")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, "https://test.com", w.Header().Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest("GET", "/live", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_corsMiddleware_OPTIONS(t *testing.T) {
	engine := newTestRouter(&MockConversation{}, &fakeDispatcher{}).SetupRoutes()

	req, _ := http.NewRequest("OPTIONS", "/api/prompt", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_requestIDMiddleware(t *testing.T) {
	engine := newTestRouter(&MockConversation{}, &fakeDispatcher{}).SetupRoutes()

	// client id is echoed
	w := doRequest(engine, "GET", "/api/models", nil)
	assert.Equal(t, testRequestID, w.Header().Get("X-Request-ID"))

	// missing id is generated
	req, _ := http.NewRequest("GET", "/api/models", nil)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	_, err := uuid.Parse(w.Header().Get("X-Request-ID"))
	assert.NoError(t, err)

	// non-uuid id is replaced and echoed separately
	req, _ = http.NewRequest("GET", "/api/models", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Client-Request-ID"))
	assert.NotEqual(t, "abc-123", w.Header().Get("X-Request-ID"))

	// health endpoints carry no request id
	w = doRequest(engine, "GET", "/live", nil)
	assert.Empty(t, w.Header().Get("X-Request-ID"))
}
