package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/leadbridge/internal/bridge"
	"github.com/agentworkforce/leadbridge/internal/chatapi"
	"github.com/agentworkforce/leadbridge/internal/notionapi"
)

const leadForm = `{"payload":{"name":"Созвон по мессенджеру Главная","data":{"Company":"Ромашка","Phone":"+7 900 000-00-00","Name":"Иван"}}}`

var fixedNow = time.Date(2024, 12, 10, 6, 0, 0, 0, time.UTC)

type request struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

type memoryStore struct {
	mu       sync.Mutex
	pages    map[string]notionapi.Page
	updates  []string
	archived []string
	created  int
}

func newMemoryStore(ids ...string) *memoryStore {
	s := &memoryStore{pages: map[string]notionapi.Page{}}
	for _, id := range ids {
		s.pages[id] = notionapi.Page{ID: id}
	}
	return s
}

func (s *memoryStore) CreatePage(_ context.Context, _ string, _ notionapi.Properties) (notionapi.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	page := notionapi.Page{ID: fmt.Sprintf("created-%d", s.created)}
	s.pages[page.ID] = page
	return page, nil
}

func (s *memoryStore) RetrievePage(_ context.Context, pageID string) (notionapi.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID]
	if !ok {
		return notionapi.Page{}, fmt.Errorf("page %s: %w", pageID, bridge.ErrNotFound)
	}
	return page, nil
}

func (s *memoryStore) UpdatePage(_ context.Context, pageID string, _ notionapi.Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, pageID)
	return nil
}

func (s *memoryStore) ArchivePage(_ context.Context, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, pageID)
	return nil
}

func (s *memoryStore) AppendParagraph(context.Context, string, string) error { return nil }

func (s *memoryStore) QueryAll(context.Context, string) ([]notionapi.Page, error) { return nil, nil }

type memoryChat struct {
	mu     sync.Mutex
	nextID int64
	posted []string
}

func (c *memoryChat) GetMessage(_ context.Context, id int64) (chatapi.Message, error) {
	return chatapi.Message{ID: id}, nil
}

func (c *memoryChat) PostMessage(_ context.Context, entityType string, entityID int64, content string) (chatapi.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.posted = append(c.posted, content)
	return chatapi.Message{ID: 5000 + c.nextID, EntityType: entityType, EntityID: entityID, Content: content}, nil
}

func (c *memoryChat) CreateThread(_ context.Context, messageID int64) (chatapi.Thread, error) {
	return chatapi.Thread{ID: messageID + 1, ChatID: messageID + 2, MessageID: messageID}, nil
}

func (c *memoryChat) ListMessages(context.Context, int64, int, int) ([]chatapi.Message, error) {
	return nil, nil
}

func (c *memoryChat) AddReaction(context.Context, int64, string) error { return nil }

func (c *memoryChat) ListReactions(context.Context, int64) ([]chatapi.Reaction, error) {
	return nil, nil
}

type testEnv struct {
	server *Server
	engine *bridge.Engine
	store  *memoryStore
	chat   *memoryChat
	hub    *EventHub
}

func newTestEnv(t *testing.T, cfg ServerConfig) testEnv {
	t.Helper()
	store := newMemoryStore("page-a")
	chat := &memoryChat{}
	hub := NewEventHub(8)
	engine := bridge.NewEngine(bridge.Options{
		Store:         store,
		Chat:          chat,
		LeadBotUserID: "371852",
		DatabaseID:    "db",
		Workspace:     "acme",
		Now:           func() time.Time { return fixedNow },
		Observer:      hub.Publish,
	})
	require.NoError(t, engine.Tables().MessagePages.Set("100", "page-a"))
	cfg.Events = hub
	cfg.Now = func() time.Time { return fixedNow }
	return testEnv{
		server: NewServerWithConfig(engine, cfg),
		engine: engine,
		store:  store,
		chat:   chat,
		hub:    hub,
	}
}

func TestHealthTestAndMetricsRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
	assert.NotEmpty(t, resp.Header().Get("X-Correlation-Id"))

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/test"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "Test ok", resp.Body.String())

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/admin"})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "LeadBridge")
}

func TestUnknownRoutesAndMethods(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/data"})
	require.Equal(t, http.StatusNotFound, resp.Code)
	assertErrorCode(t, resp, "not_found")

	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/nowhere", body: `{}`})
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCorrelationIDEchoed(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/data",
		body:    `{"type":"reaction","event":"new","code":"❌","message_id":999}`,
		headers: map[string]string{"X-Correlation-Id": "corr-1"},
	})
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "corr-1", resp.Header().Get("X-Correlation-Id"))
	var payload map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "not_found", payload["code"])
	assert.Equal(t, "Page ID not found", payload["message"])
	assert.Equal(t, "corr-1", payload["correlationId"])
	assert.Empty(t, env.store.archived)
}

func TestStageReactionAnswersPlainText(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/data",
		body:   `{"type":"reaction","event":"new","code":"✅","message_id":100,"user_id":55}`,
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "Page updated", resp.Body.String())
	assert.Contains(t, resp.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, []string{"page-a"}, env.store.updates)
	assert.Len(t, env.engine.PendingTasks(), 1)
}

func TestUnclassifiedEventIsBadRequest(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/data",
		body:   `{"type":"message","event":"new","id":1,"user_id":5,"content":"hi"}`,
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assertErrorCode(t, resp, "unclassified")

	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/demo", body: `{"type":`})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestNewLeadAnswersJSON(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodPost, path: "/webhook", body: leadForm})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "Webhook received and forwarded", resp.Body.String())

	resp = doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/data",
		body:   `{"type":"message","event":"new","id":300,"chat_id":42,"user_id":371852,"content":"lead"}`,
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"message":"Page created","pageId":"created-1"}`, resp.Body.String())
	assert.Len(t, env.chat.posted, 3)
}

func TestAnalyticRejectsOtherContent(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodPost, path: "/analytic", body: `{"message":{"content":"отчет"}}`})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "Неверный контент", payload["message"])
}

func TestWebhookSignatureEnforcedOnChatRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{WebhookSecret: "shh", WebhookMaxSkew: 20 * time.Second})
	fresh := fmt.Sprintf(`{"type":"reaction","event":"new","code":"✏️","message_id":100,"webhook_timestamp":%d}`, fixedNow.Unix()-5)
	stale := fmt.Sprintf(`{"type":"reaction","event":"new","code":"✏️","message_id":100,"webhook_timestamp":%d}`, fixedNow.Unix()-60)

	resp := doRequest(t, env.server, request{method: http.MethodPost, path: "/data", body: fresh})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assertErrorCode(t, resp, "unauthorized")

	resp = doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/data",
		body:    fresh,
		headers: map[string]string{signatureHeader: mustHMAC("wrong", fresh)},
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/data",
		body:    stale,
		headers: map[string]string{signatureHeader: mustHMAC("shh", stale)},
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Empty(t, env.store.updates)

	resp = doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/data",
		body:    fresh,
		headers: map[string]string{signatureHeader: strings.ToUpper(mustHMAC("shh", fresh))},
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "Page updated with new name", resp.Body.String())

	// lead forms are not signed by the chat platform
	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/webhook", body: leadForm})
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestWebhookSignatureWithoutSkewCheck(t *testing.T) {
	body := `{"type":"reaction","event":"delete","code":"➕","message_id":100}`
	assert.Nil(t, verifyChatSignature("k", mustHMAC("k", body), []byte(body), fixedNow, 0))
	authErr := verifyChatSignature("k", mustHMAC("k", body), []byte(body), fixedNow, time.Second)
	require.NotNil(t, authErr)
	assert.Equal(t, "missing webhook timestamp", authErr.message)
}

func TestRateLimitingByClient(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute})
	body := `{"type":"reaction","event":"delete","code":"➕","message_id":100}`

	resp := doRequest(t, env.server, request{method: http.MethodPost, path: "/data", body: body})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "Cache cleared on delete", resp.Body.String())

	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/data", body: body})
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "60", resp.Header().Get("Retry-After"))
	assertErrorCode(t, resp, "rate_limited")

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBodyBytes: 16})
	resp := doRequest(t, env.server, request{method: http.MethodPost, path: "/webhook", body: leadForm})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assertErrorCode(t, resp, "payload_too_large")
	_, found := env.engine.Tables().LastWebhook.Load()
	assert.False(t, found)
}

func TestAdminTablesRequiresToken(t *testing.T) {
	disabled := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, disabled.server, request{method: http.MethodGet, path: "/admin/tables"})
	require.Equal(t, http.StatusForbidden, resp.Code)

	env := newTestEnv(t, ServerConfig{AdminToken: "admin-secret"})
	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/admin/tables"})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	resp = doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/admin/tables",
		headers: map[string]string{"Authorization": "Bearer nope"},
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/admin/tables",
		headers: map[string]string{"Authorization": "Bearer admin-secret"},
	})
	require.Equal(t, http.StatusOK, resp.Code)
	var snap bridge.Snapshot
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Tables[bridge.TableMessagePages])
	assert.Empty(t, snap.PendingMerge)
}

func TestAdminEventsStreamOutcomes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{AdminToken: "admin-secret"})
	ts := httptest.NewServer(env.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/admin/events?token=wrong", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/admin/events?token=admin-secret", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	post, err := http.Post(ts.URL+"/data", "application/json", strings.NewReader(`{"type":"reaction","event":"new","code":"➕","message_id":100}`))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusOK, post.StatusCode)

	var out bridge.Outcome
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	assert.Equal(t, bridge.RouteData, out.Route)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "Message ID cached", out.Message)
}

func TestEventHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewEventHub(1)
	events, unsubscribe := hub.Subscribe()
	hub.Publish(bridge.Outcome{Message: "one"})
	hub.Publish(bridge.Outcome{Message: "two"})
	assert.Equal(t, 1, hub.Dropped())
	assert.Equal(t, "one", (<-events).Message)

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Subscribers())
	hub.Publish(bridge.Outcome{Message: "three"})
	assert.Equal(t, 1, hub.Dropped())
}

func assertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, code string) {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload), resp.Body.String())
	assert.Equal(t, code, payload["code"])
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, strings.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
