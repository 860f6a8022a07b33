package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"threadline/api/internal/auth"
	"threadline/api/internal/config"
	"threadline/api/internal/realtime"
)

var testSecret = []byte("test-secret")

type testServer struct {
	store   *fakeStore
	service *Service
	hub     *realtime.Hub
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Config{
		Env:               "test",
		CORSOrigin:        "*",
		ListTimeout:       time.Second,
		WSEventsPerSecond: 100,
		WSBurst:           100,
	}
	broker := realtime.NewLocalBroker()
	t.Cleanup(func() { _ = broker.Close() })
	hub := realtime.NewHub(zerolog.Nop())
	router := realtime.NewRouter(broker, zerolog.Nop())
	if err := router.Start(ctx, hub); err != nil {
		t.Fatalf("router start: %v", err)
	}

	fs := newFakeStore("alice", "bob", "carol")
	svc := newService(cfg, fs, Deps{Events: router, Log: zerolog.Nop()})
	srv := NewHTTPServer(svc, auth.NewVerifier(testSecret, ""), hub, cfg, zerolog.Nop())
	return &testServer{store: fs, service: svc, hub: hub, handler: srv.Handler()}
}

func tokenFor(t *testing.T, identity auth.Identity) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, "", identity, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (ts *testServer) do(t *testing.T, method, path string, identity *auth.Identity, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if identity != nil {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, *identity))
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

type errorBody struct {
	Code    string          `json:"code"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("cache-control = %q", got)
	}
	body := decodeResponse[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReady(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/api/ready", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	ts.store.pingErr = errors.New("connection refused")
	rec := ts.do(t, http.MethodGet, "/api/ready", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeResponse[map[string]any](t, rec)
	if body["status"] != "not_ready" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/threads", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("missing allow-origin header: %v", rec.Header())
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost) {
		t.Fatalf("allow-methods = %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/threads", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decodeResponse[errorBody](t, rec); body.Code != CodeUnauthorized {
		t.Fatalf("code = %q", body.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad := httptest.NewRecorder()
	ts.handler.ServeHTTP(bad, req)
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", bad.Code)
	}
}

func TestCreateThreadAndSendOverREST(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/threads", &alice, map[string]any{"memberIds": []string{"bob"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	thread := decodeResponse[ThreadView](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/threads/"+thread.ID+"/messages", &alice, map[string]any{"text": "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	msg := decodeResponse[MessageView](t, rec)
	if msg.Text != "hello" || msg.ThreadID != thread.ID {
		t.Fatalf("unexpected message %+v", msg)
	}

	rec = ts.do(t, http.MethodGet, "/api/threads", &bob, nil)
	list := decodeResponse[ThreadList](t, rec)
	if len(list.Threads) != 1 || list.Threads[0].UnreadCount != 1 {
		t.Fatalf("bob's threads = %+v", list.Threads)
	}

	rec = ts.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/messages?limit=10", &bob, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if page := decodeResponse[MessageList](t, rec); len(page.Messages) != 1 {
		t.Fatalf("messages = %+v", page.Messages)
	}

	rec = ts.do(t, http.MethodDelete, "/api/threads/"+thread.ID+"/messages/"+msg.ID, &alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ack := decodeResponse[Ack](t, rec); !ack.OK {
		t.Fatalf("delete not acknowledged")
	}
}

func TestNonParticipantGetsForbidden(t *testing.T) {
	ts := newTestServer(t)
	thread := decodeResponse[ThreadView](t, ts.do(t, http.MethodPost, "/api/threads", &alice, map[string]any{"memberIds": []string{"bob"}}))

	rec := ts.do(t, http.MethodGet, "/api/threads/"+thread.ID, &carol, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeResponse[errorBody](t, rec); body.Code != CodeAccessDenied {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestListThreadsForAnotherUserIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/threads?userId=bob", &alice, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestInvalidBodyAndQuery(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/threads", &alice, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/threads?limit=lots", &alice, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/threads/not-a-uuid", &alice, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	body := decodeResponse[errorBody](t, rec)
	if body.Code != CodeValidation || !strings.Contains(string(body.Details), "threadId") {
		t.Fatalf("unexpected error %+v", body)
	}
}

func TestUploadWithoutStorageIsUnavailable(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/media/uploads", &alice, map[string]any{"fileName": "a.png", "contentType": "image/png"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestUnknownRouteIsJSON(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeResponse[errorBody](t, rec); body.Code != CodeNotFound {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/health", nil, nil)
	rec := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "threadline_") {
		t.Fatalf("no threadline metrics exposed")
	}
}
