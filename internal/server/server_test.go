package server

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/canvas-watch/internal/config"
	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/catalog"
)

// mockSessions for testing.
type mockSessions struct {
	mu       sync.Mutex
	cat      *catalog.Catalog
	started  []orchestrator.SessionParams
	stopped  int
	startErr error
	rescans  int
}

func newMockSessions() *mockSessions {
	return &mockSessions{cat: catalog.New()}
}

func (m *mockSessions) Start(_ context.Context, p orchestrator.SessionParams) (orchestrator.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return orchestrator.Session{}, m.startErr
	}
	if err := config.ValidateDetection(p.GridSize, p.Threshold); err != nil {
		return orchestrator.Session{}, err
	}
	m.started = append(m.started, p)
	return orchestrator.Session{ID: "sess-1", Running: true, Options: p}, nil
}

func (m *mockSessions) Stop() {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *mockSessions) Rescan(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped > 0 {
		return 0, apperrors.New(apperrors.CodeNotFound, "no running session")
	}
	m.rescans++
	return 3, nil
}

func (m *mockSessions) Status() orchestrator.Status {
	return orchestrator.Status{Frames: m.cat.Len(), Session: &orchestrator.Session{ID: "sess-1"}}
}

func (m *mockSessions) Defaults() orchestrator.SessionParams {
	return orchestrator.SessionParams{Threshold: 40, GridSize: 32, Target: "viewport"}
}

func (m *mockSessions) Catalog() *catalog.Catalog { return m.cat }

func newTestServer(t *testing.T) (*Server, *mockSessions) {
	t.Helper()
	m := newMockSessions()
	s := New(m)
	t.Cleanup(s.Close)
	return s, m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := do(t, handler, http.MethodOptions, "/test", "")
	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, OPTIONS" {
		t.Errorf("CORS methods = %q, want %q", v, "GET, POST, OPTIONS")
	}
}

func TestCatalogAndFrames(t *testing.T) {
	s, m := newTestServer(t)
	h := s.Handler()
	m.cat.Append(catalog.Entry{Name: "chart-0001.png", Data: []byte("\x89PNG"), Width: 4, Height: 4})

	rec := do(t, h, http.MethodGet, "/api/catalog", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("catalog status = %d", rec.Code)
	}
	var msg CatalogMessage
	if err := json.NewDecoder(rec.Body).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if len(msg.Frames) != 1 || msg.Frames[0].Name != "chart-0001.png" || msg.Frames[0].Data != nil {
		t.Errorf("catalog = %+v, want metadata only", msg.Frames)
	}
	if rec.Header().Get("x-trace-id") == "" {
		t.Error("responses should carry a trace id")
	}

	rec = do(t, h, http.MethodGet, "/api/frames/chart-0001.png", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "\x89PNG" {
		t.Errorf("frame = %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = do(t, h, http.MethodGet, "/api/frames/missing.png", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing frame status = %d, want 404", rec.Code)
	}
	var e ErrorMessage
	_ = json.NewDecoder(rec.Body).Decode(&e)
	if e.Code != string(apperrors.CodeNotFound) {
		t.Errorf("error code = %q", e.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	s, m := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/session/start", `{"threshold_bits": 64, "auto_deliver": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(m.started) != 1 {
		t.Fatalf("Start called %d times", len(m.started))
	}
	p := m.started[0]
	if p.Threshold != 64 || !p.AutoDeliver || p.GridSize != 32 {
		t.Errorf("params = %+v, want overrides on top of defaults", p)
	}

	rec = do(t, h, http.MethodPost, "/api/session/start", "")
	if rec.Code != http.StatusOK || m.started[1].Threshold != 40 {
		t.Errorf("empty body should use defaults, got %+v", m.started[1])
	}

	for _, body := range []string{`{"grid_size": 1048576}`, `{"threshold_bits": 5000}`} {
		rec = do(t, h, http.MethodPost, "/api/session/start", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("start %s status = %d, want 400", body, rec.Code)
		}
	}
	if len(m.started) != 2 {
		t.Errorf("rejected starts reached the session: %d starts", len(m.started))
	}

	rec = do(t, h, http.MethodPost, "/api/session/start", "{nope")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}

	m.startErr = apperrors.New(apperrors.CodeInternal, "browser gone")
	rec = do(t, h, http.MethodPost, "/api/session/start", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("failed start status = %d, want 500", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/session/rescan", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"surfaces":3`) {
		t.Errorf("rescan = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/session/stop", "")
	if rec.Code != http.StatusOK || m.stopped != 1 {
		t.Errorf("stop = %d, stopped %d", rec.Code, m.stopped)
	}

	rec = do(t, h, http.MethodPost, "/api/session/rescan", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("rescan after stop = %d, want 404", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/status", "")
	var st orchestrator.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil || st.Session == nil || st.Session.ID != "sess-1" {
		t.Errorf("status = %+v (%v)", st, err)
	}
}

func TestFrameDownloadQuotesName(t *testing.T) {
	s, m := newTestServer(t)
	name := `say "hi".png`
	m.cat.Append(catalog.Entry{Name: name, Data: []byte("x")})

	rec := do(t, s.Handler(), http.MethodGet, "/api/frames/"+url.PathEscape(name), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	disp, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	if err != nil || disp != "attachment" || params["filename"] != name {
		t.Errorf("Content-Disposition = %q, parsed (%q, %v, %v)", rec.Header().Get("Content-Disposition"), disp, params, err)
	}
}

func TestWriteErrorWrapsPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), errors.New("boom"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestWebSocketStream(t *testing.T) {
	s, m := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var initial CatalogMessage
	if err := wsjson.Read(ctx, conn, &initial); err != nil || initial.Type != "catalog" {
		t.Fatalf("initial message = %+v (%v)", initial, err)
	}

	// Wait for registration before appending; the snapshot reply proves it.
	if err := wsjson.Write(ctx, conn, Message{Type: "snapshot"}); err != nil {
		t.Fatal(err)
	}
	var snap CatalogMessage
	if err := wsjson.Read(ctx, conn, &snap); err != nil || snap.Type != "catalog" {
		t.Fatalf("snapshot reply = %+v (%v)", snap, err)
	}

	m.cat.Append(catalog.Entry{Name: "chart-0001.png", Sequence: 1})

	var frame FrameMessage
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != "frame" || frame.Frame.Name != "chart-0001.png" {
		t.Errorf("frame message = %+v", frame)
	}

	if err := wsjson.Write(ctx, conn, Message{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	var e ErrorMessage
	if err := wsjson.Read(ctx, conn, &e); err != nil || e.Type != "error" {
		t.Errorf("unknown type reply = %+v (%v)", e, err)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{}
	for i := 0; i < RateLimitMessages; i++ {
		if !rl.allow() {
			t.Fatalf("message %d rejected inside the limit", i)
		}
	}
	if rl.allow() {
		t.Error("message over the limit should be rejected")
	}
}
