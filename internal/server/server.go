// Package server provides the HTTP API and WebSocket event stream
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/catalog"
	"github.com/GriffinCanCode/canvas-watch/internal/trace"
)

// Sessions is the part of the orchestrator the API drives.
type Sessions interface {
	Start(ctx context.Context, params orchestrator.SessionParams) (orchestrator.Session, error)
	Stop()
	Rescan(ctx context.Context) (int, error)
	Status() orchestrator.Status
	Defaults() orchestrator.SessionParams
	Catalog() *catalog.Catalog
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type FrameMessage struct {
	Type  string        `json:"type"`
	Frame catalog.Entry `json:"frame"`
}

type CatalogMessage struct {
	Type   string          `json:"type"`
	Frames []catalog.Entry `json:"frames"`
}

type SessionMessage struct {
	Type    string               `json:"type"`
	Session orchestrator.Session `json:"session"`
}

type StatusMessage struct {
	Type   string              `json:"type"`
	Status orchestrator.Status `json:"status"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	sessions Sessions
	mu       sync.RWMutex
	conns    map[*websocket.Conn]*rateLimiter
	cancel   func()
	done     chan struct{}
}

// New creates a server and starts broadcasting catalog appends.
func New(sessions Sessions) *Server {
	events, cancel := sessions.Catalog().Subscribe(EventBuffer)
	s := &Server{
		sessions: sessions,
		conns:    make(map[*websocket.Conn]*rateLimiter),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.broadcastFrames(events)
	return s
}

// Close stops the broadcaster.
func (s *Server) Close() {
	s.cancel()
	<-s.done
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/catalog", s.handleCatalog)
		r.Get("/frames/{name}", s.handleFrame)
		r.Post("/session/start", s.handleSessionStart)
		r.Post("/session/stop", s.handleSessionStop)
		r.Post("/session/rescan", s.handleSessionRescan)
	})

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(r))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Status())
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CatalogMessage{Type: "catalog", Frames: s.sessions.Catalog().Snapshot()})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	e, ok := s.sessions.Catalog().Lookup(name)
	if !ok {
		writeError(w, r, apperrors.Newf(apperrors.CodeNotFound, "frame %q not in catalog", name))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(e.Size()))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": e.Name}))
	_, _ = w.Write(e.Data)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := trace.StartSpan(r.Context(), "handle_session_start")
	defer span.End()

	params := s.sessions.Defaults()
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "read body"))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			writeError(w, r, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "decode session options"))
			return
		}
	}

	sess, err := s.sessions.Start(ctx, params)
	if err != nil {
		span.SetAttr("error", err.Error())
		writeError(w, r, err)
		return
	}
	s.broadcast(SessionMessage{Type: "session_started", Session: sess})
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, _ *http.Request) {
	s.sessions.Stop()
	st := s.sessions.Status()
	if st.Session != nil {
		s.broadcast(SessionMessage{Type: "session_stopped", Session: *st.Session})
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessionRescan(w http.ResponseWriter, r *http.Request) {
	n, err := s.sessions.Rescan(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"surfaces": n})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	rl := &rateLimiter{}
	s.mu.Lock()
	s.conns[conn] = rl
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// New clients get the current catalog so they can render without polling.
	_ = wsjson.Write(ctx, conn, CatalogMessage{Type: "catalog", Frames: s.sessions.Catalog().Snapshot()})

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(ctx, conn, ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		switch msg.Type {
		case "snapshot":
			_ = wsjson.Write(ctx, conn, CatalogMessage{Type: "catalog", Frames: s.sessions.Catalog().Snapshot()})
		case "status":
			_ = wsjson.Write(ctx, conn, StatusMessage{Type: "status", Status: s.sessions.Status()})
		default:
			_ = wsjson.Write(ctx, conn, ErrorMessage{Type: "error", Message: "unknown message type " + strconv.Quote(msg.Type)})
		}
	}
}

func (s *Server) broadcastFrames(events <-chan catalog.Entry) {
	defer close(s.done)
	for e := range events {
		s.broadcast(FrameMessage{Type: "frame", Frame: e})
	}
}

func (s *Server) broadcast(msg any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.conns {
		go func(c *websocket.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
			defer cancel()
			_ = wsjson.Write(ctx, c, msg)
		}(conn)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.CodeInternal, "internal error")
	}
	trace.Logger(r.Context()).Warn("request failed", "path", r.URL.Path, "code", appErr.Code, "error", err)
	writeJSON(w, appErr.HTTPStatus(), ErrorMessage{Type: "error", Code: string(appErr.Code), Message: appErr.Message})
}
