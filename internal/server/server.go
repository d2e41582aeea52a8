// Package server exposes the engine over HTTP and WebSocket so a browser can
// act as the capture device and presentation layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"VoiceChat/internal/engine"
	"VoiceChat/internal/events"
	"VoiceChat/internal/session"
	"VoiceChat/internal/transcript"
)

const writeWait = 10 * time.Second

// Subscriber streams bus events.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan events.Envelope, error)
}

// History reads the conversation journal.
type History interface {
	Transcript(ctx context.Context, sessionID string) ([]session.Message, error)
	Counts(ctx context.Context) (sessions, utterances int, err error)
}

// Option configures a Server.
type Option func(*Server)

// WithHistory serves journal reads. Without it the journal routes answer 501.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

type Server struct {
	engine   *engine.Engine
	capture  *transcript.Channel
	events   Subscriber
	history  History
	logger   *slog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds the server. capture and sub may be nil, in which case their
// websocket endpoints answer 501.
func New(addr string, eng *engine.Engine, capture *transcript.Channel, sub Subscriber, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  eng,
		capture: capture,
		events:  sub,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler returns the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.listSessions)
		r.Post("/sessions", s.createSession)
		r.Get("/sessions/active", s.activeSession)
		r.Put("/sessions/active", s.selectSession)
		r.Get("/sessions/{id}/journal", s.sessionJournal)
		r.Get("/journal", s.journalStats)
		r.Post("/messages", s.postMessage)
		r.Post("/capture/start", s.startCapture)
		r.Post("/capture/stop", s.stopCapture)
	})
	r.Get("/ws/capture", s.captureSocket)
	r.Get("/ws/events", s.eventSocket)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	s.httpSrv.BaseContext = func(net.Listener) context.Context { return ctx }

	eg.Go(func() error {
		s.logger.Info("starting http server", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		s.logger.Info("http server stopped")
		return nil
	})
	return eg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}

type selectRequest struct {
	Index *int `json:"index"`
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.engine.Store().List())
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.NewSession(r.Context())
	if err != nil {
		s.engineError(w, err)
		return
	}
	JSON(w, http.StatusCreated, sum)
}

func (s *Server) activeSession(w http.ResponseWriter, r *http.Request) {
	store := s.engine.Store()
	JSON(w, http.StatusOK, map[string]any{
		"index":   store.ActiveIndex(),
		"session": store.Active(),
	})
}

func (s *Server) selectSession(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decode(r, &req); err != nil || req.Index == nil {
		Error(w, http.StatusBadRequest, "index is required")
		return
	}
	if err := s.engine.Select(r.Context(), *req.Index); err != nil {
		s.engineError(w, err)
		return
	}
	s.activeSession(w, r)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.engine.Submit(r.Context(), req.Text); err != nil {
		s.engineError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) sessionJournal(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		Error(w, http.StatusNotImplemented, "journal disabled")
		return
	}
	id := chi.URLParam(r, "id")
	msgs, err := s.history.Transcript(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to read journal", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": msgs})
}

func (s *Server) journalStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		Error(w, http.StatusNotImplemented, "journal disabled")
		return
	}
	sessions, utterances, err := s.history.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]int{"sessions": sessions, "utterances": utterances})
}

func (s *Server) startCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartCapture(r.Context()); err != nil {
		s.engineError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"capturing": true})
}

func (s *Server) stopCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopCapture(r.Context()); err != nil {
		s.engineError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"capturing": false})
}

// captureSocket reads recognition frames from the browser and pushes them into
// the running capture.
func (s *Server) captureSocket(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil {
		Error(w, http.StatusNotImplemented, transcript.ErrCaptureUnsupported.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("capture websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("capture websocket closed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := transcript.DecodeEvent(data)
		if err != nil {
			s.logger.Warn("dropping recognition frame", "error", err)
			continue
		}
		if err := s.capture.Push(ctx, ev); err != nil {
			if errors.Is(err, transcript.ErrNotCapturing) {
				s.logger.Debug("recognition frame while not capturing", "result_index", ev.ResultIndex)
				continue
			}
			return
		}
	}
}

// eventSocket streams engine events to the browser as JSON envelopes.
func (s *Server) eventSocket(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		Error(w, http.StatusNotImplemented, "event stream unavailable")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("events websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	envs, err := s.events.Subscribe(ctx)
	if err != nil {
		s.logger.Error("failed to subscribe to events", "error", err)
		return
	}

	// The read side only watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			data, err := sonic.Marshal(env)
			if err != nil {
				s.logger.Warn("failed to encode event", "type", env.Type, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("events websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) engineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidSessionIndex):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transcript.ErrCaptureUnsupported):
		Error(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, engine.ErrStopped):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return sonic.Unmarshal(body, v)
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
