package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/tsbridge/internal/config"
	"github.com/jmylchreest/tsbridge/internal/datasource"
	"github.com/jmylchreest/tsbridge/internal/filter"
	"github.com/jmylchreest/tsbridge/internal/http/middleware"
	"github.com/jmylchreest/tsbridge/internal/relay"
)

// SessionRunner starts and finishes relay sessions.
type SessionRunner interface {
	Start(ctx context.Context, req relay.Request) (*relay.Session, error)
	Finish(s *relay.Session) error
}

// StreamHandler serves filtered transport streams to players.
type StreamHandler struct {
	relay    SessionRunner
	channels map[string]config.ChannelConfig
	logger   *slog.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(runner SessionRunner, channels map[string]config.ChannelConfig) *StreamHandler {
	return &StreamHandler{
		relay:    runner,
		channels: channels,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger.
func (h *StreamHandler) WithLogger(logger *slog.Logger) *StreamHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// RegisterChiRoutes registers the streaming routes as raw chi handlers, since
// the body is an unbounded byte stream.
func (h *StreamHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/stream", h.handleURL)
	router.Get("/stream/{channel}", h.handleChannel)
}

func (h *StreamHandler) handleURL(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("url")
	if src == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	h.serve(w, r, relay.Request{
		URL:  src,
		Args: filter.SplitArgs(r.URL.Query().Get("args")),
	})
}

func (h *StreamHandler) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")
	ch, ok := h.channels[name]
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	args := ch.Args
	if override := r.URL.Query().Get("args"); override != "" {
		args = override
	}
	h.serve(w, r, relay.Request{
		URL:     ch.URL,
		Args:    filter.SplitArgs(args),
		Channel: name,
	})
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, req relay.Request) {
	req.RemoteAddr = r.RemoteAddr
	req.UserAgent = r.UserAgent()

	logger := h.logger.With(slog.String("request_id", middleware.GetRequestID(r.Context())))

	s, err := h.relay.Start(r.Context(), req)
	if err != nil {
		status := startErrorStatus(err)
		logger.Warn("failed to start stream",
			slog.String("channel", req.Channel),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
		}
		http.Error(w, http.StatusText(status)+": "+firstLine(err.Error()), status)
		return
	}
	defer func() {
		if err := h.relay.Finish(s); err != nil {
			logger.Warn("session close failed", slog.String("error", err.Error()))
		}
	}()

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("X-Session-ID", s.ID.String())
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	n, err := s.Stream(r.Context(), w)
	switch {
	case err == nil:
		logger.Info("stream finished", slog.String("session_id", s.ID.String()), slog.Int64("bytes", n))
	case r.Context().Err() != nil:
		logger.Info("client disconnected", slog.String("session_id", s.ID.String()), slog.Int64("bytes", n))
	default:
		logger.Warn("stream aborted",
			slog.String("session_id", s.ID.String()),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()),
		)
	}
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, datasource.ErrFilterInit):
		return http.StatusBadRequest
	case errors.Is(err, datasource.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
