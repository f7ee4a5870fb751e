// Package relay runs player-facing playback sessions. Each session owns one
// data source and streams its filtered output to a single client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/tsbridge/internal/datasource"
	"github.com/jmylchreest/tsbridge/internal/filter"
	"github.com/jmylchreest/tsbridge/internal/observability"
)

// ErrSessionNotFound is returned when a session ID is unknown.
var ErrSessionNotFound = errors.New("relay session not found")

// ErrTooManySessions is returned when MaxSessions sessions are already running.
var ErrTooManySessions = errors.New("too many relay sessions")

// ManagerConfig holds configuration for the relay manager.
type ManagerConfig struct {
	// MaxSessions is the maximum number of concurrent sessions.
	MaxSessions int
	// PollInterval paces re-polls after a zero read.
	PollInterval time.Duration
	// Buffers sizes each session's staging buffers.
	Buffers datasource.Config
	// DefaultArgs are the filter arguments for requests that carry none.
	DefaultArgs []string
}

// DefaultManagerConfig returns the defaults used by serve.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxSessions:  4,
		PollInterval: datasource.DefaultPollInterval,
		Buffers:      datasource.DefaultConfig(),
	}
}

// Request describes what a client asked to play.
type Request struct {
	URL        string
	Args       []string
	Channel    string
	RemoteAddr string
	UserAgent  string
}

// Manager tracks live sessions and enforces the session limit. One filter
// engine is shared by every session; each session holds its own handle.
type Manager struct {
	config ManagerConfig
	filter filter.Filter
	opener datasource.Opener
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a relay manager.
func NewManager(config ManagerConfig, f filter.Filter, opener datasource.Opener, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultManagerConfig().MaxSessions
	}
	if config.PollInterval <= 0 {
		config.PollInterval = datasource.DefaultPollInterval
	}

	return &Manager{
		config:   config,
		filter:   f,
		opener:   opener,
		logger:   observability.WithComponent(logger, "relay"),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Start reserves a session slot and opens the data source for req. The
// returned session must be released with Finish.
func (m *Manager) Start(ctx context.Context, req Request) (*Session, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	args := req.Args
	if len(args) == 0 {
		args = m.config.DefaultArgs
	}

	s := &Session{
		ID:         uuid.New(),
		Channel:    req.Channel,
		URL:        redactURL(req.URL),
		Args:       args,
		RemoteAddr: req.RemoteAddr,
		UserAgent:  req.UserAgent,
		StartedAt:  time.Now(),

		pollInterval: m.config.PollInterval,
	}
	s.logger = observability.WithSession(m.logger, s.ID.String())

	m.mu.Lock()
	if len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	ds, err := datasource.New(m.config.Buffers, m.filter, m.opener, datasource.WithLogger(s.logger))
	if err != nil {
		m.remove(s.ID)
		return nil, err
	}

	length, err := ds.Open(ctx, datasource.DataSpec{URI: req.URL, TSArgs: args})
	if err != nil {
		m.remove(s.ID)
		return nil, err
	}

	s.ds.Store(ds)
	s.logger.Info("relay session started",
		slog.String("url", s.URL),
		slog.String("channel", s.Channel),
		slog.Any("args", args),
		slog.Int64("content_length", length),
	)
	return s, nil
}

// Finish closes the session's data source and forgets the session.
func (m *Manager) Finish(s *Session) error {
	m.remove(s.ID)
	ds := s.ds.Load()
	if ds == nil {
		return nil
	}

	err := ds.Close()
	stats := ds.Stats()
	s.logger.Info("relay session finished",
		slog.Duration("duration", time.Since(s.StartedAt)),
		slog.Int64("bytes_delivered", stats.BytesDelivered),
	)
	return err
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id uuid.UUID) (SessionInfo, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	return s.Info(), nil
}

// Sessions returns snapshots of all live sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// MaxSessions returns the configured session limit.
func (m *Manager) MaxSessions() int {
	return m.config.MaxSessions
}

// redactURL hides any password carried in the stream URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
