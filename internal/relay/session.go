package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/tsbridge/internal/datasource"
)

// streamChunkSize is the write size towards the client, a whole number of
// packets.
const streamChunkSize = 188 * 348

// Session is one client playing one stream.
type Session struct {
	ID         uuid.UUID
	Channel    string
	URL        string
	Args       []string
	RemoteAddr string
	UserAgent  string
	StartedAt  time.Time

	// ds is published once Open succeeds; API readers may see nil before.
	ds           atomic.Pointer[datasource.DataSource]
	pollInterval time.Duration
	logger       *slog.Logger
	written      atomic.Int64
}

// SessionInfo is a JSON-friendly snapshot of a session.
type SessionInfo struct {
	ID           string           `json:"id" doc:"Session ID"`
	Channel      string           `json:"channel,omitempty" doc:"Configured channel name, if any"`
	URL          string           `json:"url" doc:"Upstream URL with credentials redacted"`
	Args         []string         `json:"args" doc:"Filter arguments"`
	RemoteAddr   string           `json:"remote_addr,omitempty"`
	UserAgent    string           `json:"user_agent,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	BytesWritten int64            `json:"bytes_written" doc:"Bytes written to the client"`
	Stats        datasource.Stats `json:"stats"`
}

// Info returns a snapshot of the session. It is safe to call while the
// session streams.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:           s.ID.String(),
		Channel:      s.Channel,
		URL:          s.URL,
		Args:         s.Args,
		RemoteAddr:   s.RemoteAddr,
		UserAgent:    s.UserAgent,
		StartedAt:    s.StartedAt,
		BytesWritten: s.written.Load(),
	}
	if ds := s.ds.Load(); ds != nil {
		info.Stats = ds.Stats()
	}
	return info
}

// Stream copies filtered output to w until the upstream ends, w fails or ctx
// is cancelled. End of stream is not an error. w is flushed after every
// write when it supports http.Flusher.
func (s *Session) Stream(ctx context.Context, w io.Writer) (int64, error) {
	r := datasource.NewPollingReader(ctx, s.ds.Load(), s.pollInterval)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)

	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			s.written.Add(int64(wn))
			if werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debug("upstream ended", slog.Int64("bytes", total))
				return total, nil
			}
			return total, err
		}
	}
}
