package datasource

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPollInterval paces re-polls after a zero read.
const DefaultPollInterval = 20 * time.Millisecond

// Source is the three-way read contract implemented by DataSource.
type Source interface {
	Read(buf []byte, offset, length int) (int, error)
}

type pollingReader struct {
	ctx     context.Context
	src     Source
	limiter *rate.Limiter
}

// NewPollingReader turns src into a blocking io.Reader. A zero read is
// retried at most once per interval until data, end of stream or ctx
// cancellation.
func NewPollingReader(ctx context.Context, src Source, interval time.Duration) io.Reader {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &pollingReader{
		ctx:     ctx,
		src:     src,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (r *pollingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}

		n, err := r.src.Read(p, 0, len(p))
		if err != nil {
			return n, err
		}
		if n > 0 {
			return n, nil
		}

		if err := r.limiter.Wait(r.ctx); err != nil {
			// Wait fails early when the next token lies past the deadline.
			<-r.ctx.Done()
			return 0, r.ctx.Err()
		}
	}
}
