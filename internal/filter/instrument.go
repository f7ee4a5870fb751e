package filter

import (
	"log/slog"

	"github.com/jmylchreest/tsbridge/internal/metrics"
)

type instrumented struct {
	next   Filter
	logger *slog.Logger
}

// Instrument wraps f so that pushed and popped bytes and open failures are
// recorded in the process metrics.
func Instrument(f Filter, logger *slog.Logger) Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &instrumented{next: f, logger: logger}
}

func (i *instrumented) OpenFilter(args []string) (Handle, error) {
	h, err := i.next.OpenFilter(args)
	if err != nil || !h.Valid() {
		metrics.IncFilterOpenFailure()
		return h, err
	}
	i.logger.Debug("filter opened",
		slog.Any("handle", h),
		slog.Any("args", args),
	)
	return h, nil
}

func (i *instrumented) PushDataBuffer(h Handle, data []byte) error {
	if err := i.next.PushDataBuffer(h, data); err != nil {
		return err
	}
	metrics.AddBytes(metrics.StagePushed, len(data))
	return nil
}

func (i *instrumented) PopDataBuffer(h Handle, out []byte) (int, error) {
	n, err := i.next.PopDataBuffer(h, out)
	metrics.AddBytes(metrics.StagePopped, n)
	return n, err
}

func (i *instrumented) CloseFilter(h Handle) error {
	err := i.next.CloseFilter(h)
	i.logger.Debug("filter closed",
		slog.Any("handle", h),
		slog.Bool("ok", err == nil),
	)
	return err
}
