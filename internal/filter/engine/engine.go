// Package engine builds the configured filter engine.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/tsbridge/internal/config"
	"github.com/jmylchreest/tsbridge/internal/filter"
	"github.com/jmylchreest/tsbridge/internal/filter/pidfilter"
	"github.com/jmylchreest/tsbridge/internal/filter/procfilter"
	"github.com/jmylchreest/tsbridge/internal/observability"
)

// New returns the engine selected by cfg.Engine, instrumented with metrics.
func New(cfg config.FilterConfig, logger *slog.Logger) (filter.Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "filter")

	var f filter.Filter
	switch cfg.Engine {
	case config.EngineGo, "":
		f = pidfilter.New(logger)
	case config.EngineProcess:
		f = procfilter.New(procfilter.Config{
			BinaryPath:  cfg.BinaryPath,
			MaxInput:    cfg.MaxInput.Int(),
			MaxOutput:   cfg.MaxOutput.Int(),
			KillTimeout: cfg.KillTimeout,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("unknown filter engine %q", cfg.Engine)
	}

	return filter.Instrument(f, logger), nil
}
