package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tsbridge/internal/datasource"
	"github.com/jmylchreest/tsbridge/internal/filter"
	"github.com/jmylchreest/tsbridge/internal/filter/engine"
	"github.com/jmylchreest/tsbridge/internal/netreader"
	"github.com/jmylchreest/tsbridge/internal/observability"
	"github.com/jmylchreest/tsbridge/pkg/bytesize"
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Filter a stream into a file or stdout",
	Long: `Open a stream, run it through the configured filter engine and write the
filtered transport stream to a file, or to stdout when no output is given.

Playback ends at end of stream, after --duration, after --max-bytes, or on
SIGINT/SIGTERM. Stopping early is not an error.

  tsbridge play --url http://mirakurun:40772/api/services/3239123608/stream \
    --args "-x 18/38/39 -n -1" --duration 30s -o nhk.ts`,
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().String("url", "", "stream URL (required)")
	playCmd.Flags().String("args", "", "filter arguments (default filter.default_args)")
	playCmd.Flags().StringP("output", "o", "-", "output file, - for stdout")
	playCmd.Flags().String("max-bytes", "", "stop after this many filtered bytes, e.g. 64MB")
	playCmd.Flags().Duration("duration", 0, "stop after this long (0 = until end of stream)")

	_ = playCmd.MarkFlagRequired("url")
}

func runPlay(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := componentLogger("play")

	uri, _ := cmd.Flags().GetString("url")
	output, _ := cmd.Flags().GetString("output")
	playFor, _ := cmd.Flags().GetDuration("duration")

	args := cfg.Filter.DefaultArgs
	if cmd.Flags().Changed("args") {
		args, _ = cmd.Flags().GetString("args")
	}

	var maxBytes int64
	if s, _ := cmd.Flags().GetString("max-bytes"); s != "" {
		size, err := bytesize.Parse(s)
		if err != nil {
			return fmt.Errorf("parsing --max-bytes: %w", err)
		}
		maxBytes = size.Bytes()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if playFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, playFor)
		defer cancel()
	}

	f, err := engine.New(cfg.Filter, logger)
	if err != nil {
		return err
	}
	opener := netreader.New(cfg.Network, logger)

	ds, err := datasource.New(datasource.ConfigFromBuffers(cfg.Buffers), f, datasource.NetworkOpener(opener),
		datasource.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	length, err := ds.Open(ctx, datasource.DataSpec{URI: uri, TSArgs: filter.SplitArgs(args)})
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer func() {
		if err := ds.Close(); err != nil {
			observability.WithError(logger, err).Warn("closing stream")
		}
	}()

	out, closeOut, err := openOutput(cmd, output)
	if err != nil {
		return err
	}
	defer closeOutput(&err, closeOut)

	var r io.Reader = datasource.NewPollingReader(ctx, ds, cfg.Player.PollInterval)
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes)
	}

	logger.Info("playing",
		slog.String("url", uri),
		slog.String("args", args),
		slog.Int64("content_length", length),
		slog.String("output", output),
	)

	start := time.Now()
	n, err := io.Copy(out, r)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("playing stream: %w", err)
	}

	reason := "end of stream"
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = "duration reached"
	case ctx.Err() != nil:
		reason = "interrupted"
	case maxBytes > 0 && n >= maxBytes:
		reason = "max bytes reached"
	}

	stats := ds.Stats()
	logger.Info("playback finished",
		slog.String("reason", reason),
		slog.Int64("bytes_written", n),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int64("bytes_received", stats.BytesReceived),
		slog.Int64("zero_reads", stats.ZeroReads),
		slog.Duration("network_p99", stats.NetworkP99),
	)
	return nil
}

// openOutput returns the writer for path and its closer. Stdout is never
// closed.
func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output: %w", err)
	}
	return file, file.Close, nil
}

// closeOutput joins the closer's error into *errp; a file that fails to
// close may not hold everything written to it.
func closeOutput(errp *error, closeOut func() error) {
	if cerr := closeOut(); cerr != nil {
		*errp = errors.Join(*errp, fmt.Errorf("closing output: %w", cerr))
	}
}
