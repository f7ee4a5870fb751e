package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/tsbridge/internal/datasource"
	"github.com/jmylchreest/tsbridge/internal/filter"
	"github.com/jmylchreest/tsbridge/internal/filter/engine"
	"github.com/jmylchreest/tsbridge/internal/netreader"
	"github.com/jmylchreest/tsbridge/internal/observability"
	"github.com/jmylchreest/tsbridge/internal/probe"
	"github.com/jmylchreest/tsbridge/pkg/bytesize"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Capture filtered output and list its programs and tracks",
	Long: `Capture the start of a filtered stream and report what survived the
filter: the programs in the PAT, the streams of each PMT, and the tracks a
player would be able to decode.

  tsbridge probe --url http://mirakurun:40772/api/services/3239123608/stream \
    --args "-x 18/38/39 -n -1"`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().String("url", "", "stream URL (required)")
	probeCmd.Flags().String("args", "", "filter arguments (default filter.default_args)")
	probeCmd.Flags().String("bytes", "4MB", "how much filtered output to capture")
	probeCmd.Flags().Duration("timeout", 30*time.Second, "give up capturing after this long")
	probeCmd.Flags().Bool("json", false, "output as JSON instead of YAML")

	_ = probeCmd.MarkFlagRequired("url")
}

// ProbeReport is the output of the probe command.
type ProbeReport struct {
	URL      string          `json:"url" yaml:"url"`
	Args     string          `json:"args" yaml:"args"`
	Captured int64           `json:"captured_bytes" yaml:"captured_bytes"`
	Programs []probe.Program `json:"programs" yaml:"programs"`
	Tracks   []probe.Track   `json:"tracks" yaml:"tracks"`
	Warnings []string        `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func runProbe(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := componentLogger("probe")
	done := observability.TimedOperationWithError(cmd.Context(), logger, "probe", &err)
	defer done()

	uri, _ := cmd.Flags().GetString("url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asJSON, _ := cmd.Flags().GetBool("json")

	args := cfg.Filter.DefaultArgs
	if cmd.Flags().Changed("args") {
		args, _ = cmd.Flags().GetString("args")
	}

	sizeFlag, _ := cmd.Flags().GetString("bytes")
	size, err := bytesize.Parse(sizeFlag)
	if err != nil {
		return fmt.Errorf("parsing --bytes: %w", err)
	}
	if size.Bytes() <= 0 {
		return fmt.Errorf("--bytes must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := engine.New(cfg.Filter, logger)
	if err != nil {
		return err
	}
	ds, err := datasource.New(datasource.ConfigFromBuffers(cfg.Buffers), f,
		datasource.NetworkOpener(netreader.New(cfg.Network, logger)),
		datasource.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if _, err := ds.Open(ctx, datasource.DataSpec{URI: uri, TSArgs: filter.SplitArgs(args)}); err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}

	var captured bytes.Buffer
	r := io.LimitReader(datasource.NewPollingReader(ctx, ds, cfg.Player.PollInterval), size.Bytes())
	_, copyErr := io.Copy(&captured, r)
	if err := ds.Close(); err != nil {
		observability.WithError(logger, err).Warn("closing stream")
	}
	if copyErr != nil && ctx.Err() == nil {
		return fmt.Errorf("capturing stream: %w", copyErr)
	}

	report := ProbeReport{URL: uri, Args: args, Captured: int64(captured.Len())}
	if ctx.Err() != nil {
		report.Warnings = append(report.Warnings, "capture stopped early: "+ctx.Err().Error())
	}

	programs, err := probe.Programs(captured.Bytes())
	switch {
	case errors.Is(err, probe.ErrNoPrograms):
		report.Warnings = append(report.Warnings, err.Error())
	case err != nil:
		return fmt.Errorf("parsing program tables: %w", err)
	}
	report.Programs = programs

	tracks, err := probe.Tracks(bytes.NewReader(captured.Bytes()))
	if err != nil {
		report.Warnings = append(report.Warnings, err.Error())
	}
	report.Tracks = tracks

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	_, err = out.Write(data)
	return err
}
