package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tsbridge/internal/datasource"
	"github.com/jmylchreest/tsbridge/internal/filter"
	"github.com/jmylchreest/tsbridge/internal/filter/engine"
	internalhttp "github.com/jmylchreest/tsbridge/internal/http"
	"github.com/jmylchreest/tsbridge/internal/http/handlers"
	"github.com/jmylchreest/tsbridge/internal/netreader"
	"github.com/jmylchreest/tsbridge/internal/relay"
	"github.com/jmylchreest/tsbridge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tsbridge relay server",
	Long: `Start the tsbridge HTTP relay.

The server provides:
- GET /stream?url=...&args=...   filtered stream for an arbitrary source
- GET /stream/{channel}          filtered stream for a configured channel
- /api/v1/sessions               live sessions and their counters
- /api/v1/health, /livez, /readyz
- /metrics                       Prometheus metrics
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 40780, "Port to listen on")
	serveCmd.Flags().Int("max-sessions", 4, "Maximum concurrent relay sessions")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("server.max_sessions", serveCmd.Flags().Lookup("max-sessions"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	logger.Info("starting tsbridge",
		slog.String("version", version.Version),
		slog.String("filter_engine", cfg.Filter.Engine),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("channels", len(cfg.Channels)),
	)

	f, err := engine.New(cfg.Filter, logger)
	if err != nil {
		return fmt.Errorf("creating filter engine: %w", err)
	}
	opener := netreader.New(cfg.Network, componentLogger("netreader"))

	manager := relay.NewManager(relay.ManagerConfig{
		MaxSessions:  cfg.Server.MaxSessions,
		PollInterval: cfg.Player.PollInterval,
		Buffers:      datasource.ConfigFromBuffers(cfg.Buffers),
		DefaultArgs:  filter.SplitArgs(cfg.Filter.DefaultArgs),
	}, f, datasource.NetworkOpener(opener), logger)

	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg.Server), componentLogger("http"), version.Version)

	handlers.NewHealthHandler(version.Version).
		WithSessions(manager).
		WithBreakers(opener.BreakerStats).
		WithFilterEngine(cfg.Filter.Engine).
		Register(server.API())
	handlers.NewSessionsHandler(manager).Register(server.API())
	handlers.NewStreamHandler(manager, cfg.Channels).
		WithLogger(componentLogger("stream")).
		RegisterChiRoutes(server.Router())

	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Debug("channel configured",
			slog.String("channel", name),
			slog.String("args", cfg.Channels[name].Args),
		)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("server ready",
		slog.String("address", cfg.Server.Address()),
		slog.String("docs", fmt.Sprintf("http://%s/docs", cfg.Server.Address())),
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("server stopped", slog.Int("sessions_open", manager.Count()))
	return nil
}
