package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thomasbambino/streamcore/internal/catalog"
	"github.com/thomasbambino/streamcore/internal/config"
	"github.com/thomasbambino/streamcore/internal/database"
	"github.com/thomasbambino/streamcore/internal/epg"
	"github.com/thomasbambino/streamcore/internal/ffmpeg"
	internalhttp "github.com/thomasbambino/streamcore/internal/http"
	"github.com/thomasbambino/streamcore/internal/ledger"
	"github.com/thomasbambino/streamcore/internal/observability"
	"github.com/thomasbambino/streamcore/internal/repository"
	"github.com/thomasbambino/streamcore/internal/scheduler"
	"github.com/thomasbambino/streamcore/internal/startup"
	"github.com/thomasbambino/streamcore/internal/storage"
	"github.com/thomasbambino/streamcore/internal/transcoder"
	"github.com/thomasbambino/streamcore/internal/version"
	"github.com/thomasbambino/streamcore/pkg/format"
)

// hostStatsInterval is how often the host monitor logs a resource snapshot.
const hostStatsInterval = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streamcore server",
	Long: `Start the streamcore HTTP server.

The server provides:
- REST API for session acquire/heartbeat/release and capacity snapshots
- On-demand channel transcodes with HLS playlist and segment serving
- Health check endpoint`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	// Like the root flags, these override config and environment only when
	// explicitly set, so flag defaults never mask configured values.
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "streamcore.db", "Database DSN (file path for sqlite)")
	serveCmd.Flags().String("data-dir", "./data", "Base directory for transcode output")
}

// applyServeFlags folds explicitly-set serve flags into the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("database") {
		cfg.Database.DSN, _ = flags.GetString("database")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.BaseDir, _ = flags.GetString("data-dir")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	logger := slog.Default()

	logHostInfo(context.Background(), logger)

	// A missing ffmpeg degrades the transcode path but the session API
	// still works, so it is a loud warning rather than a startup failure.
	probeFFmpeg(context.Background(), cfg, logger)

	// Initialize database
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	// Run migrations
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return fmt.Errorf("running migrations: %w", err)
	}

	// Initialize repositories
	sessionRepo := repository.NewStreamSessionRepository(db.DB)
	historyRepo := repository.NewViewingHistoryRepository(db.DB)

	// Initialize source catalog and program guide
	sources := catalog.NewStaticCatalog(cfg.Sources)

	var guide epg.Provider
	var xmltvGuide *epg.XMLTVProvider
	if cfg.EPG.Enabled {
		xmltvGuide = epg.NewXMLTVProvider(cfg.EPG, logger)
		guide = xmltvGuide
		logger.Info("program guide enabled",
			slog.Duration("refresh_interval", cfg.EPG.RefreshInterval))
	}

	// Initialize the capacity ledger and restore sessions that were live
	// when the previous process stopped.
	sessionLedger := ledger.New(cfg.Sessions, sessionRepo, sources, guide, logger)
	restored, err := sessionLedger.LoadActive(context.Background())
	if err != nil {
		db.Close()
		return fmt.Errorf("restoring live sessions: %w", err)
	}
	if restored > 0 {
		logger.Info("restored live sessions", slog.Int("count", restored))
	}
	// Sessions that went stale while the process was down are reaped now
	// rather than holding capacity until the first scheduled sweep.
	if _, err := sessionLedger.ReapStale(context.Background(), cfg.Sessions.StaleThreshold); err != nil {
		logger.Warn("initial stale-session reap failed", slog.String("error", err.Error()))
	}

	// Initialize storage sandboxes and clear output left by a previous run
	sandbox, err := storage.NewSandbox(cfg.Storage.BaseDir)
	if err != nil {
		db.Close()
		return fmt.Errorf("initializing storage: %w", err)
	}
	outputSandbox, err := sandbox.SubSandbox(cfg.Storage.OutputDir)
	if err != nil {
		db.Close()
		return fmt.Errorf("initializing output storage: %w", err)
	}
	if removed, err := startup.CleanupOutputRoot(logger, outputSandbox); err != nil {
		logger.Warn("failed to clean stale transcode output",
			slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned stale transcode output on startup",
			slog.Int("removed_count", removed))
	}

	// Initialize the transcode supervisor
	supervisor := transcoder.New(cfg.Transcoder, outputSandbox, transcoder.NewFFmpegFactory(cfg.Transcoder), logger)

	// Initialize the maintenance scheduler
	collector := observability.NewStatsCollector(cfg.Storage.BaseDir)
	sched := scheduler.New(logger)
	jobs := []scheduler.Job{
		{
			Name:     "session-reaper",
			Schedule: "@every " + cfg.Sessions.ReapInterval.String(),
			Run: func(ctx context.Context) error {
				_, err := sessionLedger.ReapStale(ctx, cfg.Sessions.StaleThreshold)
				return err
			},
		},
		{
			Name:     "idle-worker-sweep",
			Schedule: "@every " + cfg.Transcoder.SweepInterval.String(),
			Run: func(ctx context.Context) error {
				supervisor.SweepIdle(cfg.Transcoder.IdleTimeout)
				return nil
			},
		},
		{
			Name:     "host-stats",
			Schedule: "@every " + hostStatsInterval.String(),
			Run: func(ctx context.Context) error {
				logHostStats(ctx, collector, logger)
				return nil
			},
		},
	}
	if xmltvGuide != nil {
		jobs = append(jobs, scheduler.Job{
			Name:     "epg-refresh",
			Schedule: "@every " + cfg.EPG.RefreshInterval.String(),
			Run:      xmltvGuide.Refresh,
		})
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			db.Close()
			return fmt.Errorf("registering job %q: %w", job.Name, err)
		}
	}

	// Initialize HTTP server
	server := internalhttp.NewServer(cfg.Server, internalhttp.Deps{
		Ledger:     sessionLedger,
		Supervisor: supervisor,
		History:    historyRepo,
		Scheduler:  sched,
		DB:         db,
		Guide:      xmltvGuide,
		Output:     outputSandbox,
		Version:    version.Version,
	}, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := sched.Start(ctx); err != nil {
		db.Close()
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// Start server
	logger.Info("starting streamcore server",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.Int("sources", len(cfg.Sources)),
	)

	serveErr := server.ListenAndServe(ctx)

	// Reverse of startup order: the HTTP server has drained, so stop the
	// maintenance jobs, kill the transcode workers, close the database.
	sched.Stop()
	if stopped := supervisor.StopAll(); stopped > 0 {
		logger.Info("stopped transcode workers", slog.Int("count", stopped))
	}
	if err := db.Close(); err != nil {
		logger.Warn("closing database", slog.String("error", err.Error()))
	}

	return serveErr
}

// probeFFmpeg resolves and validates the ffmpeg installation, folding the
// detected binary path into the config when none is set.
func probeFFmpeg(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	info, err := ffmpeg.NewBinaryDetector().WithPath(cfg.Transcoder.FFmpegPath).Detect(ctx)
	if err != nil {
		logger.Warn("ffmpeg not detected, transcode requests will fail",
			slog.String("error", err.Error()))
		return
	}

	cfg.Transcoder.FFmpegPath = info.FFmpegPath
	logger.Info("detected ffmpeg",
		slog.String("path", cfg.Transcoder.FFmpegPath),
		slog.String("version", info.Version))

	// Encoder detection is best effort, so only a populated list vetoes.
	if len(info.Encoders) == 0 {
		return
	}
	for _, codec := range []string{cfg.Transcoder.VideoCodec, cfg.Transcoder.AudioCodec} {
		if codec != "" && !info.HasEncoder(codec) {
			logger.Warn("configured codec has no encoder in this ffmpeg build",
				slog.String("codec", codec))
		}
	}
}

// logHostInfo emits one line identifying the machine, once at startup.
func logHostInfo(ctx context.Context, logger *slog.Logger) {
	info := observability.ReadHostInfo(ctx)
	logger.Info("host info",
		slog.String("hostname", info.Hostname),
		slog.String("platform", info.Platform),
		slog.String("os", info.OS),
		slog.Int("cpu_cores", info.Cores),
		slog.String("memory_total", format.Bytes(int64(info.MemoryTotal))),
	)
}

// logHostStats emits one host resource snapshot. Transcoding saturates CPU
// and the segment filesystem first, so those lead the line.
func logHostStats(ctx context.Context, collector *observability.StatsCollector, logger *slog.Logger) {
	stats := collector.Collect(ctx)
	args := []any{
		slog.Float64("cpu_percent", stats.CPUPercent),
		slog.Float64("load_1m", stats.Load1),
		slog.Float64("memory_percent", stats.MemoryPercent),
		slog.Float64("disk_percent", stats.DiskPercent),
		slog.String("disk_free", format.Bytes(int64(stats.DiskFree))),
		slog.String("net_sent_rate", format.Bytes(int64(stats.NetSentPerSec))+"/s"),
		slog.String("net_recv_rate", format.Bytes(int64(stats.NetRecvPerSec))+"/s"),
	}
	// Stall percentages only exist on Linux; skip the noise elsewhere.
	if psi := stats.CPUPressure; psi != nil {
		args = append(args, slog.Float64("cpu_stall_pct", psi.Avg10))
	}
	if psi := stats.IOPressure; psi != nil {
		args = append(args, slog.Float64("io_stall_pct", psi.Avg10))
	}
	logger.Info("host stats", args...)
}
