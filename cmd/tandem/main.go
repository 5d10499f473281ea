// Command tandem is a headless conversation-practice voice client. It
// localizes a scenario, holds a live voice session with a conversation
// agent, and exposes the whole flow over a local HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/tandemvox/tandem/internal/api"
	"github.com/tandemvox/tandem/internal/archive"
	"github.com/tandemvox/tandem/internal/config"
	"github.com/tandemvox/tandem/internal/health"
	"github.com/tandemvox/tandem/internal/observe"
	"github.com/tandemvox/tandem/internal/practice"
	"github.com/tandemvox/tandem/internal/translate"
	"github.com/tandemvox/tandem/internal/transport"
	"github.com/tandemvox/tandem/pkg/audio"
	"github.com/tandemvox/tandem/pkg/audio/capture"
	"github.com/tandemvox/tandem/pkg/audio/playback"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tandem: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tandem: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can adjust it at
	// runtime without rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("tandem starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"practice_lang", cfg.Languages.Practice,
		"native_lang", cfg.Languages.Native,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tandem",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Audio ─────────────────────────────────────────────────────────────────
	// Commands are validated up front so a typo in the config fails the
	// process instead of the first session.
	cmds := &audioCommands{
		capture:  cfg.Audio.CaptureCommand,
		playback: cfg.Audio.PlaybackCommand,
	}
	if _, err := capture.NewExecSource(cmds.captureCommand(), audio.CaptureRate); err != nil {
		slog.Error("invalid capture command", "err", err)
		return 1
	}
	sink, err := playback.NewExecSink(cmds.playbackCommand(), audio.PlaybackRate)
	if err != nil {
		slog.Error("invalid playback command", "err", err)
		return 1
	}
	player := playback.New(sink, playback.WithMetrics(metrics))

	// ── Translation ───────────────────────────────────────────────────────────
	translator, err := translate.New(cfg.Translate.URL,
		translate.WithTimeout(time.Duration(cfg.Translate.TimeoutSeconds)*time.Second),
		translate.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to create translation client", "err", err)
		return 1
	}

	// ── Archive (optional) ────────────────────────────────────────────────────
	checkers := []health.Checker{health.Endpoint("translate", cfg.Translate.URL)}
	var store *archive.Store
	if cfg.Archive.PostgresDSN != "" {
		store, err = archive.NewStore(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			slog.Error("failed to open archive database", "err", err)
			return 1
		}
		defer store.Close()
		checkers = append(checkers, health.Database("archive", store))
		slog.Info("session archive enabled")
	}

	// ── Controller ────────────────────────────────────────────────────────────
	practiceCfg := practice.Config{
		Translator:   translator,
		AgentURL:     cfg.Agent.URL,
		PracticeLang: cfg.Languages.Practice,
		NativeLang:   cfg.Languages.Native,
		Modality:     string(cfg.Agent.Modality),
		Player:       player,
		Metrics:      metrics,
		Logger:       logger,
		Dial: func(ctx context.Context, tcfg transport.Config) (practice.Live, error) {
			live, err := transport.Dial(ctx, tcfg,
				transport.WithMetrics(metrics),
				transport.WithLogger(logger),
			)
			if err != nil {
				return nil, err
			}
			return live, nil
		},
		NewRecorder: func(sender capture.EventSender) practice.Recorder {
			// The command was validated at startup; reload validation keeps
			// the invariant, so the parse cannot fail here.
			src, _ := capture.NewExecSource(cmds.captureCommand(), audio.CaptureRate)
			return capture.NewPipeline(src, sender, capture.WithMetrics(metrics))
		},
	}
	if store != nil {
		practiceCfg.Archive = store
	}
	ctrl, err := practice.New(practiceCfg)
	if err != nil {
		slog.Error("failed to create session controller", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if !diff.Any() {
			return
		}
		if diff.LogLevelChanged {
			level.Set(diff.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.AudioChanged {
			if _, err := capture.NewExecSource(new.Audio.CaptureCommand, audio.CaptureRate); err != nil {
				slog.Warn("ignoring invalid capture command from reload", "err", err)
			} else {
				cmds.set(new.Audio.CaptureCommand, new.Audio.PlaybackCommand)
				slog.Info("audio commands updated; capture applies to the next recording")
			}
		}
		if diff.LanguagesChanged {
			slog.Info("language pair changed; applies to the next session",
				"practice", new.Languages.Practice, "native", new.Languages.Native)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP control API ──────────────────────────────────────────────────────
	apiOpts := []api.Option{
		api.WithMetrics(metrics),
		api.WithLogger(logger),
	}
	if store != nil {
		apiOpts = append(apiOpts, api.WithArchive(store))
	}
	server := api.New(ctrl, health.New(checkers...), apiOpts...)
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control API listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("ready — press Ctrl+C to shut down")

	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ctrl.Reset(shutdownCtx)
	if closeErr := player.Close(); closeErr != nil {
		slog.Warn("closing playback", "err", closeErr)
	}
	if telErr := shutdownTelemetry(shutdownCtx); telErr != nil {
		slog.Warn("telemetry shutdown", "err", telErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// audioCommands guards the subprocess command strings so the config watcher
// can swap them while a session is live. New values apply to the next
// recorder or sink built.
type audioCommands struct {
	mu       sync.Mutex
	capture  string
	playback string
}

func (a *audioCommands) captureCommand() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capture
}

func (a *audioCommands) playbackCommand() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playback
}

func (a *audioCommands) set(capture, playback string) {
	a.mu.Lock()
	a.capture = capture
	a.playback = playback
	a.mu.Unlock()
}
