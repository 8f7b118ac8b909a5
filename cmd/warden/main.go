package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"warden/internal/api"
	"warden/internal/audit"
	"warden/internal/config"
	"warden/internal/engine"
	"warden/internal/fingerprint"
	"warden/internal/ingest"
	"warden/internal/logging"
	"warden/internal/metrics"
	"warden/internal/model"
	"warden/internal/platform"
	"warden/internal/reputation"
	"warden/internal/settings"
	"warden/internal/storage"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "warden",
		Usage:   "chat moderation daemon (repeated-message suppression and escalation)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to YAML or JSON config file",
			Value:   "warden.yaml",
			EnvVars: []string{config.EnvConfigPath},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		checkConfigCmd,
		fingerprintCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation service",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:    "config-poll",
			Usage:   "how often to check the config file for changes",
			Value:   3 * time.Second,
			EnvVars: []string{"WARDEN_CONFIG_POLL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		path := config.ResolvePath(cctx.String("config"))
		if err := ensureConfig(path); err != nil {
			return err
		}
		mgr, err := config.NewManager(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg := mgr.Get()

		logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
		slog.SetDefault(logger)
		logger.Info("starting", "version", versioninfo.Short(), "config", path)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := storage.NewStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		if store != nil {
			defer store.Close()
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("init storage: %w", err)
			}
			logger.Info("storage enabled", "driver", cfg.Storage.Driver)
		}

		events := make(chan model.Event, cfg.Ingest.ChannelBuffer)

		var plat platform.Platform
		var discord *platform.Discord
		if cfg.Discord.Enabled {
			discord, err = platform.NewDiscord(cfg.Discord.Token, cfg.Discord.ActionsPerSecond, cfg.Discord.ActionBurst, logger)
			if err != nil {
				return fmt.Errorf("discord session: %w", err)
			}
			plat = discord
		} else {
			logger.Warn("discord disabled, moderation effects will only be logged")
			plat = platform.NewDryRun(logger)
		}

		auditStore := audit.NewStore(cfg.Audit.StoreLimit)
		activity := metrics.NewStore(cfg.Activity.StoreLimit)
		svc := settings.NewService(cfg.Guilds.Defaults, store, cfg.Guilds.CacheSize, cfg.Guilds.CacheTTL, logger)
		rep := reputation.NewTracker(reputation.Options{
			Min:       cfg.Reputation.Min,
			Max:       cfg.Reputation.Max,
			CacheTTL:  cfg.Reputation.CacheTTL,
			CacheSize: cfg.Reputation.CacheSize,
		}, store, logger)

		eng, err := engine.NewEngine(cfg, engine.Deps{
			Logger:     logger,
			Platform:   plat,
			Settings:   svc,
			Reputation: rep,
			Activity:   activity,
			Audit:      auditStore,
			Store:      store,
		})
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		defer eng.Close()
		eng.Start(ctx, events)

		if discord != nil {
			err := discord.Open(func(ev model.Event) {
				ingest.SendNonBlocking(ctx, events, ev, logger)
			})
			if err != nil {
				return fmt.Errorf("discord gateway: %w", err)
			}
			defer discord.Close()
		}

		ingest.StartREST(ctx, mgr, events, logger)
		ingest.StartTCPStream(ctx, mgr, events, logger)
		ingest.StartFileTail(ctx, mgr, events, logger)
		ingest.StartKafka(ctx, mgr, events, logger)

		api.Start(ctx, api.Deps{
			Config:     mgr,
			Activity:   activity,
			Audit:      auditStore,
			Engine:     eng,
			Settings:   svc,
			Reputation: rep,
			Store:      store,
			Logger:     logger,
			Version:    versioninfo.Short(),
		})

		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			return runMetrics(ctx, cfg.Metrics.Listen, logger)
		})
		eg.Go(func() error {
			mgr.Watch(cctx.Duration("config-poll"), func(next *config.Config) {
				if err := eng.UpdateConfig(next); err != nil {
					logger.Error("config reload rejected", "err", err)
					return
				}
				logger.Info("config reloaded")
			}, func(err error) {
				logger.Warn("config watch error", "err", err)
			}, ctx.Done())
			return nil
		})

		err = eg.Wait()
		logger.Info("shutting down")
		return err
	},
}

func runMetrics(ctx context.Context, listen string, logger *slog.Logger) error {
	if listen == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start metrics endpoint: %w", err)
	}
	return nil
}

// ensureConfig writes a default config when none exists yet.
func ensureConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	slog.Info("config not found, writing defaults", "path", path)
	return config.Save(path, config.DefaultConfig())
}

var checkConfigCmd = &cli.Command{
	Name:  "check-config",
	Usage: "load and validate the config file, then print the effective anti-spam settings",
	Action: func(cctx *cli.Context) error {
		path := config.ResolvePath(cctx.String("config"))
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}
		fmt.Printf("config:        %s\n", path)
		fmt.Printf("window:        %s\n", cfg.AntiSpam.Window)
		fmt.Printf("suppress at:   %d\n", cfg.AntiSpam.SuppressThreshold)
		fmt.Printf("restrict at:   %d\n", cfg.AntiSpam.RestrictThreshold)
		fmt.Printf("restrict for:  %s\n", cfg.AntiSpam.RestrictionDuration)
		fmt.Printf("discord:       %t\n", cfg.Discord.Enabled)
		fmt.Printf("storage:       %t (%s)\n", cfg.Storage.Enabled, cfg.Storage.Driver)
		return nil
	},
}

var fingerprintCmd = &cli.Command{
	Name:      "fingerprint",
	Usage:     "print the content fingerprint used to group repeated messages",
	ArgsUsage: "<text>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return cli.Exit("missing text", 1)
		}
		fmt.Println(fingerprint.Of(strings.Join(cctx.Args().Slice(), " ")).String())
		return nil
	},
}
