package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/batchchain/internal/chain"
	"github.com/mtzanidakis/batchchain/internal/classifier"
	"github.com/mtzanidakis/batchchain/internal/config"
	"github.com/mtzanidakis/batchchain/internal/delivery"
	"github.com/mtzanidakis/batchchain/internal/directory"
	"github.com/mtzanidakis/batchchain/internal/gateway"
	"github.com/mtzanidakis/batchchain/internal/ipc"
	"github.com/mtzanidakis/batchchain/internal/natsbus"
	"github.com/mtzanidakis/batchchain/internal/provider/anthropic"
	"github.com/mtzanidakis/batchchain/internal/provider/openai"
	"github.com/mtzanidakis/batchchain/internal/scheduler"
	"github.com/mtzanidakis/batchchain/internal/store"
	"github.com/mtzanidakis/batchchain/internal/telegram"
	"github.com/mtzanidakis/batchchain/internal/vault"
	"github.com/mtzanidakis/batchchain/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func runServe() error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	slog.Info("starting batchchain", "version", version, "config", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer client.Close()

	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		if v, err = vault.New(cfg.Vault.Passphrase); err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	}

	gw, err := buildGateway(cfg, db, v)
	if err != nil {
		return err
	}
	if !gw.HasProviders() {
		slog.Warn("no providers configured, chains will fail until one is added")
	}

	dir, err := directory.New(cfg)
	if err != nil {
		return fmt.Errorf("init directory: %w", err)
	}

	sink := delivery.New(cfg.Archive, client)

	repo := chain.NewStoreRepository(db)
	driver := chain.New(chain.Deps{
		Repo:       repo,
		Jobs:       repo,
		Gateway:    gw,
		Directory:  dir,
		Classifier: classifier.New(dir, cfg.Classifier.Model),
		Sink:       sink,
		Publisher:  client,
		MaxTokens:  cfg.Defaults.MaxTokens,
	})

	sched := scheduler.New(repo, driver, db, cfg.Scheduler)
	driver.SetWaker(sched.Wake)
	go sched.Start(ctx)

	if _, err := ipc.Serve(ctx, client, driver); err != nil {
		return fmt.Errorf("init ipc: %w", err)
	}

	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, driver)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		sink.AddNotifier(bot)
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		defer bot.Stop()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, driver, dir, gw, v, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	current := cfg
	go func() {
		err := config.Watch(ctx, path, func(next *config.Config) {
			diff := config.Diff(current, next)
			for _, field := range diff.NonReloadable {
				slog.Warn("config change requires restart", "field", field)
			}
			if diff.DirectoryChanged {
				if err := dir.Update(next); err != nil {
					slog.Error("reload directory failed", "error", err)
					return
				}
				slog.Info("directory reloaded")
			}
			if diff.SchedulerChanged {
				sched.UpdateConfig(diff.NewScheduler)
			}
			current = next
		})
		if err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	if err := db.Checkpoint(); err != nil {
		slog.Warn("store checkpoint failed", "error", err)
	}
	return nil
}

// buildGateway registers one backend per configured provider. Keys of the
// form "secret:<name>" are opened from the vault.
func buildGateway(cfg *config.Config, db *store.Store, v *vault.Vault) (*gateway.Gateway, error) {
	gw := gateway.New()
	lookup := func(name string) ([]byte, error) {
		sec, err := db.GetSecret(name)
		if err != nil || sec == nil {
			return nil, err
		}
		return sec.Value, nil
	}

	for name, pc := range cfg.Providers {
		key := pc.APIKey
		if strings.HasPrefix(key, vault.SecretPrefix) {
			if v == nil {
				return nil, fmt.Errorf("provider %s: key is a vault secret but no vault passphrase is set", name)
			}
			resolved, err := v.Resolve(key, lookup)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			key = resolved
		}
		if key == "" {
			slog.Warn("provider has no api key, skipping", "provider", name)
			continue
		}

		var p gateway.Provider
		switch pc.Type {
		case "anthropic":
			p = anthropic.New(name, key, pc.BaseURL, cfg.Defaults.MaxTokens)
		case "openai":
			p = openai.New(name, key, pc.BaseURL, cfg.Defaults.MaxTokens)
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", name, pc.Type)
		}
		gw.Register(p, pc.Models, pc.RateLimit)
		slog.Info("provider registered", "provider", name, "type", pc.Type, "models", pc.Models)
	}
	return gw, nil
}
