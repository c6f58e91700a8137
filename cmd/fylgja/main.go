// Fylgja relays chat prompts from its front-ends through a whitelist, a
// per-user chat log, and a token-budgeted context builder to an
// OpenAI-compatible completion provider, then delivers the replies back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/williamsonf/fylgja/pkg/auth"
	"github.com/williamsonf/fylgja/pkg/chat"
	"github.com/williamsonf/fylgja/pkg/completion"
	"github.com/williamsonf/fylgja/pkg/config"
	"github.com/williamsonf/fylgja/pkg/dispatch"
	"github.com/williamsonf/fylgja/pkg/frontend"
	"github.com/williamsonf/fylgja/pkg/history"
	"github.com/williamsonf/fylgja/pkg/logging"
	"github.com/williamsonf/fylgja/pkg/model"
	"github.com/williamsonf/fylgja/pkg/queue"
	"github.com/williamsonf/fylgja/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fylgja: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log.Dir)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Log.Level))

	// The whitelist is loaded once at startup; a malformed or conflicting
	// file refuses to serve anyone.
	list, err := auth.LoadWhitelist(cfg.Whitelist)
	if err != nil {
		return err
	}
	logger.Info(logging.CategoryConfig, "whitelist_loaded", "allow-list ready", map[string]any{
		"path":    cfg.Whitelist,
		"users":   list.Len(),
		"sources": list.Sources(),
	})

	store, err := history.NewStore(cfg.ChatLogDir)
	if err != nil {
		return err
	}

	q := queue.New(cfg.QueueCapacity)
	authenticator := auth.NewAuthenticator(list, store, logger)
	builder := chat.NewBuilder(nil, cfg.SystemPrompt, logger)
	client := model.NewClient(cfg.Model.APIKey, cfg.Model.BaseURL)
	completer := completion.NewService(client, cfg.Model.Name, cfg.RetryLimit, logger)

	registry := frontend.NewRegistry()
	if cfg.Frontends.CLI.Enabled {
		cli := frontend.NewCLI(q, cfg.Frontends.CLI.UserID, os.Stdin, os.Stdout, logger)
		if err := registry.Register(cli); err != nil {
			return err
		}
	}
	if cfg.Frontends.Discord.Token != "" {
		dc := frontend.NewDiscord(q, cfg.Frontends.Discord.Token, logger, nil)
		if err := registry.Register(dc); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := telemetry.NewServer(cfg.Metrics.Addr)
		g.Go(func() error {
			logger.Info(logging.CategoryConfig, "metrics_listening", "prometheus endpoint up", map[string]any{
				"addr": cfg.Metrics.Addr,
			})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	dispatcher := dispatch.New(q, authenticator, builder, completer, registry, logger)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	for _, fe := range registry.All() {
		fe := fe
		g.Go(func() error {
			return fe.Start(ctx)
		})
	}

	err = g.Wait()
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, frontend.ErrShutdownRequested):
		logger.Info(logging.CategoryConfig, "shutdown", "stopped cleanly", nil)
		return nil
	default:
		return err
	}
}
