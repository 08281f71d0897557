// Command steamidfilter runs the third-party account validation pipeline:
// ingress HTTP server, persistent queue, connection pool, validation client
// and the single-worker scheduling loop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/api"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/client"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/config"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/pool"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/queue"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/remote"
	"github.com/dmitry-ulyanichev/marv1n-steam-id-filter/internal/worker"
)

var simulateErrors bool

const shutdownGrace = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "steamidfilter",
		Short:         "Validates third-party gaming account ids and forwards passing ones downstream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingress server and the worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	serveCmd.Flags().BoolVar(&simulateErrors, "simulate-errors", false,
		"expose the testing-only fault-injection hook on the connection pool (refused outside ENV=dev/test)")
	root.AddCommand(serveCmd)
	root.RunE = serveCmd.RunE

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if simulateErrors && cfg.Env != "dev" && cfg.Env != "test" {
		return fmt.Errorf("main: --simulate-errors requires ENV=dev or ENV=test, got %q", cfg.Env)
	}

	existence := remote.NewExistenceChecker(cfg.RemoteExistenceURLPrefix)
	writer := remote.NewWriter(cfg.Downstream.URL, cfg.Downstream.APIKey)

	q, err := queue.Open(filepath.Join(cfg.Data.Dir, "profiles_queue.json"), existence, log.With().Str("component", "queue").Logger())
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	p, err := pool.Open(filepath.Join(cfg.Data.Dir, "config_proxies.json"), log.With().Str("component", "pool").Logger())
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	vc := client.New(client.Config{
		APIBaseURL:       cfg.AccountService.APIBaseURL,
		CommunityBaseURL: cfg.AccountService.CommunityBaseURL,
		APIKey:           cfg.AccountService.APIKey,
	}, p, log.With().Str("component", "client").Logger())

	w := worker.New(worker.Config{
		TickDelay:         cfg.Worker.TickDelay,
		EmptyQueueDelay:   cfg.Worker.EmptyQueueDelay,
		SweepInterval:     cfg.Worker.SweepInterval,
		SmokeTestInterval: cfg.Worker.SmokeTestInterval,
		SmokeTestURL:      cfg.Worker.SmokeTestURL,
	}, q, p, vc, writer, log.With().Str("component", "worker").Logger())

	ingress := api.New(q, p, p, simulateErrors, cfg.Ingress.APIKey, "", cfg.Ingress.Port, log.With().Str("component", "api").Logger())

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(workerCtx)
	}()

	go func() {
		log.Info().Str("addr", ingress.Server.Addr).Msg("main: ingress server listening")
		if err := ingress.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("main: ingress server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("main: shutdown signal received, stopping re-arming; in-flight work finishes")
	cancelWorker()
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := ingress.Server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("main: ingress server shutdown error")
	}
	return nil
}
