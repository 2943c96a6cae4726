package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"convoscore/internal/llm"
	"convoscore/internal/llm/aiproxy"
	"convoscore/internal/llm/mock"
	"convoscore/internal/rubric"
	"convoscore/internal/scheduler"
	"convoscore/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the evaluation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Server.LogLevel)

			store, err := openStore(logger, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = store.Close() }()

			rubrics, err := rubric.NewRegistry(cfg.Rubrics.Dir, cfg.Rubrics.DefaultID)
			if err != nil {
				return fmt.Errorf("load rubrics: %w", err)
			}

			var client llm.Client
			switch cfg.Evaluator.Provider {
			case "mock":
				client = mock.New(cfg.Evaluator.Mock)
			case "aiproxy":
				client = aiproxy.New(cfg.Evaluator.AIProxy, cfg.Evaluator.SystemPrompt, cfg.Evaluator.Timeout)
			default:
				return fmt.Errorf("unsupported evaluator provider %q", cfg.Evaluator.Provider)
			}

			sched := scheduler.New(logger, store, client, rubrics, scheduler.Options{
				MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
				MaxRetries:        cfg.Worker.MaxRetries,
				PollingInterval:   cfg.Worker.PollingInterval,
				CallTimeout:       cfg.Evaluator.Timeout,
				RequestsPerMinute: cfg.Worker.RequestsPerMinute,
			})
			rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := sched.Start(rootCtx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			svc := &server.Service{
				Log:       logger,
				Cfg:       cfg,
				Store:     store,
				Rubrics:   rubrics,
				Evaluator: sched,
			}
			httpSrv := server.NewHTTPServer(svc)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server starting", "address", cfg.Server.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-rootCtx.Done():
				logger.Info("shutdown signal received")
			case err := <-errCh:
				if err != nil {
					logger.Error("server error", "err", err)
				}
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
			defer cancelShutdown()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "err", err)
			}
			sched.Shutdown(cfg.Server.ShutdownGrace)
			logger.Info("server stopped")
			return nil
		},
	}
}
