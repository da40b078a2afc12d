package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/chatgate"
	"github.com/ineyio/chatgate/meter"
	"github.com/ineyio/chatgate/pipeline/httpstream"
	"github.com/ineyio/chatgate/pipeline/mock"
	"github.com/ineyio/chatgate/policy"
	"github.com/ineyio/chatgate/server"
)

var serveFlags struct {
	listenAddress string
	mockPipeline  bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with the specified configuration.

Examples:
  # Start with default config
  chatgate serve

  # Override listen address
  chatgate serve --listen :8080

  # Answer every request with a canned reply instead of a real pipeline
  chatgate serve --mock-pipeline`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().BoolVar(&serveFlags.mockPipeline, "mock-pipeline", false, "use a canned pipeline instead of pipeline.url")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := chatgate.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.ListenAddr = serveFlags.listenAddress
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	var pipeline chatgate.Pipeline
	switch {
	case serveFlags.mockPipeline:
		pipeline = mock.New(mock.WithFragments("This is a canned answer from the mock pipeline."))
	case cfg.Pipeline.URL != "":
		pipeline = httpstream.New(cfg.Pipeline.URL)
	default:
		return fmt.Errorf("pipeline.url is required (or pass --mock-pipeline)")
	}

	failurePolicy, err := policy.ByName(cfg.LookupFailurePolicy)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := chatgate.NewService(cfg, pipeline,
		chatgate.WithConversationStore(b.conversations),
		chatgate.WithUsageLedger(b.ledger),
		chatgate.WithSubscriptions(b.subscriptions),
		chatgate.WithFailurePolicy(failurePolicy),
		chatgate.WithMeter(meter.Multi{meter.NewLogMeter(logger), meter.NewPrometheusMeter(reg)}),
		chatgate.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(svc, server.WithLogger(logger), server.WithMetrics(reg)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("storage", cfg.Storage.Driver).
			Str("policy", cfg.LookupFailurePolicy).
			Msg("chatgate listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)

		// Streams whose clients left keep running until their pipeline ends;
		// the backends must stay open until they are persisted and billed.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Pipeline.Timeout+30*time.Second)
		defer cancelDrain()
		if derr := svc.Drain(drainCtx); derr != nil {
			logger.Warn().Err(derr).Msg("in-flight streams not finished at shutdown")
		}
		return err
	})
	return g.Wait()
}
