package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"balancerd/internal/balancer"
	"balancerd/internal/config"
	"balancerd/internal/fleet"
	"balancerd/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

func newBalancerCmd(root *rootOptions) *cobra.Command {
	var (
		managementAddr string
		inferenceAddr  string
		maxBuffered    int32
		fleetStore     string
		corsOrigins    string
	)
	cmd := &cobra.Command{
		Use:   "balancer",
		Short: "Run the balancer: management API, agent socket and inference API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			bc := &cfg.Balancer
			flags := cmd.Flags()
			if flags.Changed("management-addr") {
				bc.ManagementAddr = managementAddr
			}
			if flags.Changed("inference-addr") {
				bc.InferenceAddr = inferenceAddr
			}
			if flags.Changed("max-buffered-requests") {
				bc.MaxBufferedRequests = &maxBuffered
			}
			if flags.Changed("fleet-store") {
				bc.FleetStore = fleetStore
			}
			if corsOrigins != "" {
				bc.CORSOrigins = splitCSV(corsOrigins)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBalancer(ctx, cfg, logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&managementAddr, "management-addr", config.DefaultManagementAddr, "Management API listen address")
	f.StringVar(&inferenceAddr, "inference-addr", config.DefaultInferenceAddr, "Inference API listen address")
	f.Int32Var(&maxBuffered, "max-buffered-requests", config.DefaultMaxBufferedRequests, "Requests allowed to wait for a free slot (0 disables buffering)")
	f.StringVar(&fleetStore, "fleet-store", config.DefaultFleetStore, "Desired state store: memory://, file://<dir> or sqlite://<path>")
	f.StringVar(&corsOrigins, "cors-origins", os.Getenv("BALANCERD_CORS_ORIGINS"), "Comma separated origins allowed on the management API")
	return cmd
}

func runBalancer(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	bc := cfg.Balancer
	store, err := fleet.Open(bc.FleetStore)
	if err != nil {
		return err
	}
	defer store.Close()

	b := balancer.New(balancer.Config{
		MaxBufferedRequests:     *bc.MaxBufferedRequests,
		BufferedRequestsTimeout: bc.BufferedRequestsTimeout.Std(),
		InferenceTokenTimeout:   bc.InferenceTokenTimeout.Std(),
		Version:                 version,
		Logger:                  logger,
	}, store)
	if err := b.LoadDesiredState(ctx); err != nil {
		return err
	}
	if err := prometheus.Register(b.Collector()); err != nil {
		logger.Warn().Err(err).Msg("balancer metrics not registered")
	}

	opts := httpapi.Options{
		MaxBodyBytes: bc.MaxBodyBytes,
		CORSOrigins:  bc.CORSOrigins,
		BaseContext:  ctx,
		Logger:       logger,
		LogLevel:     httpapi.ParseLevel(cfg.LogLevel),
	}
	management := &http.Server{
		Addr:              bc.ManagementAddr,
		Handler:           httpapi.NewManagementMux(b, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// No write timeout: generation streams for as long as tokens arrive.
	inference := &http.Server{
		Addr:              bc.InferenceAddr,
		Handler:           httpapi.NewInferenceMux(b, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// A listener that fails ends only its own service.
	var g errgroup.Group
	for _, srv := range []*http.Server{management, inference} {
		srv := srv
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", srv.Addr).Msg("listener failed")
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return errors.Join(management.Shutdown(shutdownCtx), inference.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
