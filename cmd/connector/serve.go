package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/dataspace-connector/connector/internal/api/http"
	appAsset "github.com/dataspace-connector/connector/internal/application/asset"
	appDataplane "github.com/dataspace-connector/connector/internal/application/dataplane"
	appNegotiation "github.com/dataspace-connector/connector/internal/application/negotiation"
	policyengine "github.com/dataspace-connector/connector/internal/application/policy"
	"github.com/dataspace-connector/connector/internal/application/statemachine"
	appTransfer "github.com/dataspace-connector/connector/internal/application/transfer"
	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/config"
	"github.com/dataspace-connector/connector/internal/domain/asset"
	"github.com/dataspace-connector/connector/internal/domain/dataplane"
	"github.com/dataspace-connector/connector/internal/domain/negotiation"
	"github.com/dataspace-connector/connector/internal/domain/transfer"
	"github.com/dataspace-connector/connector/internal/infrastructure/datasource/httpdata"
	"github.com/dataspace-connector/connector/internal/infrastructure/datasource/s3"
	"github.com/dataspace-connector/connector/internal/infrastructure/dispatcher"
	"github.com/dataspace-connector/connector/internal/infrastructure/identity"
	"github.com/dataspace-connector/connector/internal/infrastructure/memory"
	"github.com/dataspace-connector/connector/internal/infrastructure/postgres"
)

const shutdownTimeout = 30 * time.Second

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the connector: protocol and management API, state machines and data plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply database migrations on start")
}

type stores struct {
	negotiations negotiation.Store
	transfers    transfer.Store
	assets       asset.Store
	tokens       dataplane.TokenStore
	close        func()
}

func openStores(ctx context.Context, cfg *config.Config, clk clock.Clock, logger zerolog.Logger) (*stores, error) {
	if cfg.StoreBackend == config.StoreMemory {
		logger.Warn().Msg("using in-memory stores; state is lost on restart and replicas cannot share it")
		return &stores{
			negotiations: memory.NewNegotiationStore(clk),
			transfers:    memory.NewTransferStore(clk),
			assets:       memory.NewAssetStore(),
			tokens:       memory.NewTokenStore(),
			close:        func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if !skipMigrations {
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}
	return &stores{
		negotiations: postgres.NewNegotiationStore(pool, clk),
		transfers:    postgres.NewTransferStore(pool, clk),
		assets:       postgres.NewAssetStore(pool),
		tokens:       postgres.NewTokenStore(pool, clk),
		close:        pool.Close,
	}, nil
}

// processorOwner identifies this replica in leases.
func processorOwner(participantID string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "connector"
	}
	return fmt.Sprintf("%s/%s/%s", participantID, host, uuid.NewString()[:8])
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ParticipantID == "" {
		return errors.New("PARTICIPANT_ID is required")
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout).With().Str("participant_id", cfg.ParticipantID).Logger()
	ctx := cmd.Context()
	clk := clock.Real{}

	st, err := openStores(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	smMetrics := statemachine.NewMetrics(reg)

	ids, err := identity.NewFromEnv()
	if err != nil {
		return err
	}
	dispatch := dispatcher.New(dispatcher.Config{
		Timeout:   cfg.DispatchTimeout,
		RateLimit: cfg.DispatchRateLimit,
		Burst:     cfg.DispatchBurst,
		UserAgent: "connector/" + version,
	}, ids, logger)
	policies := policyengine.NewEngine(logger)

	plane := appDataplane.NewManager(appDataplane.Config{
		QueueCapacity: cfg.DataPlaneQueueCapacity,
		Workers:       cfg.DataPlaneWorkers,
	}, reg, logger)
	httpEndpoint := httpdata.New(cfg.DataPlaneHTTPTimeout)
	plane.RegisterSource(httpEndpoint)
	plane.RegisterSink(httpEndpoint)
	if cfg.S3.Endpoint != "" || cfg.S3.AccessKey != "" {
		objects, err := s3.New(s3.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Insecure:       cfg.S3.Insecure,
			ForcePathStyle: cfg.S3.Endpoint != "",
		})
		if err != nil {
			return err
		}
		plane.RegisterSource(objects)
		plane.RegisterSink(objects)
	}
	tokens := appDataplane.NewAuthorization(st.tokens, cfg.ParticipantID, cfg.TokenTTL, clk)

	owner := processorOwner(cfg.ParticipantID)
	wait := statemachine.ExponentialWait{Base: cfg.StateMachine.BackoffBase, Max: cfg.StateMachine.BackoffMax}
	smCfg := statemachine.Config{
		Owner:         owner,
		BatchSize:     cfg.StateMachine.BatchSize,
		LeaseDuration: cfg.StateMachine.LeaseDuration,
		PollInterval:  cfg.StateMachine.PollInterval,
		MaxRetries:    cfg.StateMachine.MaxRetries,
		Workers:       cfg.StateMachine.Workers,
	}

	negotiationSvc := appNegotiation.NewService(appNegotiation.Config{
		ParticipantID:   cfg.ParticipantID,
		ProtocolAddress: cfg.ProtocolAddress,
		StateMachine:    smCfg,
	}, st.negotiations, st.assets, dispatch, policies, wait, clk, smMetrics, logger)
	transferSvc := appTransfer.NewService(appTransfer.Config{
		ParticipantID:   cfg.ParticipantID,
		ProtocolAddress: cfg.ProtocolAddress,
		PublicAddress:   cfg.PublicAddress,
		StateMachine:    smCfg,
	}, st.transfers, negotiationSvc, st.assets, dispatch, policies, plane, tokens, wait, clk, smMetrics, logger)
	plane.SetReporter(transferSvc)
	assetSvc := appAsset.NewService(st.assets, clk, logger)

	apiServer := httpapi.NewServer(negotiationSvc, transferSvc, assetSvc, ids, cfg.ManagementKey,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Workers outlive ctx so queued flows can drain on shutdown.
	if err := plane.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return negotiationSvc.Run(gctx) })
	g.Go(func() error { return transferSvc.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ServerAddr).Str("owner", owner).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := plane.Stop(shutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("data plane stop: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
