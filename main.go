package main

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring/hardware"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring/multisig"
	"github.com/erc7824/nitrolite/keyring/pkg/ledger"
	"github.com/erc7824/nitrolite/keyring/pkg/log"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	logger := log.NewZapLogger(log.Config{Format: os.Getenv("LOG_FORMAT"), Level: log.LevelInfo}).Named("keyringd")

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	logger = log.NewZapLogger(config.Log).Named("keyringd")

	db, err := ConnectToDB(context.Background(), config.Database, logger)
	if err != nil {
		logger.Fatal("failed to setup database", "error", err)
	}

	metrics := NewMetrics()
	wallet, err := NewWalletFromConfig(config, db, metrics, logger)
	if err != nil {
		logger.Fatal("failed to initialise wallet", "error", err)
	}

	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(logger, wallet, db, os.Args[1])
		return
	}

	rpcServer := NewRPCServer(wallet.Events(), metrics, logger)
	NewRPCRouter(rpcServer, wallet)

	rpcListenEndpoint := "/ws"
	rpcMux := http.NewServeMux()
	rpcMux.HandleFunc(rpcListenEndpoint, rpcServer.HandleConnection)
	rpcHTTP := &http.Server{Addr: config.RPCAddr, Handler: rpcMux}

	metricsEndpoint := "/metrics"
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())
	metricsHTTP := &http.Server{Addr: config.MetricsAddr, Handler: metricsMux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		metrics.RecordMetricsPeriodically(gctx, db, wallet, logger)
		return nil
	})
	for _, srv := range []struct {
		name     string
		server   *http.Server
		endpoint string
	}{
		{"RPC", rpcHTTP, rpcListenEndpoint},
		{"metrics", metricsHTTP, metricsEndpoint},
	} {
		g.Go(func() error {
			logger.Info(srv.name+" server available", "listenAddr", srv.server.Addr, "endpoint", srv.endpoint)
			if err := srv.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.server.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down "+srv.name+" server", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server failure", "error", err)
	}
	logger.Info("shutdown complete")
}

// NewWalletFromConfig builds the keyrings, restores their state and wires
// them into a Wallet.
func NewWalletFromConfig(config *Config, db *gorm.DB, metrics *Metrics, logger log.Logger) (*Wallet, error) {
	var executor sign.Signer
	if config.Safe.ExecutorPrivateKey != "" {
		s, err := sign.NewKeySignerFromHex(config.Safe.ExecutorPrivateKey)
		if err != nil {
			return nil, err
		}
		executor = s
		logger.Info("safe executor initialized", "address", s.Address().Hex())
	}

	registry, err := NewSafeRegistry(config.Networks, config.Safe, executor, logger)
	if err != nil {
		return nil, err
	}

	device := hardware.New(hardware.LedgerOpener(ledger.OpenHID),
		hardware.WithLogger(logger),
		hardware.WithReconnect(config.Ledger.ReconnectAttempts, config.Ledger.ReconnectDelay),
		hardware.WithDeviceID(config.Ledger.DeviceID),
	)
	safes := multisig.New(registry, multisig.WithLogger(logger))

	wallet := NewWallet(NewStore(db), metrics, safes, logger, device)
	if err := wallet.Restore(); err != nil {
		return nil, err
	}
	return wallet, nil
}
