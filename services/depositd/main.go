package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"vaultgate/observability/logging"
	telemetry "vaultgate/observability/otel"
	"vaultgate/services/depositd/config"
	"vaultgate/services/depositd/engine"
	"vaultgate/services/depositd/ledger"
	"vaultgate/services/depositd/notify"
	"vaultgate/services/depositd/pool"
	"vaultgate/services/depositd/reconcile"
	"vaultgate/services/depositd/scanner"
	"vaultgate/services/depositd/server"
	"vaultgate/services/depositd/storage"
	"vaultgate/services/depositd/sweep"
	"vaultgate/services/depositd/wallet"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/depositd/config.yaml", "path to depositd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VG_ENV"))
	logger := logging.Setup("depositd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "depositd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("depositd: load config: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("depositd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("depositd: open storage: %v", err)
	}
	defer store.Close()

	ledgerStore, err := ledger.OpenPostgres(cfg.Ledger.DSN)
	if err != nil {
		log.Fatalf("depositd: connect ledger: %v", err)
	}

	ctx := context.Background()
	addresses, err := ledgerStore.PoolAddresses(ctx)
	if err != nil {
		log.Fatalf("depositd: load pool addresses: %v", err)
	}
	// The process must not start with more slots than the ledger provisioned.
	if cfg.Leases.PoolSize > len(addresses) {
		log.Fatalf("depositd: pool size %d exceeds %d provisioned addresses", cfg.Leases.PoolSize, len(addresses))
	}

	var notifier notify.Notifier
	if strings.TrimSpace(cfg.Notifier.Endpoint) != "" {
		relay, err := notify.NewRelay(notify.Config{
			BaseURL: cfg.Notifier.Endpoint,
			APIKey:  cfg.Notifier.APIKey,
			Timeout: cfg.Notifier.Timeout.Duration,
		})
		if err != nil {
			log.Fatalf("depositd: configure notifier: %v", err)
		}
		notifier = relay
	}

	queues, err := pool.New(addresses, cfg.Leases.PoolSize, pool.Options{
		Validity:         cfg.Leases.Validity.Duration,
		Buffer:           cfg.Leases.Buffer.Duration,
		TickInterval:     cfg.Leases.TickInterval.Duration,
		ReminderInterval: cfg.Leases.ReminderInterval.Duration,
	}, pool.WithNotifier(notifier), pool.WithLogger(logging.Component(logger, "pool")))
	if err != nil {
		log.Fatalf("depositd: lease pool: %v", err)
	}

	evmClient, err := scanner.DialEVMClient(cfg.Chain.RPCEndpoint)
	if err != nil {
		log.Fatalf("depositd: dial chain provider: %v", err)
	}
	defer evmClient.Close()

	scan, err := scanner.New(evmClient, scanner.Config{
		Token:        common.HexToAddress(cfg.Chain.TokenContract),
		Retrospect:   cfg.Chain.RetrospectBlocks,
		BatchSize:    cfg.Chain.ScanBatchSize,
		ProviderRate: rate.Limit(cfg.Chain.ProviderRate),
	}, logging.Component(logger, "scanner"))
	if err != nil {
		log.Fatalf("depositd: scanner: %v", err)
	}

	signer, err := wallet.NewEVMSigner(evmClient, wallet.Config{
		ChainID:        big.NewInt(cfg.Chain.ChainID),
		Token:          common.HexToAddress(cfg.Chain.TokenContract),
		GasBumpPercent: int64(cfg.Sweep.GasBumpPercent),
	})
	if err != nil {
		log.Fatalf("depositd: wallet: %v", err)
	}

	sweeper, err := sweep.New(store, signer, ledgerStore, sweep.Options{
		ReceiptAttempts: cfg.Sweep.ReceiptAttempts,
		ReceiptBackoff:  cfg.Sweep.ReceiptBackoff.Duration,
	}, logging.Component(logger, "sweep"))
	if err != nil {
		log.Fatalf("depositd: sweep service: %v", err)
	}

	policy := reconcile.FeePolicy{
		DepositFeePercent:       mustDecimal(cfg.Fees.DepositFeePercent),
		RefereeDiscountPercent:  mustDecimal(cfg.Fees.RefereeDiscountPercent),
		ReferrerKickbackPercent: mustDecimal(cfg.Fees.ReferrerKickbackPct),
		MinimumDeposit:          mustDecimal(cfg.Fees.MinimumDeposit),
	}
	reconciler, err := reconcile.New(queues, ledgerStore, store, notifier, sweeper, reconcile.Config{
		Asset:           cfg.Asset,
		TokenDecimals:   cfg.Chain.TokenDecimals,
		Policy:          policy,
		AdminRecipients: cfg.Notifier.AdminRecipients,
	}, logging.Component(logger, "reconcile"))
	if err != nil {
		log.Fatalf("depositd: reconciler: %v", err)
	}

	pipeline, err := engine.New(scan, queues, store, reconciler, sweeper, cfg.Chain.ScanInterval.Duration, logging.Component(logger, "engine"))
	if err != nil {
		log.Fatalf("depositd: pipeline: %v", err)
	}

	authenticator, err := server.NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		log.Fatalf("depositd: configure admin auth: %v", err)
	}
	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, store, queues, sweeper, authenticator, logging.Component(logger, "server"))
	if err != nil {
		log.Fatalf("depositd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sweeps broadcast before the last shutdown resume receipt polling here.
	if err := sweeper.Recover(rootCtx); err != nil {
		log.Printf("depositd: resume sweeps: %v", err)
	}

	go func() {
		if err := queues.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("depositd: lease loop exited: %v", err)
			stop()
		}
	}()
	go func() {
		if err := pipeline.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("depositd: deposit pipeline exited: %v", err)
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("depositd: http server error: %v", err)
		os.Exit(1)
	}
}

func mustDecimal(raw string) decimal.Decimal {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		log.Fatalf("depositd: parse decimal %q: %v", raw, err)
	}
	return parsed
}
