package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/account"
	"github.com/patrickwarner/adconfirm/internal/adevents"
	"github.com/patrickwarner/adconfirm/internal/adsclient"
	"github.com/patrickwarner/adconfirm/internal/api"
	"github.com/patrickwarner/adconfirm/internal/config"
	"github.com/patrickwarner/adconfirm/internal/conversions"
	"github.com/patrickwarner/adconfirm/internal/db"
	"github.com/patrickwarner/adconfirm/internal/issuers"
	"github.com/patrickwarner/adconfirm/internal/ledger"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
	"github.com/patrickwarner/adconfirm/internal/payout"
	"github.com/patrickwarner/adconfirm/internal/redeem"
	"github.com/patrickwarner/adconfirm/internal/refill"
	"github.com/patrickwarner/adconfirm/internal/tokens"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, observability.TracingConfig{
			ServiceName: cfg.ServiceName,
			Endpoint:    cfg.TempoEndpoint,
			Environment: cfg.Environment,
			SampleRate:  cfg.TracingSampleRate,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	wallet, err := loadWallet(cfg)
	if err != nil {
		return err
	}
	if !wallet.IsValid() {
		logger.Warn("no wallet configured, confirmations will not be redeemed")
	}

	store, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer store.Close()

	eventsDB, err := db.OpenSQL(ctx, cfg.DBDriver, cfg.DBDSN, db.SQLOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("failed to open event database: %w", err)
	}
	defer db.CloseSQL(eventsDB)

	metricsRegistry := observability.NewPrometheusRegistry()

	var ledgerSvc ledger.Service = ledger.NewMockLedger()
	if cfg.LedgerEnabled {
		l, err := ledger.InitClickHouse(ctx, cfg.ClickHouseDSN, metricsRegistry)
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		defer l.Close()
		ledgerSvc = l
	} else {
		logger.Info("ledger disabled, transactions are kept in memory")
	}

	acct := buildAccount(logger, cfg, wallet, store, eventsDB, ledgerSvc, metricsRegistry)
	if err := acct.Load(ctx); err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- acct.Run(ctx) }()
	go maintain(ctx, logger, cfg, acct)

	srvDeps := api.NewServer(logger, acct, store, eventsDB, metricsRegistry, cfg)
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Confirmation engine running",
		zap.String("addr", addr),
		zap.String("ads_server", cfg.AdsServerURL),
		zap.Bool("rewards_enabled", cfg.RewardsEnabled))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		<-runErr
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadWallet(cfg config.Config) (models.WalletInfo, error) {
	if cfg.WalletPaymentID == "" || cfg.WalletRecoverySeed == "" {
		return models.WalletInfo{}, nil
	}
	seed, err := base64.StdEncoding.DecodeString(cfg.WalletRecoverySeed)
	if err != nil {
		return models.WalletInfo{}, fmt.Errorf("decode wallet recovery seed: %w", err)
	}
	return models.WalletFromSeed(cfg.WalletPaymentID, seed)
}

func buildAccount(logger *zap.Logger, cfg config.Config, wallet models.WalletInfo, store *db.RedisStore, eventsDB *sql.DB, ledgerSvc ledger.Service, metrics observability.MetricsRegistry) *account.Account {
	client := adsclient.New(cfg.AdsServerURL, cfg.AdsServerTimeout, cfg.AdsServerRPS, cfg.AdsServerBurst, logger, metrics)
	cache := issuers.NewCache(store)

	confirmationPersister, paymentPersister, failedPersister := tokens.RedisPersisters(store)
	confirmationTokens := tokens.NewConfirmationTokens(confirmationPersister, logger, metrics)
	paymentTokens := tokens.NewPaymentTokens(paymentPersister, logger, metrics)
	failed := tokens.NewConfirmations(failedPersister, logger, metrics)

	redeemer := redeem.New(client, confirmationTokens, paymentTokens, cache, redeem.Config{
		BuildChannel: cfg.BuildChannel,
		Platform:     cfg.Platform,
	}, logger, metrics)
	redeemer.SetOptedIn(cfg.RewardsEnabled)

	events := adevents.New(eventsDB, cfg.AdEventRetention, logger, metrics)
	queue := conversions.NewQueue(eventsDB, logger, metrics)

	return account.New(account.Components{
		Client:   client,
		Issuers:  cache,
		Tokens:   confirmationTokens,
		Payments: paymentTokens,
		Failed:   failed,
		Refill: refill.New(client, confirmationTokens, cache, refill.Config{
			MinimumTokens:   cfg.MinUnblindedTokens,
			MaximumTokens:   cfg.MaxUnblindedTokens,
			RetryDelay:      cfg.RefillRetryDelay,
			MaxBackoffDelay: cfg.MaxBackoffDelay,
		}, logger, metrics),
		Redeem: redeemer,
		Payout: payout.New(client, paymentTokens, store, payout.Config{
			Interval:        cfg.TokenRedemptionInterval,
			PastDueDelay:    cfg.PayoutPastDueDelay,
			RetryDelay:      cfg.PayoutRetryDelay,
			MaxBackoffDelay: cfg.MaxBackoffDelay,
		}, logger, metrics),
		AdEvents:    events,
		Conversions: queue,
		Matcher:     conversions.NewMatcher(queue, events, cfg.ConversionProcessDelay, logger),
		Ledger:      ledgerSvc,
	}, account.Config{
		Wallet:                 wallet,
		ConfirmationRetryDelay: cfg.ConfirmationRetryDelay,
		MaxBackoffDelay:        cfg.MaxBackoffDelay,
	}, logger, metrics)
}

// maintain refreshes issuers, confirms due conversions and purges expired
// records until ctx is done.
func maintain(ctx context.Context, logger *zap.Logger, cfg config.Config, acct *account.Account) {
	refresh := func() {
		if err := acct.RefreshIssuers(ctx); err != nil {
			logger.Warn("refresh issuers", zap.Error(err))
		}
	}
	refresh()

	defaults := config.Defaults()
	issuersTicker := time.NewTicker(positive(cfg.IssuersRefreshInterval, defaults.IssuersRefreshInterval))
	purgeTicker := time.NewTicker(positive(cfg.PurgeInterval, defaults.PurgeInterval))
	conversionTicker := time.NewTicker(positive(cfg.ConversionInterval, defaults.ConversionInterval))
	defer issuersTicker.Stop()
	defer purgeTicker.Stop()
	defer conversionTicker.Stop()

	for {
		select {
		case <-issuersTicker.C:
			refresh()
		case <-purgeTicker.C:
			if err := acct.Purge(ctx); err != nil {
				logger.Error("purge", zap.Error(err))
			}
		case <-conversionTicker.C:
			n, err := acct.ProcessConversions(ctx)
			if err != nil {
				logger.Error("process conversions", zap.Error(err))
			}
			if n > 0 {
				logger.Info("confirmed conversions", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func positive(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
