// Issuer Simulator runs an in-process confirmations server with fresh
// issuer keys so the engine can be exercised locally.
//
// Usage:
//
//	go run ./tools/issuer_sim -addr=:8080
//
// The wallet named by WALLET_PAYMENT_ID and WALLET_RECOVERY_SEED is
// registered so its signed requests are accepted. Point the engine at the
// simulator with ADS_SERVER_URL=http://localhost:8080.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/adsclient/adsclienttest"
	"github.com/patrickwarner/adconfirm/internal/config"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

func main() {
	cfg := config.Load()
	var (
		addr        string
		captchaID   string
		failPayouts bool
	)
	flag.StringVar(&addr, "addr", ":8080", "listen address")
	flag.StringVar(&captchaID, "captcha", "", "require this captcha before signing tokens")
	flag.BoolVar(&failPayouts, "fail-payouts", false, "answer payout requests with 500")
	flag.Parse()

	logger, err := observability.InitLoggerWithService("issuer-sim")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	sim, err := adsclienttest.New()
	if err != nil {
		logger.Fatal("create simulator", zap.Error(err))
	}

	if cfg.WalletPaymentID != "" && cfg.WalletRecoverySeed != "" {
		seed, err := base64.StdEncoding.DecodeString(cfg.WalletRecoverySeed)
		if err != nil {
			logger.Fatal("decode wallet recovery seed", zap.Error(err))
		}
		wallet, err := models.WalletFromSeed(cfg.WalletPaymentID, seed)
		if err != nil {
			logger.Fatal("derive wallet", zap.Error(err))
		}
		sim.RegisterWallet(wallet)
		logger.Info("registered wallet", zap.String("payment_id", wallet.PaymentID))
	} else {
		logger.Warn("no wallet registered, token requests will be rejected")
	}

	behavior := adsclienttest.Behavior{CaptchaID: captchaID}
	if failPayouts {
		behavior.PayoutStatus = http.StatusInternalServerError
	}
	sim.SetBehavior(behavior)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: addr, Handler: sim, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", zap.Error(err))
			stop()
		}
	}()
	logger.Info("Issuer simulator running", zap.String("addr", addr))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("served",
		zap.Int("spent_tokens", sim.SpentTokens()),
		zap.Int("payouts", len(sim.Payouts())))
}
