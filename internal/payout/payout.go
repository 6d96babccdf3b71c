// Package payout periodically redeems the accumulated payment tokens.
//
// All tokens in the payment pool are submitted in one request signed over
// the wallet's payment id. Tokens leave the pool only after the server has
// accepted them; a failed request is retried intact with backoff.
package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/adsclient"
	"github.com/patrickwarner/adconfirm/internal/backoff"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
	"github.com/patrickwarner/adconfirm/internal/tokens"
)

// NextRedemptionKey is the Redis key holding the next redemption date.
const NextRedemptionKey = "adconfirm:next_token_redemption_at"

var (
	ErrInvalidWallet = errors.New("invalid wallet")
	ErrInvalidToken  = errors.New("invalid payment token")
)

// Client is the part of the confirmations server API used for payouts.
type Client interface {
	RedeemPaymentTokens(ctx context.Context, wallet models.WalletInfo, req adsclient.RedeemPaymentTokensRequest) error
}

// DateStore persists the next redemption date. *db.RedisStore implements it.
type DateStore interface {
	SetTime(ctx context.Context, key string, t time.Time) error
	GetTime(ctx context.Context, key string) (time.Time, bool, error)
}

type Config struct {
	// Interval between scheduled redemptions.
	Interval time.Duration
	// PastDueDelay is used when the redemption date passed while stopped.
	PastDueDelay    time.Duration
	RetryDelay      time.Duration
	MaxBackoffDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:        24 * time.Hour,
		PastDueDelay:    time.Minute,
		RetryDelay:      time.Minute,
		MaxBackoffDelay: time.Hour,
	}
}

// Manager schedules and performs payouts.
type Manager struct {
	client   Client
	payments *tokens.PaymentTokens
	dates    DateStore
	cfg      Config
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
	events   chan Event
	now      func() time.Time

	scheduler *backoff.Timer
	retrier   *backoff.Timer

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	inProgress bool
	wallet     models.WalletInfo
	nextAt     time.Time
}

// New creates a payout manager. dates may be nil, in which case the next
// redemption date is kept in memory only.
func New(client Client, payments *tokens.PaymentTokens, dates DateStore, cfg Config, logger *zap.Logger, metrics observability.MetricsRegistry) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		client:    client,
		payments:  payments,
		dates:     dates,
		cfg:       cfg,
		logger:    logger.Named("payout"),
		metrics:   metrics,
		events:    make(chan Event, eventBuffer),
		now:       time.Now,
		scheduler: backoff.New(cfg.Interval),
		retrier:   backoff.New(cfg.MaxBackoffDelay),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Events returns the stream of payout outcomes.
func (m *Manager) Events() <-chan Event { return m.events }

// Load restores the persisted next redemption date.
func (m *Manager) Load(ctx context.Context) error {
	if m.dates == nil {
		return nil
	}
	t, ok, err := m.dates.GetTime(ctx, NextRedemptionKey)
	if err != nil {
		return fmt.Errorf("load next redemption date: %w", err)
	}
	if ok {
		m.mu.Lock()
		m.nextAt = t
		m.mu.Unlock()
	}
	return nil
}

// NextTokenRedemptionAt returns the next redemption date, or the zero time
// if none has been scheduled yet.
func (m *Manager) NextTokenRedemptionAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextAt
}

// CalculateTokenRedemptionDelay returns how long to wait before the next
// redemption. A missing date is initialised one interval from now and a
// date in the past yields PastDueDelay.
func (m *Manager) CalculateTokenRedemptionDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.nextAt.IsZero() {
		m.setNextLocked(now.Add(m.cfg.Interval))
	}
	if !now.Before(m.nextAt) {
		return m.cfg.PastDueDelay
	}
	return m.nextAt.Sub(now)
}

// MaybeRedeemAfterDelay schedules the next redemption for wallet unless one
// is already scheduled, running or awaiting retry. It returns when the
// redemption will fire.
func (m *Manager) MaybeRedeemAfterDelay(ctx context.Context, wallet models.WalletInfo) time.Time {
	if !wallet.IsValid() {
		m.logger.Error("cannot schedule payout without a valid wallet")
		m.emit(Failed{Err: ErrInvalidWallet})
		return time.Time{}
	}

	m.mu.Lock()
	if m.inProgress || m.scheduler.IsRunning() || m.retrier.IsRunning() {
		m.mu.Unlock()
		m.logger.Debug("payout already scheduled")
		return time.Time{}
	}
	m.wallet = wallet
	m.mu.Unlock()

	delay := m.CalculateTokenRedemptionDelay()
	m.scheduler.Stop()
	at := m.scheduler.StartWithPrivacy(delay, func() { m.Redeem(m.ctx, wallet) })
	m.logger.Info("scheduled payment token redemption", zap.Time("redeem_at", at))
	return at
}

// Redeem submits every payment token for payout now.
func (m *Manager) Redeem(ctx context.Context, wallet models.WalletInfo) {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		return
	}
	m.inProgress = true
	m.wallet = wallet
	m.mu.Unlock()

	if !wallet.IsValid() {
		m.fail(ErrInvalidWallet, false)
		return
	}

	if m.payments.IsEmpty() {
		m.metrics.IncrementPayouts("skipped")
		m.logger.Info("no payment tokens to redeem")
		m.finish(ctx)
		return
	}

	redeemed := m.payments.GetAllTokens()
	req, err := BuildRequest(wallet, redeemed)
	if err != nil {
		m.fail(err, false)
		return
	}
	if err := m.client.RedeemPaymentTokens(ctx, wallet, req); err != nil {
		m.fail(fmt.Errorf("redeem payment tokens: %w", err), true)
		return
	}

	m.retrier.Stop()
	m.payments.RemoveTokens(redeemed)
	m.metrics.IncrementPayouts("success")
	m.logger.Info("redeemed payment tokens",
		zap.Int("count", len(redeemed)),
		zap.Int("remaining", m.payments.Count()))
	m.emit(Redeemed{Tokens: redeemed})
	m.finish(ctx)
}

// IsRetrying reports whether a failed payout is waiting to be retried.
func (m *Manager) IsRetrying() bool { return m.retrier.IsRunning() }

// Stop cancels scheduled redemptions and retries.
func (m *Manager) Stop() {
	m.scheduler.Stop()
	m.retrier.Stop()
	m.cancel()
}

// BuildRequest signs the wallet's payout payload with every token.
func BuildRequest(wallet models.WalletInfo, redeemed []models.UnblindedPaymentTokenInfo) (adsclient.RedeemPaymentTokensRequest, error) {
	payload, err := json.Marshal(adsclient.PayoutPayload{PaymentID: wallet.PaymentID})
	if err != nil {
		return adsclient.RedeemPaymentTokensRequest{}, fmt.Errorf("marshal payout payload: %w", err)
	}

	req := adsclient.RedeemPaymentTokensRequest{
		Payload:            string(payload),
		PaymentCredentials: make([]adsclient.PaymentCredential, 0, len(redeemed)),
	}
	for i, t := range redeemed {
		sig, ok := t.Value.DeriveVerificationKey().Sign(payload)
		if !ok {
			return adsclient.RedeemPaymentTokensRequest{}, fmt.Errorf("%w: token %d", ErrInvalidToken, i)
		}
		encodedSig, ok := sig.EncodeBase64()
		if !ok {
			return adsclient.RedeemPaymentTokensRequest{}, fmt.Errorf("%w: token %d", ErrInvalidToken, i)
		}
		preimage, ok := t.Value.Preimage().EncodeBase64()
		if !ok {
			return adsclient.RedeemPaymentTokensRequest{}, fmt.Errorf("%w: token %d", ErrInvalidToken, i)
		}
		pk, ok := t.PublicKey.EncodeBase64()
		if !ok {
			return adsclient.RedeemPaymentTokensRequest{}, fmt.Errorf("%w: token %d", ErrInvalidToken, i)
		}
		req.PaymentCredentials = append(req.PaymentCredentials, adsclient.PaymentCredential{
			Credential:       adsclient.PaymentCredentialSignature{Signature: encodedSig, Preimage: preimage},
			PublicKey:        pk,
			ConfirmationType: string(t.ConfirmationType),
		})
	}
	return req, nil
}

// finish moves the redemption date one interval ahead and schedules it.
func (m *Manager) finish(ctx context.Context) {
	m.mu.Lock()
	next := m.now().Add(m.cfg.Interval)
	m.setNextLocked(next)
	m.inProgress = false
	wallet := m.wallet
	m.mu.Unlock()

	m.scheduler.Stop()
	m.scheduler.StartWithPrivacy(m.cfg.Interval, func() { m.Redeem(m.ctx, wallet) })
	m.logger.Info("scheduled next payment token redemption", zap.Time("next_redemption_at", next))
	m.emit(ScheduledNext{At: next})
}

func (m *Manager) fail(err error, retry bool) {
	m.metrics.IncrementPayouts("failure")
	m.logger.Error("failed to redeem payment tokens", zap.Error(err), zap.Bool("retry", retry))
	m.emit(Failed{Err: err})

	m.mu.Lock()
	m.inProgress = false
	if !retry {
		m.mu.Unlock()
		return
	}
	wallet := m.wallet
	announced := make(chan struct{})
	at := m.retrier.StartWithPrivacy(m.cfg.RetryDelay, func() {
		<-announced
		m.retry(wallet)
	})
	m.mu.Unlock()

	m.logger.Info("will retry redeeming payment tokens", zap.Time("retry_at", at))
	m.emit(WillRetry{At: at})
	close(announced)
}

func (m *Manager) retry(wallet models.WalletInfo) {
	m.mu.Lock()
	busy := m.inProgress
	m.mu.Unlock()
	if busy {
		return
	}

	m.emit(DidRetry{})
	m.logger.Info("retrying payment token redemption")
	m.Redeem(m.ctx, wallet)
}

// setNextLocked records the next redemption date and persists it.
func (m *Manager) setNextLocked(t time.Time) {
	m.nextAt = t
	if m.dates == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	if err := m.dates.SetTime(ctx, NextRedemptionKey, t); err != nil {
		m.metrics.IncrementPersistErrors("next_redemption")
		m.logger.Error("failed to persist next redemption date", zap.Error(err))
	}
}

// emit delivers e to the consumer, waiting for room in the buffer. Events
// are only abandoned once the manager is stopped.
func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	case <-m.ctx.Done():
		m.logger.Debug("payout stopped, event not delivered", zap.String("event", fmt.Sprintf("%T", e)))
	}
}
