// Package refill keeps the confirmation token pool topped up.
//
// A refill generates fresh tokens, blinds them and asks the issuer to sign
// the batch in two steps: a POST returns a nonce and a GET with that nonce
// returns the signed tokens with a batch DLEQ proof. The whole batch is
// verified at once and either every token is added to the pool or none is.
//
// Transient failures are retried with backoff. A retry resumes at the GET
// step with the same nonce and tokens, so a signed batch is never orphaned.
// A captcha challenge suspends refilling until ResolveCaptcha is called.
package refill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/adsclient"
	"github.com/patrickwarner/adconfirm/internal/backoff"
	"github.com/patrickwarner/adconfirm/internal/cbr"
	"github.com/patrickwarner/adconfirm/internal/issuers"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
	"github.com/patrickwarner/adconfirm/internal/tokens"
)

var (
	ErrInvalidWallet     = errors.New("invalid wallet")
	ErrMissingIssuers    = errors.New("missing confirmations issuer")
	ErrUnknownPublicKey  = errors.New("public key is not a confirmations issuer key")
	ErrMalformedResponse = errors.New("malformed signed tokens response")
)

// Client is the part of the confirmations server API used for refills.
type Client interface {
	RequestSignedTokens(ctx context.Context, wallet models.WalletInfo, blindedTokens []string) (string, error)
	GetSignedTokens(ctx context.Context, wallet models.WalletInfo, nonce string) (*adsclient.SignedTokens, error)
}

// Config controls pool size and retry timing.
type Config struct {
	MinimumTokens   int
	MaximumTokens   int
	RetryDelay      time.Duration
	MaxBackoffDelay time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinimumTokens:   20,
		MaximumTokens:   50,
		RetryDelay:      15 * time.Second,
		MaxBackoffDelay: time.Hour,
	}
}

// Manager refills the confirmation token pool. Refills are strictly
// sequential; MaybeRefill is a no-op while one is running, scheduled for
// retry, or suspended on a captcha.
type Manager struct {
	client  Client
	pool    *tokens.ConfirmationTokens
	issuers issuers.Provider
	cfg     Config
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	timer  *backoff.Timer
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	inProgress bool
	captchaID  string
	wallet     models.WalletInfo
	nonce      string
	pending    []cbr.Token
	blinded    []cbr.BlindedToken
}

// New creates a refill manager. The pool and issuers must outlive it.
func New(client Client, pool *tokens.ConfirmationTokens, iss issuers.Provider, cfg Config, logger *zap.Logger, metrics observability.MetricsRegistry) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		client:  client,
		pool:    pool,
		issuers: iss,
		cfg:     cfg,
		logger:  logger.Named("refill"),
		metrics: metrics,
		timer:   backoff.New(cfg.MaxBackoffDelay),
		events:  make(chan Event, eventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Events returns the stream of refill outcomes.
func (m *Manager) Events() <-chan Event { return m.events }

// MaybeRefill refills the pool if it holds fewer than the minimum number of
// tokens. It blocks until the attempt finishes.
func (m *Manager) MaybeRefill(ctx context.Context, wallet models.WalletInfo) {
	m.mu.Lock()
	switch {
	case m.inProgress:
		m.mu.Unlock()
		m.logger.Debug("refill already in progress")
		return
	case m.timer.IsRunning():
		m.mu.Unlock()
		m.logger.Debug("refill retry already scheduled")
		return
	case m.captchaID != "":
		m.mu.Unlock()
		m.logger.Debug("refill suspended until captcha is resolved", zap.String("captcha_id", m.captchaID))
		return
	}

	if !wallet.IsValid() {
		m.mu.Unlock()
		m.fail(ErrInvalidWallet, false)
		return
	}
	if info, ok := m.issuers.Issuers(); !ok || !hasConfirmationKeys(info) {
		m.mu.Unlock()
		m.fail(ErrMissingIssuers, false)
		return
	}
	if count := m.pool.Count(); count >= m.cfg.MinimumTokens {
		m.mu.Unlock()
		m.logger.Debug("no refill needed", zap.Int("count", count), zap.Int("minimum", m.cfg.MinimumTokens))
		return
	}

	m.inProgress = true
	m.wallet = wallet
	m.mu.Unlock()

	m.refill(ctx)
}

// ResolveCaptcha lifts a captcha suspension and retries the refill.
func (m *Manager) ResolveCaptcha(ctx context.Context, wallet models.WalletInfo, captchaID string) {
	m.mu.Lock()
	if m.captchaID == "" || m.captchaID != captchaID {
		m.mu.Unlock()
		m.logger.Warn("captcha resolved for unknown challenge", zap.String("captcha_id", captchaID))
		return
	}
	m.captchaID = ""
	m.mu.Unlock()

	m.logger.Info("captcha resolved, resuming refill", zap.String("captcha_id", captchaID))
	m.MaybeRefill(ctx, wallet)
}

// CaptchaID returns the outstanding captcha challenge, if any.
func (m *Manager) CaptchaID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captchaID
}

// IsRetrying reports whether a retry is scheduled.
func (m *Manager) IsRetrying() bool { return m.timer.IsRunning() }

// Stop cancels any scheduled retry and in-flight request.
func (m *Manager) Stop() {
	m.timer.Stop()
	m.cancel()
}

func (m *Manager) refill(ctx context.Context) {
	m.mu.Lock()
	nonce, wallet := m.nonce, m.wallet
	m.mu.Unlock()

	if nonce == "" {
		var err error
		if nonce, err = m.requestSignedTokens(ctx, wallet); err != nil {
			m.fail(err, !errors.Is(err, adsclient.ErrInvalidWallet))
			return
		}
	}

	resp, err := m.client.GetSignedTokens(ctx, wallet, nonce)
	if err != nil {
		var captcha *adsclient.CaptchaError
		if errors.As(err, &captcha) {
			m.requireCaptcha(captcha.CaptchaID)
			return
		}
		m.fail(fmt.Errorf("get signed tokens: %w", err), true)
		return
	}

	added, err := m.addSignedTokens(resp)
	if err != nil {
		m.fail(err, true)
		return
	}

	m.timer.Stop()
	m.mu.Lock()
	m.inProgress = false
	m.mu.Unlock()

	m.metrics.IncrementRefills("success")
	m.metrics.AddRefilledTokens(added)
	m.logger.Info("refilled confirmation tokens", zap.Int("added", added), zap.Int("count", m.pool.Count()))
	m.emit(Succeeded{Count: added})
}

// requestSignedTokens generates and blinds a new batch and submits it.
func (m *Manager) requestSignedTokens(ctx context.Context, wallet models.WalletInfo) (string, error) {
	count := m.cfg.MaximumTokens - m.pool.Count()
	if count <= 0 {
		count = m.cfg.MaximumTokens
	}
	generated, err := cbr.RandomTokens(count)
	if err != nil {
		return "", fmt.Errorf("generate tokens: %w", err)
	}
	blinded, err := cbr.BlindTokens(generated)
	if err != nil {
		return "", fmt.Errorf("blind tokens: %w", err)
	}
	encoded := make([]string, len(blinded))
	for i, b := range blinded {
		encoded[i], _ = b.EncodeBase64()
	}

	m.logger.Info("requesting signed tokens", zap.Int("count", count))
	nonce, err := m.client.RequestSignedTokens(ctx, wallet, encoded)
	if err != nil {
		return "", fmt.Errorf("request signed tokens: %w", err)
	}

	m.mu.Lock()
	m.nonce = nonce
	m.pending = generated
	m.blinded = blinded
	m.mu.Unlock()
	return nonce, nil
}

// addSignedTokens verifies the batch and adds it to the pool.
func (m *Manager) addSignedTokens(resp *adsclient.SignedTokens) (int, error) {
	pk := cbr.DecodePublicKeyBase64(resp.PublicKey)
	if !pk.HasValue() {
		return 0, fmt.Errorf("%w: public key", ErrMalformedResponse)
	}
	if info, ok := m.issuers.Issuers(); !ok || !info.PublicKeyExists(models.IssuerTypeConfirmations, pk) {
		return 0, ErrUnknownPublicKey
	}
	proof := cbr.DecodeBatchDLEQProofBase64(resp.BatchProof)
	if !proof.HasValue() {
		return 0, fmt.Errorf("%w: batch proof", ErrMalformedResponse)
	}
	if len(resp.SignedTokens) == 0 {
		return 0, fmt.Errorf("%w: signed tokens", ErrMalformedResponse)
	}
	signed := make([]cbr.SignedToken, len(resp.SignedTokens))
	for i, s := range resp.SignedTokens {
		signed[i] = cbr.DecodeSignedTokenBase64(s)
		if !signed[i].HasValue() {
			return 0, fmt.Errorf("%w: signed token %d", ErrMalformedResponse, i)
		}
	}

	m.mu.Lock()
	pending, blinded := m.pending, m.blinded
	m.mu.Unlock()

	unblinded, err := proof.VerifyAndUnblind(pending, blinded, signed, pk)
	if err != nil {
		return 0, fmt.Errorf("verify signed tokens: %w", err)
	}

	infos := make([]models.UnblindedTokenInfo, len(unblinded))
	for i, u := range unblinded {
		infos[i] = models.UnblindedTokenInfo{Value: u, PublicKey: pk}
	}
	m.pool.AddTokens(infos)

	m.mu.Lock()
	m.nonce, m.pending, m.blinded = "", nil, nil
	m.mu.Unlock()
	return len(infos), nil
}

func (m *Manager) requireCaptcha(captchaID string) {
	m.mu.Lock()
	m.captchaID = captchaID
	m.inProgress = false
	m.mu.Unlock()

	m.metrics.IncrementRefills("captcha")
	m.logger.Warn("captcha required to refill tokens", zap.String("captcha_id", captchaID))
	m.emit(CaptchaRequired{CaptchaID: captchaID})
}

// fail reports a failed refill and, if retry is set, schedules another
// attempt with backoff.
func (m *Manager) fail(err error, retry bool) {
	m.metrics.IncrementRefills("failure")
	m.logger.Error("failed to refill tokens", zap.Error(err), zap.Bool("retry", retry))
	m.emit(Failed{Err: err})

	if !retry {
		m.mu.Lock()
		m.inProgress = false
		m.mu.Unlock()
		return
	}

	// cleared and scheduled under one lock so MaybeRefill observes either the
	// running refill or the pending retry
	m.mu.Lock()
	m.inProgress = false
	announced := make(chan struct{})
	at := m.timer.StartWithPrivacy(m.cfg.RetryDelay, func() {
		<-announced
		m.retry()
	})
	m.mu.Unlock()

	m.logger.Info("will retry refilling tokens", zap.Time("retry_at", at))
	m.emit(WillRetry{At: at})
	close(announced)
}

func (m *Manager) retry() {
	m.mu.Lock()
	if m.inProgress || m.captchaID != "" {
		m.mu.Unlock()
		return
	}
	m.inProgress = true
	m.mu.Unlock()

	m.emit(DidRetry{})
	m.logger.Info("retrying refill")
	m.refill(m.ctx)
}

// emit delivers e to the consumer, waiting for room in the buffer. Events
// are only abandoned once the manager is stopped.
func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	case <-m.ctx.Done():
		m.logger.Debug("refill stopped, event not delivered", zap.String("event", fmt.Sprintf("%T", e)))
	}
}

func hasConfirmationKeys(info models.IssuersInfo) bool {
	issuer, ok := info.Find(models.IssuerTypeConfirmations)
	return ok && len(issuer.PublicKeys) > 0
}
