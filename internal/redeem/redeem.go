// Package redeem turns ad events into confirmations.
//
// An opted-in confirmation spends one token from the confirmation pool: the
// token signs the confirmation payload and a fresh blinded payment token
// rides along to be signed by the payments issuer. Once the server has
// signed it, the payment token is verified, unblinded and stored for the
// next payout. Opted-out confirmations spend nothing and carry no payment
// token.
//
// Failures are reported as Failed events with ShouldRetry and ShouldBackoff
// set from the response. A retryable confirmation is written to the retry
// queue given to SetRetryQueue before its Failed event is sent.
package redeem

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/adsclient"
	"github.com/patrickwarner/adconfirm/internal/cbr"
	"github.com/patrickwarner/adconfirm/internal/issuers"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
	"github.com/patrickwarner/adconfirm/internal/tokens"
)

var (
	ErrTokenPoolExhausted  = errors.New("confirmation token pool exhausted")
	ErrInvalidAdEvent      = errors.New("invalid ad event")
	ErrInvalidConfirmation = errors.New("invalid confirmation")
	ErrMissingIssuers      = errors.New("missing payments issuer")
	ErrUnknownPublicKey    = errors.New("public key is not a payments issuer key")
	ErrMismatchedID        = errors.New("payment token response is for another confirmation")
	ErrMissingPaymentToken = errors.New("payment token response is incomplete")
)

// Client is the part of the confirmations server API used for redemption.
type Client interface {
	CreateConfirmation(ctx context.Context, confirmationID, credential string, payload []byte) error
	FetchPaymentToken(ctx context.Context, confirmationID string) (*adsclient.PaymentToken, error)
}

// Config describes the client reported in every confirmation.
type Config struct {
	BuildChannel string
	Platform     string
}

// Manager redeems confirmations.
type Manager struct {
	client   Client
	tokens   *tokens.ConfirmationTokens
	payments *tokens.PaymentTokens
	issuers  issuers.Provider
	cfg      Config
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
	events   chan Event
	now      func() time.Time

	// confirmations awaiting retry, kept up to date before Failed is sent
	retryQueue *tokens.Confirmations

	optedIn atomic.Bool

	// serializes taking a token from the pool
	mu sync.Mutex
}

// New creates a manager. Users start opted in.
func New(client Client, confirmationTokens *tokens.ConfirmationTokens, paymentTokens *tokens.PaymentTokens, iss issuers.Provider, cfg Config, logger *zap.Logger, metrics observability.MetricsRegistry) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	m := &Manager{
		client:   client,
		tokens:   confirmationTokens,
		payments: paymentTokens,
		issuers:  iss,
		cfg:      cfg,
		logger:   logger.Named("redeem"),
		metrics:  metrics,
		events:   make(chan Event, eventBuffer),
		now:      time.Now,
	}
	m.optedIn.Store(true)
	return m
}

// Events returns the stream of redemption outcomes.
func (m *Manager) Events() <-chan Event { return m.events }

// SetOptedIn switches between rewarded and unrewarded confirmations.
func (m *Manager) SetOptedIn(v bool) { m.optedIn.Store(v) }

func (m *Manager) OptedIn() bool { return m.optedIn.Load() }

// SetRetryQueue makes the manager record retryable confirmations in q before
// reporting them, and remove them once they are redeemed or dropped. Call it
// before the first redemption.
func (m *Manager) SetRetryQueue(q *tokens.Confirmations) { m.retryQueue = q }

// Redeem builds and submits the confirmation for event.
func (m *Manager) Redeem(ctx context.Context, event models.AdEventInfo, ct models.ConfirmationType) error {
	return m.RedeemWithUserData(ctx, event, ct, nil)
}

// RedeemWithUserData is Redeem with extra fields added to the payload of an
// opted-in confirmation.
func (m *Manager) RedeemWithUserData(ctx context.Context, event models.AdEventInfo, ct models.ConfirmationType, userData map[string]string) error {
	if !event.IsValid() || !ct.IsValid() {
		m.logger.Warn("refusing to redeem invalid ad event",
			zap.String("ad_event_id", event.ID), zap.String("confirmation_type", string(ct)))
		return ErrInvalidAdEvent
	}

	c, err := m.build(event, ct, userData)
	if err != nil {
		if errors.Is(err, ErrTokenPoolExhausted) {
			m.metrics.IncrementConfirmations(string(ct), "exhausted")
			m.logger.Warn("no confirmation tokens left", zap.String("confirmation_type", string(ct)))
			m.emit(ctx, TokenPoolExhausted{Event: event})
		}
		return err
	}

	m.logger.Info("redeeming confirmation",
		zap.String("confirmation_id", c.ID),
		zap.String("creative_instance_id", c.CreativeInstanceID),
		zap.String("confirmation_type", string(c.Type)),
		zap.Bool("opted_in", c.OptedIn != nil))
	return m.submit(ctx, c)
}

// Retry resubmits a confirmation from the failed queue. An opted-in
// confirmation carries the token it reserved when it was built.
func (m *Manager) Retry(ctx context.Context, c models.ConfirmationInfo) error {
	if !c.IsValid() {
		return m.failed(ctx, c, false, false, ErrInvalidConfirmation)
	}
	m.logger.Info("retrying confirmation", zap.String("confirmation_id", c.ID), zap.Bool("was_created", c.WasCreated))
	return m.submit(ctx, c)
}

// build creates the confirmation and, for opted-in users, moves the front
// token out of the pool.
func (m *Manager) build(event models.AdEventInfo, ct models.ConfirmationType, userData map[string]string) (models.ConfirmationInfo, error) {
	c := newConfirmation(event, ct, m.now())
	if !m.OptedIn() {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens.IsEmpty() {
		return models.ConfirmationInfo{}, ErrTokenPoolExhausted
	}
	token := m.tokens.GetToken()
	if err := optIn(&c, token, userData, m.cfg); err != nil {
		return models.ConfirmationInfo{}, fmt.Errorf("build confirmation: %w", err)
	}
	m.tokens.RemoveToken(token)
	return c, nil
}

func (m *Manager) submit(ctx context.Context, c models.ConfirmationInfo) error {
	payload, err := buildPayload(c, m.cfg)
	if err != nil {
		return m.failed(ctx, c, false, false, err)
	}

	if !c.WasCreated {
		credential := ""
		if c.OptedIn != nil {
			credential = c.OptedIn.Credential
		}
		if err := m.client.CreateConfirmation(ctx, c.ID, credential, payload); err != nil {
			err = fmt.Errorf("create confirmation: %w", err)
			switch code := adsclient.StatusCode(err); {
			case code == http.StatusBadRequest:
				return m.failed(ctx, c, false, false, err)
			case code == http.StatusConflict:
				// already created by an earlier attempt
			case code == 0 || c.OptedIn == nil:
				return m.failed(ctx, c, true, true, err)
			default:
				m.logger.Warn("confirmation create returned unexpected status, fetching payment token",
					zap.String("confirmation_id", c.ID), zap.Int("status", code))
			}
		}
		c.WasCreated = true
	}

	if c.OptedIn == nil {
		m.metrics.IncrementConfirmations(string(c.Type), "redeemed")
		m.logger.Info("redeemed opted-out confirmation", zap.String("confirmation_id", c.ID))
		m.settle(c)
		m.emit(ctx, RedeemedOptedOut{Confirmation: c})
		return nil
	}
	return m.fetchPaymentToken(ctx, c)
}

func (m *Manager) fetchPaymentToken(ctx context.Context, c models.ConfirmationInfo) error {
	resp, err := m.client.FetchPaymentToken(ctx, c.ID)
	if err != nil {
		err = fmt.Errorf("fetch payment token: %w", err)
		switch adsclient.StatusCode(err) {
		case http.StatusNotFound:
			// not created after all, create it again on retry
			c.WasCreated = false
			return m.failed(ctx, c, true, false, err)
		case http.StatusBadRequest:
			return m.failed(ctx, c, false, false, err)
		case http.StatusAccepted:
			return m.failed(ctx, c, true, false, err)
		default:
			return m.failed(ctx, c, true, true, err)
		}
	}

	payment, retry, err := m.verifyPaymentToken(c, resp)
	if err != nil {
		return m.failed(ctx, c, retry, retry, err)
	}

	m.payments.AddTokens([]models.UnblindedPaymentTokenInfo{payment})
	m.metrics.IncrementConfirmations(string(c.Type), "redeemed")
	m.logger.Info("redeemed opted-in confirmation",
		zap.String("confirmation_id", c.ID),
		zap.String("transaction_id", c.TransactionID),
		zap.Int("payment_tokens", m.payments.Count()))
	m.settle(c)
	m.emit(ctx, RedeemedOptedIn{Confirmation: c, PaymentToken: payment})
	return nil
}

// verifyPaymentToken checks the signed payment token and unblinds it. retry
// reports whether the failure may clear up later.
func (m *Manager) verifyPaymentToken(c models.ConfirmationInfo, resp *adsclient.PaymentToken) (models.UnblindedPaymentTokenInfo, bool, error) {
	if resp.ID == "" || resp.ID != c.ID {
		return models.UnblindedPaymentTokenInfo{}, false, ErrMismatchedID
	}
	signing := resp.PaymentToken
	if signing == nil {
		return models.UnblindedPaymentTokenInfo{}, false, fmt.Errorf("%w: payment token", ErrMissingPaymentToken)
	}
	pk := cbr.DecodePublicKeyBase64(signing.PublicKey)
	if !pk.HasValue() {
		return models.UnblindedPaymentTokenInfo{}, false, fmt.Errorf("%w: public key", ErrMissingPaymentToken)
	}
	info, ok := m.issuers.Issuers()
	if !ok {
		return models.UnblindedPaymentTokenInfo{}, true, ErrMissingIssuers
	}
	if !info.PublicKeyExists(models.IssuerTypePayments, pk) {
		return models.UnblindedPaymentTokenInfo{}, true, ErrUnknownPublicKey
	}
	proof := cbr.DecodeBatchDLEQProofBase64(signing.BatchProof)
	if !proof.HasValue() {
		return models.UnblindedPaymentTokenInfo{}, false, fmt.Errorf("%w: batch proof", ErrMissingPaymentToken)
	}
	if len(signing.SignedTokens) == 0 {
		return models.UnblindedPaymentTokenInfo{}, false, fmt.Errorf("%w: signed tokens", ErrMissingPaymentToken)
	}
	signed := make([]cbr.SignedToken, len(signing.SignedTokens))
	for i, s := range signing.SignedTokens {
		signed[i] = cbr.DecodeSignedTokenBase64(s)
		if !signed[i].HasValue() {
			return models.UnblindedPaymentTokenInfo{}, false, fmt.Errorf("%w: signed token %d", ErrMissingPaymentToken, i)
		}
	}

	unblinded, err := proof.VerifyAndUnblind(
		[]cbr.Token{c.OptedIn.PaymentToken},
		[]cbr.BlindedToken{c.OptedIn.BlindedPaymentToken},
		signed, pk)
	if err != nil {
		return models.UnblindedPaymentTokenInfo{}, false, fmt.Errorf("verify payment token: %w", err)
	}
	return models.UnblindedPaymentTokenInfo{
		TransactionID:    c.TransactionID,
		Value:            unblinded[0],
		PublicKey:        pk,
		ConfirmationType: c.Type,
		AdType:           c.AdType,
	}, false, nil
}

func (m *Manager) failed(ctx context.Context, c models.ConfirmationInfo, retry, backoff bool, err error) error {
	outcome := "dropped"
	if retry {
		outcome = "retry"
	}
	m.metrics.IncrementConfirmations(string(c.Type), outcome)
	m.logger.Error("failed to redeem confirmation",
		zap.String("confirmation_id", c.ID),
		zap.Bool("should_retry", retry),
		zap.Bool("should_backoff", backoff),
		zap.Error(err))
	if retry {
		m.requeue(c)
	} else {
		m.settle(c)
	}
	m.emit(ctx, Failed{Confirmation: c, ShouldRetry: retry, ShouldBackoff: backoff, Err: err})
	return err
}

// requeue stores the latest state of c in the retry queue, replacing an
// earlier copy so a confirmation created on the server is not created again.
func (m *Manager) requeue(c models.ConfirmationInfo) {
	if m.retryQueue == nil {
		return
	}
	m.retryQueue.RemoveToken(c)
	m.retryQueue.AddTokens([]models.ConfirmationInfo{c})
}

// settle removes c from the retry queue once it needs no further attempts.
func (m *Manager) settle(c models.ConfirmationInfo) {
	if m.retryQueue != nil {
		m.retryQueue.RemoveToken(c)
	}
}

// emit delivers e to the consumer, waiting for room in the buffer until ctx
// is done. Retryable confirmations are already in the retry queue by then.
func (m *Manager) emit(ctx context.Context, e Event) {
	select {
	case m.events <- e:
	case <-ctx.Done():
		m.logger.Warn("redeem event not delivered", zap.String("event", fmt.Sprintf("%T", e)), zap.Error(ctx.Err()))
	}
}
