// Package account owns the token pools, the managers that spend and refill
// them and the local ad event and conversion stores.
//
// The managers report their outcomes on channels; Run consumes them and
// performs the follow-up work: failed confirmations are queued and retried,
// earned payment tokens become ledger transactions and every redemption may
// trigger a refill or schedule a payout.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/adevents"
	"github.com/patrickwarner/adconfirm/internal/backoff"
	"github.com/patrickwarner/adconfirm/internal/conversions"
	"github.com/patrickwarner/adconfirm/internal/issuers"
	"github.com/patrickwarner/adconfirm/internal/ledger"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
	"github.com/patrickwarner/adconfirm/internal/payout"
	"github.com/patrickwarner/adconfirm/internal/redeem"
	"github.com/patrickwarner/adconfirm/internal/refill"
	"github.com/patrickwarner/adconfirm/internal/tokens"
)

var (
	ErrInvalidAd     = errors.New("invalid ad")
	ErrAlreadyFired  = errors.New("ad event already fired for placement")
	ErrNotRunning    = errors.New("account is not running")
	ErrMissingWallet = errors.New("account has no valid wallet")
)

var tracer = observability.Tracer("account")

// ad types whose placements are purged at startup when they were served but
// never viewed
var orphanedAdTypes = []models.AdType{
	models.AdTypeNewTabPage,
	models.AdTypePromotedContent,
	models.AdTypeInlineContent,
}

// IssuersClient fetches the issuers document.
type IssuersClient interface {
	FetchIssuers(ctx context.Context) (models.IssuersInfo, error)
}

type Config struct {
	Wallet models.WalletInfo
	// ConfirmationRetryDelay is the base delay before the failed queue is
	// retried.
	ConfirmationRetryDelay time.Duration
	MaxBackoffDelay        time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfirmationRetryDelay: 15 * time.Second,
		MaxBackoffDelay:        time.Hour,
	}
}

// Components are the stores and managers an Account owns. Ledger and Matcher
// may be nil.
type Components struct {
	Client      IssuersClient
	Issuers     *issuers.Cache
	Tokens      *tokens.ConfirmationTokens
	Payments    *tokens.PaymentTokens
	Failed      *tokens.Confirmations
	Refill      *refill.Manager
	Redeem      *redeem.Manager
	Payout      *payout.Manager
	AdEvents    *adevents.Store
	Conversions *conversions.Queue
	Matcher     *conversions.Matcher
	Ledger      ledger.Service
}

// Account ties the managers together.
type Account struct {
	Components

	cfg     Config
	logger  *zap.Logger
	metrics observability.MetricsRegistry
	now     func() time.Time

	retrier *backoff.Timer

	mu  sync.Mutex
	ctx context.Context // set while Run is active
}

func New(c Components, cfg Config, logger *zap.Logger, metrics observability.MetricsRegistry) *Account {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if c.Ledger == nil {
		c.Ledger = ledger.NewMockLedger()
	}
	if c.Redeem != nil && c.Failed != nil {
		c.Redeem.SetRetryQueue(c.Failed)
	}
	return &Account{
		Components: c,
		cfg:        cfg,
		logger:     logger.Named("account"),
		metrics:    metrics,
		now:        time.Now,
		retrier:    backoff.New(cfg.MaxBackoffDelay),
	}
}

// Load restores persisted pools, issuers and the next redemption date, and
// drops ad events of placements that were never viewed.
func (a *Account) Load(ctx context.Context) error {
	if err := a.Issuers.Load(ctx); err != nil {
		a.logger.Warn("could not restore issuers", zap.Error(err))
	}
	if err := a.Tokens.Load(ctx); err != nil {
		return fmt.Errorf("load confirmation tokens: %w", err)
	}
	if err := a.Payments.Load(ctx); err != nil {
		return fmt.Errorf("load payment tokens: %w", err)
	}
	if err := a.Failed.Load(ctx); err != nil {
		return fmt.Errorf("load failed confirmations: %w", err)
	}
	if err := a.Payout.Load(ctx); err != nil {
		return err
	}
	for _, adType := range orphanedAdTypes {
		if _, err := a.AdEvents.PurgeOrphaned(ctx, adType); err != nil {
			return err
		}
	}
	a.logger.Info("account loaded",
		zap.Int("confirmation_tokens", a.Tokens.Count()),
		zap.Int("payment_tokens", a.Payments.Count()),
		zap.Int("failed_confirmations", a.Failed.Count()))
	return nil
}

// Run starts refilling, payouts and retries, then handles manager events
// until ctx is cancelled.
func (a *Account) Run(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.ctx = nil
		a.mu.Unlock()
		a.retrier.Stop()
		a.Refill.Stop()
		a.Payout.Stop()
	}()

	a.maybeRefill()
	a.maybeRedeemAfterDelay()
	if !a.Failed.IsEmpty() {
		a.scheduleRetry(false)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-a.Refill.Events():
			a.onRefillEvent(e)
		case e := <-a.Redeem.Events():
			a.onRedeemEvent(ctx, e)
		case e := <-a.Payout.Events():
			a.onPayoutEvent(ctx, e)
		}
	}
}

// OnAdEvent logs the event for ad and redeems a confirmation for it. Each
// confirmation type fires once per placement. Served events are logged but
// not confirmed.
func (a *Account) OnAdEvent(ctx context.Context, ad models.AdInfo, ct models.ConfirmationType) (models.AdEventInfo, error) {
	ctx, span := tracer.Start(ctx, "account.OnAdEvent", trace.WithAttributes(
		attribute.String("ad.type", string(ad.Type)),
		attribute.String("ad.confirmation_type", string(ct)),
	))
	defer span.End()

	event, err := a.onAdEvent(ctx, ad, ct)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return event, err
}

func (a *Account) onAdEvent(ctx context.Context, ad models.AdInfo, ct models.ConfirmationType) (models.AdEventInfo, error) {
	if !ad.IsValid() || !ct.IsValid() {
		return models.AdEventInfo{}, ErrInvalidAd
	}
	fired, err := a.AdEvents.HasFired(ctx, ad.PlacementID, ct)
	if err != nil {
		return models.AdEventInfo{}, err
	}
	if fired {
		a.logger.Debug("ad event already fired",
			zap.String("placement_id", ad.PlacementID), zap.String("confirmation_type", string(ct)))
		return models.AdEventInfo{}, ErrAlreadyFired
	}

	event := models.NewAdEvent(uuid.NewString(), ad, ct, a.now().UTC())
	if err := a.AdEvents.LogEvent(ctx, event); err != nil {
		if errors.Is(err, adevents.ErrAlreadyLogged) {
			return models.AdEventInfo{}, ErrAlreadyFired
		}
		return models.AdEventInfo{}, err
	}
	switch ct {
	case models.ConfirmationTypeServed:
		return event, nil
	case models.ConfirmationTypeDismissed, models.ConfirmationTypeTimedOut:
		// the placement is finished; if it was never viewed its events go
		// and nothing is confirmed
		purged, err := a.AdEvents.PurgeOrphanedForPlacements(ctx, []string{ad.PlacementID})
		if err != nil {
			return event, err
		}
		if purged > 0 {
			a.logger.Info("dropped placement that was never viewed",
				zap.String("placement_id", ad.PlacementID), zap.Int64("events", purged))
			return event, nil
		}
	}
	if err := a.Redeem.Redeem(ctx, event, ct); err != nil {
		return event, err
	}
	return event, nil
}

// RecordVisit matches a page visit against the stored creative set
// conversions and queues any conversion it triggers.
func (a *Account) RecordVisit(ctx context.Context, redirectChain []string, html string) ([]models.ConversionQueueItemInfo, error) {
	if a.Matcher == nil {
		return nil, nil
	}
	sets, err := a.Conversions.GetCreativeSetConversions(ctx, a.now())
	if err != nil {
		return nil, err
	}
	return a.Matcher.MaybeConvert(ctx, redirectChain, html, sets)
}

// ProcessConversions confirms every conversion whose process time has come.
// Verifiable conversions carry their id sealed for the advertiser. It stops
// early when the token pool runs dry and returns how many were confirmed.
func (a *Account) ProcessConversions(ctx context.Context) (int, error) {
	due, err := a.Conversions.GetDue(ctx, a.now())
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, item := range due {
		event := models.AdEventInfo{
			ID:                 uuid.NewString(),
			Type:               item.AdType,
			ConfirmationType:   models.ConfirmationTypeConversion,
			PlacementID:        uuid.NewString(),
			CreativeInstanceID: item.CreativeInstanceID,
			CreativeSetID:      item.CreativeSetID,
			CampaignID:         item.CampaignID,
			AdvertiserID:       item.AdvertiserID,
			Segment:            item.Segment,
			CreatedAt:          a.now().UTC(),
		}

		var userData map[string]string
		if item.IsVerifiable() {
			envelope, err := conversions.SealEnvelope(item.ConversionID, item.AdvertiserPublicKey)
			if err != nil {
				a.logger.Warn("could not seal verifiable conversion, sending without it",
					zap.String("conversion_queue_item_id", item.ID), zap.Error(err))
			} else {
				userData = envelope.UserData()
			}
		}

		err := a.Redeem.RedeemWithUserData(ctx, event, models.ConfirmationTypeConversion, userData)
		if errors.Is(err, redeem.ErrTokenPoolExhausted) {
			return processed, nil
		}
		if err != nil {
			// the confirmation is in the failed queue or was dropped
			a.logger.Warn("conversion confirmation failed",
				zap.String("conversion_queue_item_id", item.ID), zap.Error(err))
		}
		if err := a.AdEvents.LogEvent(ctx, event); err != nil {
			a.logger.Warn("could not log conversion event", zap.Error(err))
		}
		if err := a.Conversions.MarkProcessed(ctx, item.ID); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// RefreshIssuers fetches the issuers document, drops confirmation tokens
// signed by keys that are no longer published and tops up the pool.
func (a *Account) RefreshIssuers(ctx context.Context) error {
	info, err := a.Client.FetchIssuers(ctx)
	if err != nil {
		return fmt.Errorf("fetch issuers: %w", err)
	}
	if err := a.Issuers.Set(ctx, info); err != nil {
		return err
	}

	var stale []models.UnblindedTokenInfo
	for _, t := range a.Tokens.GetAllTokens() {
		if !info.PublicKeyExists(models.IssuerTypeConfirmations, t.PublicKey) {
			stale = append(stale, t)
		}
	}
	if len(stale) > 0 {
		a.Tokens.RemoveTokens(stale)
		a.logger.Info("removed tokens signed by retired issuer keys", zap.Int("count", len(stale)))
	}

	a.maybeRefill()
	return nil
}

// ResolveCaptcha resumes refilling after the user solved captchaID.
func (a *Account) ResolveCaptcha(captchaID string) error {
	ctx, ok := a.runContext()
	if !ok {
		return ErrNotRunning
	}
	if !a.cfg.Wallet.IsValid() {
		return ErrMissingWallet
	}
	go a.Refill.ResolveCaptcha(ctx, a.cfg.Wallet, captchaID)
	return nil
}

// SaveCreativeSetConversions stores the conversion definitions of the
// current catalog.
func (a *Account) SaveCreativeSetConversions(ctx context.Context, sets []models.CreativeSetConversionInfo) error {
	return a.Conversions.SaveCreativeSetConversions(ctx, sets)
}

// Purge drops expired ad events and conversion definitions.
func (a *Account) Purge(ctx context.Context) error {
	now := a.now()
	if _, err := a.AdEvents.PurgeExpired(ctx, now); err != nil {
		return err
	}
	if _, err := a.Conversions.PurgeExpiredCreativeSetConversions(ctx, now); err != nil {
		return err
	}
	return nil
}

// Transactions returns the ledger entries created in [from, to).
func (a *Account) Transactions(ctx context.Context, from, to time.Time) ([]models.TransactionInfo, error) {
	return a.Ledger.GetTransactions(ctx, from, to)
}

func (a *Account) runContext() (context.Context, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx, a.ctx != nil
}

func (a *Account) maybeRefill() {
	ctx, ok := a.runContext()
	if !ok || !a.cfg.Wallet.IsValid() || !a.Redeem.OptedIn() {
		return
	}
	go a.Refill.MaybeRefill(ctx, a.cfg.Wallet)
}

func (a *Account) maybeRedeemAfterDelay() {
	ctx, ok := a.runContext()
	if !ok || !a.cfg.Wallet.IsValid() || !a.Redeem.OptedIn() {
		return
	}
	a.Payout.MaybeRedeemAfterDelay(ctx, a.cfg.Wallet)
}

func (a *Account) onRefillEvent(e refill.Event) {
	switch e := e.(type) {
	case refill.Succeeded:
		a.logger.Info("confirmation tokens refilled", zap.Int("added", e.Count), zap.Int("count", a.Tokens.Count()))
	case refill.Failed:
		a.logger.Warn("refill failed", zap.Error(e.Err))
	case refill.WillRetry:
		a.logger.Info("refill will retry", zap.Time("retry_at", e.At))
	case refill.CaptchaRequired:
		a.logger.Warn("refill needs a solved captcha", zap.String("captcha_id", e.CaptchaID))
	}
}

func (a *Account) onRedeemEvent(ctx context.Context, e redeem.Event) {
	switch e := e.(type) {
	case redeem.RedeemedOptedIn:
		a.dequeue(e.Confirmation)
		a.appendTransaction(ctx, e.Confirmation, e.PaymentToken)
		a.maybeRefill()
		a.maybeRedeemAfterDelay()
	case redeem.RedeemedOptedOut:
		a.dequeue(e.Confirmation)
	case redeem.Failed:
		if !e.ShouldRetry {
			a.dequeue(e.Confirmation)
			return
		}
		// the redeem manager queued it before reporting the failure
		a.logger.Info("confirmation waiting in retry queue",
			zap.String("confirmation_id", e.Confirmation.ID), zap.Int("queued", a.Failed.Count()))
		a.scheduleRetry(e.ShouldBackoff)
	case redeem.TokenPoolExhausted:
		a.maybeRefill()
	}
}

func (a *Account) onPayoutEvent(ctx context.Context, e payout.Event) {
	switch e := e.(type) {
	case payout.Redeemed:
		ids := make([]string, len(e.Tokens))
		for i, t := range e.Tokens {
			ids[i] = t.TransactionID
		}
		if err := a.Ledger.Reconcile(ctx, ids, a.now()); err != nil && !errors.Is(err, ledger.ErrUnavailable) {
			a.logger.Error("could not reconcile transactions", zap.Error(err))
		}
	case payout.ScheduledNext:
		a.logger.Info("next payout scheduled", zap.Time("next_redemption_at", e.At))
	case payout.Failed:
		a.logger.Warn("payout failed", zap.Error(e.Err))
	}
}

func (a *Account) appendTransaction(ctx context.Context, c models.ConfirmationInfo, token models.UnblindedPaymentTokenInfo) {
	info, _ := a.Issuers.Issuers()
	value, ok := info.AssociatedValue(models.IssuerTypePayments, token.PublicKey)
	if !ok {
		a.logger.Warn("payment token key has no associated value", zap.String("transaction_id", c.TransactionID))
	}
	t := models.TransactionInfo{
		ID:                 c.TransactionID,
		CreatedAt:          a.now().UTC(),
		CreativeInstanceID: c.CreativeInstanceID,
		Value:              value,
		AdType:             c.AdType,
		ConfirmationType:   c.Type,
	}
	if err := a.Ledger.AddTransaction(ctx, t); err != nil && !errors.Is(err, ledger.ErrUnavailable) {
		a.logger.Error("could not record transaction", zap.String("transaction_id", t.ID), zap.Error(err))
	}
}

// dequeue drops c from the failed queue. The redeem manager may already have
// removed it.
func (a *Account) dequeue(c models.ConfirmationInfo) {
	if a.Failed.RemoveToken(c) {
		a.logger.Info("removed confirmation from retry queue", zap.String("confirmation_id", c.ID))
	}
	if a.Failed.IsEmpty() {
		a.retrier.Stop()
	}
}

// scheduleRetry arms the failed queue timer unless it is already armed.
// Without backoff the delay starts again from the base.
func (a *Account) scheduleRetry(withBackoff bool) {
	if a.retrier.IsRunning() {
		return
	}
	if !withBackoff {
		a.retrier.Stop()
	}
	at := a.retrier.StartWithPrivacy(a.cfg.ConfirmationRetryDelay, a.retryFailed)
	a.logger.Info("retrying failed confirmations", zap.Time("retry_at", at), zap.Int("queued", a.Failed.Count()))
}

func (a *Account) retryFailed() {
	ctx, ok := a.runContext()
	if !ok {
		return
	}
	for _, c := range a.Failed.GetAllTokens() {
		if ctx.Err() != nil {
			return
		}
		_ = a.Redeem.Retry(ctx, c)
	}
}
