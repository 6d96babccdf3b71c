package account

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"

	"github.com/patrickwarner/adconfirm/internal/adevents"
	"github.com/patrickwarner/adconfirm/internal/adsclient"
	"github.com/patrickwarner/adconfirm/internal/adsclient/adsclienttest"
	"github.com/patrickwarner/adconfirm/internal/cbr"
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

const testCreativeSetID = "c2ba3e7d-f688-4bc4-a053-cbe7ac1e6123"

type fixture struct {
	server  *adsclienttest.Server
	account *Account
	ledger  *ledger.MockLedger
	wallet  models.WalletInfo
}

func testWallet(t *testing.T) models.WalletInfo {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	w, err := models.WalletFromSeed("c387c2d8-a26d-4451-83e4-5c0c6fd942be", seed)
	require.NoError(t, err)
	return w
}

func newFixture(t *testing.T, poolSize int) *fixture {
	t.Helper()
	srv := adsclienttest.NewServer(t)
	wallet := testWallet(t)
	srv.RegisterWallet(wallet)
	metrics := observability.NewMockMetricsRegistry()
	logger := zap.NewNop()

	client := adsclient.New(srv.URL, 2*time.Second, 0, 1, logger, metrics)
	cache := issuers.Static(srv.Issuers())
	confirmationTokens := tokens.NewConfirmationTokens(nil, logger, metrics)
	paymentTokens := tokens.NewPaymentTokens(nil, logger, metrics)
	failed := tokens.NewConfirmations(nil, logger, metrics)
	if poolSize > 0 {
		confirmationTokens.SetTokens(issueTokens(t, srv.Confirmations, poolSize))
	}

	conn, err := db.OpenSQL(context.Background(), db.DriverSQLite, ":memory:", db.SQLOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { db.CloseSQL(conn) })
	events := adevents.New(conn, 0, logger, metrics)
	queue := conversions.NewQueue(conn, logger, metrics)

	l := ledger.NewMockLedger()
	a := New(Components{
		Client:   client,
		Issuers:  cache,
		Tokens:   confirmationTokens,
		Payments: paymentTokens,
		Failed:   failed,
		Refill: refill.New(client, confirmationTokens, cache, refill.Config{
			MinimumTokens:   2,
			MaximumTokens:   5,
			RetryDelay:      10 * time.Millisecond,
			MaxBackoffDelay: 50 * time.Millisecond,
		}, logger, metrics),
		Redeem: redeem.New(client, confirmationTokens, paymentTokens, cache,
			redeem.Config{BuildChannel: "release", Platform: "linux"}, logger, metrics),
		Payout: payout.New(client, paymentTokens, nil, payout.Config{
			Interval:        time.Hour,
			PastDueDelay:    10 * time.Millisecond,
			RetryDelay:      10 * time.Millisecond,
			MaxBackoffDelay: 50 * time.Millisecond,
		}, logger, metrics),
		AdEvents:    events,
		Conversions: queue,
		Matcher:     conversions.NewMatcher(queue, events, time.Hour, logger),
		Ledger:      l,
	}, Config{
		Wallet:                 wallet,
		ConfirmationRetryDelay: 10 * time.Millisecond,
		MaxBackoffDelay:        50 * time.Millisecond,
	}, logger, metrics)

	return &fixture{server: srv, account: a, ledger: l, wallet: wallet}
}

// start runs the account until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.account.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		_, ok := f.account.runContext()
		return ok
	}, 5*time.Second, 5*time.Millisecond)
}

func issueTokens(t *testing.T, issuer *cbr.Issuer, n int) []models.UnblindedTokenInfo {
	t.Helper()
	generated, err := cbr.RandomTokens(n)
	require.NoError(t, err)
	blinded, err := cbr.BlindTokens(generated)
	require.NoError(t, err)
	signed, proof, err := issuer.Sign(blinded)
	require.NoError(t, err)
	unblinded, err := proof.VerifyAndUnblind(generated, blinded, signed, issuer.PublicKey())
	require.NoError(t, err)

	out := make([]models.UnblindedTokenInfo, n)
	for i, u := range unblinded {
		out[i] = models.UnblindedTokenInfo{Value: u, PublicKey: issuer.PublicKey()}
	}
	return out
}

func testAd(adType models.AdType) models.AdInfo {
	return models.AdInfo{
		Type:               adType,
		PlacementID:        uuid.NewString(),
		CreativeInstanceID: "546fe7b0-5047-4f28-a11c-81f14edcf0f6",
		CreativeSetID:      testCreativeSetID,
		CampaignID:         "84197fc8-830a-4a8e-8339-7a70c2bfa104",
		AdvertiserID:       "5484a63f-eb99-4ba5-a3b0-8c25d3c0e4b2",
		Segment:            "untargeted",
		TargetURL:          "https://brave.com",
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

func TestOnAdEvent_RedeemsAndRecordsTransaction(t *testing.T) {
	f := newFixture(t, 5)
	f.start(t)

	event, err := f.account.OnAdEvent(context.Background(), testAd(models.AdTypeNotification), models.ConfirmationTypeViewed)
	require.NoError(t, err)
	assert.Equal(t, models.ConfirmationTypeViewed, event.ConfirmationType)
	assert.Equal(t, 4, f.account.Tokens.Count())
	assert.Equal(t, 1, f.account.Payments.Count())

	waitFor(t, func() bool { return len(f.ledger.All()) == 1 }, "transaction recorded")
	tx := f.ledger.All()[0]
	assert.Equal(t, f.account.Payments.GetAllTokens()[0].TransactionID, tx.ID)
	assert.Equal(t, event.CreativeInstanceID, tx.CreativeInstanceID)
	assert.Equal(t, models.ConfirmationTypeViewed, tx.ConfirmationType)
	assert.InDelta(t, 0.05, tx.Value, 1e-9)
	assert.False(t, tx.IsReconciled())
}

func TestOnAdEvent_FiresOncePerPlacement(t *testing.T) {
	f := newFixture(t, 5)
	ad := testAd(models.AdTypeNotification)

	_, err := f.account.OnAdEvent(context.Background(), ad, models.ConfirmationTypeViewed)
	require.NoError(t, err)
	_, err = f.account.OnAdEvent(context.Background(), ad, models.ConfirmationTypeViewed)
	assert.ErrorIs(t, err, ErrAlreadyFired)

	// a different confirmation type for the same placement still fires
	_, err = f.account.OnAdEvent(context.Background(), ad, models.ConfirmationTypeClicked)
	require.NoError(t, err)
	assert.Equal(t, 3, f.account.Tokens.Count())
}

func TestOnAdEvent_ServedIsLoggedNotConfirmed(t *testing.T) {
	f := newFixture(t, 5)
	ad := testAd(models.AdTypeNotification)

	_, err := f.account.OnAdEvent(context.Background(), ad, models.ConfirmationTypeServed)
	require.NoError(t, err)
	assert.Equal(t, 5, f.account.Tokens.Count())
	assert.Zero(t, f.server.Requests(adsclient.EndpointCreateConfirmation))

	fired, err := f.account.AdEvents.HasFired(context.Background(), ad.PlacementID, models.ConfirmationTypeServed)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestOnAdEvent_DismissedWithoutViewIsPurged(t *testing.T) {
	for _, ct := range []models.ConfirmationType{models.ConfirmationTypeDismissed, models.ConfirmationTypeTimedOut} {
		t.Run(string(ct), func(t *testing.T) {
			f := newFixture(t, 5)
			ctx := context.Background()
			ad := testAd(models.AdTypeNotification)

			_, err := f.account.OnAdEvent(ctx, ad, models.ConfirmationTypeServed)
			require.NoError(t, err)
			_, err = f.account.OnAdEvent(ctx, ad, ct)
			require.NoError(t, err)

			assert.Equal(t, 5, f.account.Tokens.Count())
			assert.Zero(t, f.server.Requests(adsclient.EndpointCreateConfirmation))
			events, err := f.account.AdEvents.GetAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestOnAdEvent_DismissedAfterViewIsConfirmed(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	ad := testAd(models.AdTypeNotification)
	// an unrelated placement that was only served is left for Load to purge
	other := testAd(models.AdTypeNotification)
	_, err := f.account.OnAdEvent(ctx, other, models.ConfirmationTypeServed)
	require.NoError(t, err)

	for _, ct := range []models.ConfirmationType{models.ConfirmationTypeServed, models.ConfirmationTypeViewed, models.ConfirmationTypeDismissed} {
		_, err := f.account.OnAdEvent(ctx, ad, ct)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, f.account.Tokens.Count())
	assert.Len(t, f.server.ConfirmationsOfType(string(models.ConfirmationTypeDismissed)), 1)
	events, err := f.account.AdEvents.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestOnAdEvent_ConcurrentFiresConfirmOnce(t *testing.T) {
	f := newFixture(t, 10)
	ad := testAd(models.AdTypeNotification)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.account.OnAdEvent(context.Background(), ad, models.ConfirmationTypeViewed)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	fired := 0
	for err := range errs {
		if err == nil {
			fired++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyFired)
	}
	assert.Equal(t, 1, fired)
	assert.Equal(t, 9, f.account.Tokens.Count())
	assert.Len(t, f.server.ConfirmationsOfType(string(models.ConfirmationTypeViewed)), 1)
}

func TestOnAdEvent_Invalid(t *testing.T) {
	f := newFixture(t, 5)
	ad := testAd(models.AdTypeNotification)
	ad.PlacementID = ""
	_, err := f.account.OnAdEvent(context.Background(), ad, models.ConfirmationTypeViewed)
	assert.ErrorIs(t, err, ErrInvalidAd)

	_, err = f.account.OnAdEvent(context.Background(), testAd(models.AdTypeNotification), "bogus")
	assert.ErrorIs(t, err, ErrInvalidAd)
}

func TestOnAdEvent_PoolExhausted(t *testing.T) {
	f := newFixture(t, 0)
	ad := testAd(models.AdTypeNotification)

	_, err := f.account.OnAdEvent(context.Background(), ad, models.ConfirmationTypeViewed)
	assert.ErrorIs(t, err, redeem.ErrTokenPoolExhausted)

	// the event is still logged so it is not confirmed twice
	fired, err := f.account.AdEvents.HasFired(context.Background(), ad.PlacementID, models.ConfirmationTypeViewed)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestOnAdEvent_OptedOut(t *testing.T) {
	f := newFixture(t, 5)
	f.account.Redeem.SetOptedIn(false)
	f.start(t)

	_, err := f.account.OnAdEvent(context.Background(), testAd(models.AdTypeNotification), models.ConfirmationTypeViewed)
	require.NoError(t, err)
	assert.Equal(t, 5, f.account.Tokens.Count())

	created := f.server.ConfirmationsOfType(string(models.ConfirmationTypeViewed))
	require.Len(t, created, 1)
	assert.Empty(t, created[0].BlindedPaymentTokens)
	assert.Never(t, func() bool { return len(f.ledger.All()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRun_RefillsLowPool(t *testing.T) {
	f := newFixture(t, 0)
	f.start(t)

	waitFor(t, func() bool { return f.account.Tokens.Count() == 5 }, "pool refilled to maximum")
	assert.Equal(t, 1, f.server.Requests(adsclient.EndpointRequestSignedTokens))
}

func TestRun_RefillsAfterSpending(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)

	// spending one token takes the pool below the minimum
	_, err := f.account.OnAdEvent(context.Background(), testAd(models.AdTypeNotification), models.ConfirmationTypeViewed)
	require.NoError(t, err)
	waitFor(t, func() bool { return f.account.Tokens.Count() == 5 }, "pool refilled to maximum")
}

func TestRun_RetriesFailedConfirmation(t *testing.T) {
	f := newFixture(t, 5)
	f.start(t)
	f.server.SetBehavior(adsclienttest.Behavior{FetchStatus: 503})

	_, err := f.account.OnAdEvent(context.Background(), testAd(models.AdTypeNotification), models.ConfirmationTypeViewed)
	require.Error(t, err)
	waitFor(t, func() bool { return f.account.Failed.Count() == 1 }, "confirmation queued")
	assert.True(t, f.account.Failed.GetAllTokens()[0].WasCreated)

	f.server.SetBehavior(adsclienttest.Behavior{})
	waitFor(t, func() bool { return f.account.Failed.IsEmpty() && len(f.ledger.All()) == 1 }, "confirmation retried")
	assert.Equal(t, 4, f.account.Tokens.Count())
	assert.Equal(t, 1, f.account.Payments.Count())
	// created once, fetched until it succeeded
	assert.Equal(t, 1, f.server.Requests(adsclient.EndpointCreateConfirmation))
}

func TestRun_DroppedConfirmationIsNotQueued(t *testing.T) {
	f := newFixture(t, 5)
	f.start(t)
	f.server.SetBehavior(adsclienttest.Behavior{FetchWrongID: true})

	_, err := f.account.OnAdEvent(context.Background(), testAd(models.AdTypeNotification), models.ConfirmationTypeViewed)
	require.Error(t, err)
	assert.Never(t, func() bool { return f.account.Failed.Count() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, f.ledger.All())
}

func TestRun_ResumesQueuedConfirmations(t *testing.T) {
	f := newFixture(t, 5)
	f.server.SetBehavior(adsclienttest.Behavior{FetchStatus: 503})
	_, err := f.account.OnAdEvent(context.Background(), testAd(models.AdTypeNotification), models.ConfirmationTypeViewed)
	require.Error(t, err)

	// the confirmation is queued before Run ever sees the failure
	assert.Equal(t, 1, f.account.Failed.Count())
	e := <-f.account.Redeem.Events()
	failed, ok := e.(redeem.Failed)
	require.True(t, ok)
	assert.True(t, f.account.Failed.TokenExists(failed.Confirmation))

	f.server.SetBehavior(adsclienttest.Behavior{})
	f.start(t)
	waitFor(t, func() bool { return f.account.Failed.IsEmpty() && len(f.ledger.All()) == 1 }, "queued confirmation redeemed")
}

func TestPayoutReconcilesTransactions(t *testing.T) {
	f := newFixture(t, 5)
	f.start(t)

	_, err := f.account.OnAdEvent(context.Background(), testAd(models.AdTypeNotification), models.ConfirmationTypeViewed)
	require.NoError(t, err)
	waitFor(t, func() bool { return len(f.ledger.All()) == 1 }, "transaction recorded")

	f.account.Payout.Redeem(context.Background(), f.wallet)
	require.Len(t, f.server.Payouts(), 1)
	assert.Zero(t, f.account.Payments.Count())
	waitFor(t, func() bool { return f.ledger.All()[0].IsReconciled() }, "transaction reconciled")
}

func TestRecordVisitAndProcessConversions(t *testing.T) {
	f := newFixture(t, 5)
	f.start(t)
	ctx := context.Background()

	public, secret, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, f.account.SaveCreativeSetConversions(ctx, []models.CreativeSetConversionInfo{{
		CreativeSetID:       testCreativeSetID,
		Type:                models.ConversionTypePostView,
		URLPattern:          "https://www.brave.com/signup/*",
		AdvertiserPublicKey: base64.StdEncoding.EncodeToString(public[:]),
		ObservationWindow:   24 * time.Hour,
		ExpireAt:            time.Now().Add(30 * 24 * time.Hour),
	}}))

	_, err = f.account.OnAdEvent(ctx, testAd(models.AdTypeNotification), models.ConfirmationTypeViewed)
	require.NoError(t, err)

	html := `<html><head><meta name="ad-conversion-id" content="smartbrownfoxes42"></head></html>`
	queued, err := f.account.RecordVisit(ctx, []string{"https://www.brave.com/signup/thankyou"}, html)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.True(t, queued[0].IsVerifiable())

	// nothing is due yet
	n, err := f.account.ProcessConversions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	waitFor(t, func() bool { return len(f.ledger.All()) == 1 }, "view transaction recorded")
	f.account.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	n, err = f.account.ProcessConversions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	created := f.server.ConfirmationsOfType(string(models.ConfirmationTypeConversion))
	require.Len(t, created, 1)
	envelope := conversions.Envelope{
		Algorithm:          created[0].Payload[conversions.UserDataAlgorithm],
		Ciphertext:         created[0].Payload[conversions.UserDataCiphertext],
		EphemeralPublicKey: created[0].Payload[conversions.UserDataPublicKey],
		Nonce:              created[0].Payload[conversions.UserDataNonce],
	}
	id, err := conversions.OpenEnvelope(envelope, base64.StdEncoding.EncodeToString(secret[:]))
	require.NoError(t, err)
	assert.Equal(t, "smartbrownfoxes42", id)

	unprocessed, err := f.account.Conversions.GetUnprocessed(ctx)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
	waitFor(t, func() bool { return len(f.ledger.All()) == 2 }, "conversion transaction recorded")
}

func TestProcessConversions_StopsWhenPoolExhausted(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.account.Conversions.Save(ctx, models.ConversionQueueItemInfo{
		ID:                 uuid.NewString(),
		AdType:             models.AdTypeNotification,
		CreativeInstanceID: "546fe7b0-5047-4f28-a11c-81f14edcf0f6",
		CreativeSetID:      testCreativeSetID,
		ProcessAt:          time.Now().Add(-time.Minute),
	}))

	n, err := f.account.ProcessConversions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	unprocessed, err := f.account.Conversions.GetUnprocessed(ctx)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 1)
}

func TestRefreshIssuers_DropsRetiredTokens(t *testing.T) {
	f := newFixture(t, 3)
	retired, err := cbr.NewIssuer()
	require.NoError(t, err)
	f.account.Tokens.AddTokens(issueTokens(t, retired, 2))
	require.Equal(t, 5, f.account.Tokens.Count())

	require.NoError(t, f.account.RefreshIssuers(context.Background()))
	assert.Equal(t, 3, f.account.Tokens.Count())
	assert.Equal(t, 1, f.server.Requests(adsclient.EndpointIssuers))
	for _, tok := range f.account.Tokens.GetAllTokens() {
		assert.True(t, tok.PublicKey.Equal(f.server.Confirmations.PublicKey()))
	}
}

func TestRefreshIssuers_ServerError(t *testing.T) {
	f := newFixture(t, 3)
	f.server.SetBehavior(adsclienttest.Behavior{IssuersStatus: 500})
	assert.Error(t, f.account.RefreshIssuers(context.Background()))
	assert.Equal(t, 3, f.account.Tokens.Count())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 5)
	f.start(t)

	_, err := f.account.OnAdEvent(context.Background(), testAd(models.AdTypeNotification), models.ConfirmationTypeViewed)
	require.NoError(t, err)
	waitFor(t, func() bool { return len(f.ledger.All()) == 1 }, "transaction recorded")

	s := f.account.Status(context.Background())
	assert.True(t, s.OptedIn)
	assert.Equal(t, 4, s.ConfirmationTokens)
	assert.Equal(t, 1, s.PaymentTokens)
	assert.Zero(t, s.FailedConfirmations)
	assert.False(t, s.NextTokenRedemptionAt.IsZero())
	assert.InDelta(t, 0.05, s.EstimatedPendingRewards, 1e-9)
	assert.Equal(t, 1, s.AdsReceivedThisMonth)
	require.NotNil(t, s.Earnings)
	assert.Equal(t, 1, s.Earnings.PendingCount)
	assert.Equal(t, f.server.Issuers().Ping, s.IssuersPing)
}

func TestStatus_LedgerUnavailable(t *testing.T) {
	f := newFixture(t, 5)
	f.ledger.Err = ledger.ErrUnavailable
	s := f.account.Status(context.Background())
	assert.Nil(t, s.Earnings)
	assert.Equal(t, 5, s.ConfirmationTokens)
}

func TestLoad_PurgesOrphanedEvents(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	orphan := testAd(models.AdTypeNewTabPage)
	_, err := f.account.OnAdEvent(ctx, orphan, models.ConfirmationTypeServed)
	require.NoError(t, err)
	notification := testAd(models.AdTypeNotification)
	_, err = f.account.OnAdEvent(ctx, notification, models.ConfirmationTypeServed)
	require.NoError(t, err)

	require.NoError(t, f.account.Load(ctx))

	fired, err := f.account.AdEvents.HasFired(ctx, orphan.PlacementID, models.ConfirmationTypeServed)
	require.NoError(t, err)
	assert.False(t, fired)
	fired, err = f.account.AdEvents.HasFired(ctx, notification.PlacementID, models.ConfirmationTypeServed)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestResolveCaptcha_NotRunning(t *testing.T) {
	f := newFixture(t, 0)
	assert.ErrorIs(t, f.account.ResolveCaptcha("captcha"), ErrNotRunning)
}
