package refill

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/adsclient"
	"github.com/patrickwarner/adconfirm/internal/adsclient/adsclienttest"
	"github.com/patrickwarner/adconfirm/internal/issuers"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
	"github.com/patrickwarner/adconfirm/internal/tokens"
)

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

func testConfig() Config {
	return Config{
		MinimumTokens:   10,
		MaximumTokens:   20,
		RetryDelay:      10 * time.Millisecond,
		MaxBackoffDelay: 50 * time.Millisecond,
	}
}

type fixture struct {
	server  *adsclienttest.Server
	client  *adsclient.Client
	pool    *tokens.ConfirmationTokens
	manager *Manager
	metrics *observability.MockMetricsRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := adsclienttest.NewServer(t)
	client := adsclient.New(srv.URL, 2*time.Second, 0, 1, zap.NewNop(), observability.NewNoOpRegistry())
	metrics := observability.NewMockMetricsRegistry()
	pool := tokens.NewConfirmationTokens(nil, zap.NewNop(), metrics)
	m := New(client, pool, issuers.Static(srv.Issuers()), testConfig(), zap.NewNop(), metrics)
	t.Cleanup(m.Stop)
	return &fixture{server: srv, client: client, pool: pool, manager: m, metrics: metrics}
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case e := <-m.Events():
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refill event")
		return nil
	}
}

func assertNoEvent(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case e := <-m.Events():
		t.Fatalf("unexpected event %T", e)
	default:
	}
}

func TestMaybeRefill_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.manager.MaybeRefill(context.Background(), testWallet(t))

	assert.Equal(t, 20, f.pool.Count())
	assert.Equal(t, Succeeded{Count: 20}, nextEvent(t, f.manager))
	assertNoEvent(t, f.manager)
	assert.False(t, f.manager.IsRetrying())
	assert.Equal(t, 1, f.metrics.Count("IncrementRefills:success"))

	for _, tok := range f.pool.GetAllTokens() {
		assert.True(t, tok.PublicKey.Equal(f.server.Confirmations.PublicKey()))
	}
}

func TestMaybeRefill_TopsUpToMaximum(t *testing.T) {
	f := newFixture(t)
	wallet := testWallet(t)
	f.manager.MaybeRefill(context.Background(), wallet)
	nextEvent(t, f.manager)

	f.pool.RemoveTokens(f.pool.GetAllTokens()[:15])
	require.Equal(t, 5, f.pool.Count())

	f.manager.MaybeRefill(context.Background(), wallet)
	assert.Equal(t, Succeeded{Count: 15}, nextEvent(t, f.manager))
	assert.Equal(t, 20, f.pool.Count())
}

func TestMaybeRefill_NotNeeded(t *testing.T) {
	f := newFixture(t)
	wallet := testWallet(t)
	f.manager.MaybeRefill(context.Background(), wallet)
	nextEvent(t, f.manager)

	f.manager.MaybeRefill(context.Background(), wallet)
	assertNoEvent(t, f.manager)
	assert.Equal(t, 1, f.server.Requests(adsclient.EndpointRequestSignedTokens))
}

func TestMaybeRefill_InvalidWalletDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	f.manager.MaybeRefill(context.Background(), models.WalletInfo{})

	e, ok := nextEvent(t, f.manager).(Failed)
	require.True(t, ok)
	assert.ErrorIs(t, e.Err, ErrInvalidWallet)
	assertNoEvent(t, f.manager)
	assert.False(t, f.manager.IsRetrying())
	assert.Zero(t, f.server.Requests(adsclient.EndpointRequestSignedTokens))
}

func TestMaybeRefill_MissingIssuersDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	m := New(f.client, f.pool, issuers.NewCache(nil), testConfig(), zap.NewNop(), nil)
	t.Cleanup(m.Stop)

	m.MaybeRefill(context.Background(), testWallet(t))
	e, ok := nextEvent(t, m).(Failed)
	require.True(t, ok)
	assert.ErrorIs(t, e.Err, ErrMissingIssuers)
	assert.False(t, m.IsRetrying())
}

func TestMaybeRefill_CaptchaSuspendsWithoutBackoff(t *testing.T) {
	f := newFixture(t)
	wallet := testWallet(t)
	f.server.SetBehavior(adsclienttest.Behavior{CaptchaID: "daf85dc8-164e-4eb9-a4d4-1836055004b3"})

	f.manager.MaybeRefill(context.Background(), wallet)
	assert.Equal(t, CaptchaRequired{CaptchaID: "daf85dc8-164e-4eb9-a4d4-1836055004b3"}, nextEvent(t, f.manager))
	assertNoEvent(t, f.manager)
	assert.False(t, f.manager.IsRetrying())
	assert.True(t, f.pool.IsEmpty())

	// suspended: no further requests until the captcha is resolved
	f.manager.MaybeRefill(context.Background(), wallet)
	assert.Equal(t, 1, f.server.Requests(adsclient.EndpointGetSignedTokens))

	f.server.SetBehavior(adsclienttest.Behavior{})
	f.manager.ResolveCaptcha(context.Background(), wallet, "daf85dc8-164e-4eb9-a4d4-1836055004b3")
	assert.Equal(t, Succeeded{Count: 20}, nextEvent(t, f.manager))
	assert.Empty(t, f.manager.CaptchaID())

	// resumed with the original nonce
	assert.Equal(t, 1, f.server.Requests(adsclient.EndpointRequestSignedTokens))
	assert.Equal(t, 2, f.server.Requests(adsclient.EndpointGetSignedTokens))
}

func TestMaybeRefill_ResolveUnknownCaptchaIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.server.SetBehavior(adsclienttest.Behavior{CaptchaID: "expected"})
	wallet := testWallet(t)
	f.manager.MaybeRefill(context.Background(), wallet)
	nextEvent(t, f.manager)

	f.manager.ResolveCaptcha(context.Background(), wallet, "other")
	assert.Equal(t, "expected", f.manager.CaptchaID())
}

func TestMaybeRefill_InvalidProofRejectsWholeBatch(t *testing.T) {
	f := newFixture(t)
	f.server.SetBehavior(adsclienttest.Behavior{SignWithRogueKey: true})

	f.manager.MaybeRefill(context.Background(), testWallet(t))
	e, ok := nextEvent(t, f.manager).(Failed)
	require.True(t, ok)
	assert.Error(t, e.Err)
	_, ok = nextEvent(t, f.manager).(WillRetry)
	assert.True(t, ok)
	assert.Zero(t, f.pool.Count())
	assert.True(t, f.manager.IsRetrying())
}

func TestMaybeRefill_UnknownPublicKey(t *testing.T) {
	f := newFixture(t)
	f.server.SetBehavior(adsclienttest.Behavior{ReportRogueKey: true})

	f.manager.MaybeRefill(context.Background(), testWallet(t))
	e, ok := nextEvent(t, f.manager).(Failed)
	require.True(t, ok)
	assert.ErrorIs(t, e.Err, ErrUnknownPublicKey)
	assert.Zero(t, f.pool.Count())
}

func TestMaybeRefill_MissingNonceRetries(t *testing.T) {
	f := newFixture(t)
	f.server.SetBehavior(adsclienttest.Behavior{OmitNonce: true})

	f.manager.MaybeRefill(context.Background(), testWallet(t))
	e, ok := nextEvent(t, f.manager).(Failed)
	require.True(t, ok)
	assert.ErrorIs(t, e.Err, adsclient.ErrInvalidResponse)
	_, ok = nextEvent(t, f.manager).(WillRetry)
	assert.True(t, ok)
}

func TestMaybeRefill_RetryAnnouncedWhenBufferIsFull(t *testing.T) {
	f := newFixture(t)
	f.server.SetBehavior(adsclienttest.Behavior{OmitNonce: true})
	for i := 0; i < eventBuffer; i++ {
		f.manager.events <- DidRetry{}
	}

	go f.manager.MaybeRefill(context.Background(), testWallet(t))

	for i := 0; i < eventBuffer; i++ {
		_, ok := nextEvent(t, f.manager).(DidRetry)
		require.True(t, ok)
	}
	_, ok := nextEvent(t, f.manager).(Failed)
	require.True(t, ok)
	_, ok = nextEvent(t, f.manager).(WillRetry)
	assert.True(t, ok)
}

func TestMaybeRefill_NoConcurrentRefillWhileRetryPending(t *testing.T) {
	f := newFixture(t)
	f.server.SetBehavior(adsclienttest.Behavior{RequestTokensStatus: http.StatusInternalServerError})
	m := New(f.client, f.pool, issuers.Static(f.server.Issuers()), Config{
		MinimumTokens: 10, MaximumTokens: 20, RetryDelay: time.Hour, MaxBackoffDelay: time.Hour,
	}, zap.NewNop(), nil)
	t.Cleanup(m.Stop)

	wallet := testWallet(t)
	m.MaybeRefill(context.Background(), wallet)
	nextEvent(t, m)
	nextEvent(t, m)

	m.MaybeRefill(context.Background(), wallet)
	assert.Equal(t, 1, f.server.Requests(adsclient.EndpointRequestSignedTokens))
}

// flakyClient fails the first failures GET requests with a 500.
type flakyClient struct {
	*adsclient.Client
	failures atomic.Int32
}

func (c *flakyClient) GetSignedTokens(ctx context.Context, wallet models.WalletInfo, nonce string) (*adsclient.SignedTokens, error) {
	if c.failures.Add(-1) >= 0 {
		return nil, &adsclient.StatusError{Code: http.StatusInternalServerError}
	}
	return c.Client.GetSignedTokens(ctx, wallet, nonce)
}

func TestMaybeRefill_RetryResumesWithSameNonce(t *testing.T) {
	f := newFixture(t)
	client := &flakyClient{Client: f.client}
	client.failures.Store(2)
	m := New(client, f.pool, issuers.Static(f.server.Issuers()), testConfig(), zap.NewNop(), nil)
	t.Cleanup(m.Stop)

	m.MaybeRefill(context.Background(), testWallet(t))

	var seen []string
	for {
		e := nextEvent(t, m)
		switch ev := e.(type) {
		case Failed:
			var se *adsclient.StatusError
			assert.True(t, errors.As(ev.Err, &se))
			seen = append(seen, "failed")
		case WillRetry:
			assert.False(t, ev.At.IsZero())
			seen = append(seen, "will_retry")
		case DidRetry:
			seen = append(seen, "did_retry")
		case Succeeded:
			seen = append(seen, "succeeded")
		}
		if _, done := e.(Succeeded); done {
			break
		}
	}

	assert.Equal(t, []string{
		"failed", "will_retry", "did_retry",
		"failed", "will_retry", "did_retry",
		"succeeded",
	}, seen)
	assert.Equal(t, 20, f.pool.Count())
	assert.Equal(t, 1, f.server.Requests(adsclient.EndpointRequestSignedTokens))
	assert.False(t, m.IsRetrying())
}
