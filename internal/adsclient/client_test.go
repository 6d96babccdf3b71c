package adsclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/adsclient"
	"github.com/patrickwarner/adconfirm/internal/adsclient/adsclienttest"
	"github.com/patrickwarner/adconfirm/internal/cbr"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

func testWallet(t *testing.T) models.WalletInfo {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	w, err := models.WalletFromSeed("27a39b2f-9b2e-4eb0-bbb2-2f84447496e7", seed)
	require.NoError(t, err)
	return w
}

func newClient(url string, metrics observability.MetricsRegistry) *adsclient.Client {
	return adsclient.New(url, 2*time.Second, 0, 1, zap.NewNop(), metrics)
}

func blindedBatch(t *testing.T, n int) ([]cbr.Token, []string) {
	t.Helper()
	tokens, err := cbr.RandomTokens(n)
	require.NoError(t, err)
	blinded, err := cbr.BlindTokens(tokens)
	require.NoError(t, err)
	out := make([]string, n)
	for i, b := range blinded {
		out[i], _ = b.EncodeBase64()
	}
	return tokens, out
}

func TestClient_SignedTokensRoundTrip(t *testing.T) {
	srv := adsclienttest.NewServer(t)
	wallet := testWallet(t)
	srv.RegisterWallet(wallet)
	client := newClient(srv.URL, observability.NewNoOpRegistry())
	ctx := context.Background()

	_, blinded := blindedBatch(t, 3)
	nonce, err := client.RequestSignedTokens(ctx, wallet, blinded)
	require.NoError(t, err)
	assert.NotEmpty(t, nonce)

	resp, err := client.GetSignedTokens(ctx, wallet, nonce)
	require.NoError(t, err)
	assert.Len(t, resp.SignedTokens, 3)
	assert.NotEmpty(t, resp.BatchProof)
	expected, _ := srv.Confirmations.PublicKey().EncodeBase64()
	assert.Equal(t, expected, resp.PublicKey)
}

func TestClient_RequestSignedTokens_BadSignatureRejected(t *testing.T) {
	srv := adsclienttest.NewServer(t)
	wallet := testWallet(t)
	seed := make([]byte, 32)
	impostor, err := models.WalletFromSeed(wallet.PaymentID, append(seed, 1))
	require.NoError(t, err)
	srv.RegisterWallet(wallet)

	client := newClient(srv.URL, observability.NewNoOpRegistry())
	_, blinded := blindedBatch(t, 1)
	_, err = client.RequestSignedTokens(context.Background(), impostor, blinded)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, adsclient.StatusCode(err))
}

func TestClient_InvalidWallet(t *testing.T) {
	client := newClient("http://127.0.0.1:1", observability.NewNoOpRegistry())
	_, err := client.RequestSignedTokens(context.Background(), models.WalletInfo{}, []string{"x"})
	assert.ErrorIs(t, err, adsclient.ErrInvalidWallet)
}

func TestClient_MissingNonce(t *testing.T) {
	srv := adsclienttest.NewServer(t)
	srv.SetBehavior(adsclienttest.Behavior{OmitNonce: true})
	client := newClient(srv.URL, observability.NewNoOpRegistry())

	_, blinded := blindedBatch(t, 1)
	_, err := client.RequestSignedTokens(context.Background(), testWallet(t), blinded)
	assert.ErrorIs(t, err, adsclient.ErrInvalidResponse)
}

func TestClient_Captcha(t *testing.T) {
	srv := adsclienttest.NewServer(t)
	srv.SetBehavior(adsclienttest.Behavior{CaptchaID: "captcha-1"})
	client := newClient(srv.URL, observability.NewNoOpRegistry())

	_, err := client.GetSignedTokens(context.Background(), testWallet(t), "nonce")
	var captcha *adsclient.CaptchaError
	require.ErrorAs(t, err, &captcha)
	assert.Equal(t, "captcha-1", captcha.CaptchaID)
	assert.ErrorIs(t, err, adsclient.ErrCaptchaRequired)
}

func TestClient_StatusError(t *testing.T) {
	srv := adsclienttest.NewServer(t)
	srv.SetBehavior(adsclienttest.Behavior{SignedTokensStatus: http.StatusBadGateway})
	metrics := observability.NewMockMetricsRegistry()
	client := newClient(srv.URL, metrics)

	_, err := client.GetSignedTokens(context.Background(), testWallet(t), "nonce")
	var se *adsclient.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.True(t, se.IsServerError())
	assert.ErrorIs(t, err, adsclient.ErrUnexpectedStatus)
	assert.Equal(t, 1, metrics.Count("IncrementAdsServerRequests:get_signed_tokens:502"))
}

func TestClient_FetchIssuers(t *testing.T) {
	srv := adsclienttest.NewServer(t)
	client := newClient(srv.URL, observability.NewNoOpRegistry())

	issuers, err := client.FetchIssuers(context.Background())
	require.NoError(t, err)
	assert.True(t, issuers.IsValid())
	assert.True(t, issuers.PublicKeyExists(models.IssuerTypePayments, srv.Payments.PublicKey()))
	value, ok := issuers.AssociatedValue(models.IssuerTypePayments, srv.Payments.PublicKey())
	assert.True(t, ok)
	assert.InDelta(t, 0.05, value, 1e-9)
}

func TestClient_CreateConfirmation_OptedOut(t *testing.T) {
	srv := adsclienttest.NewServer(t)
	client := newClient(srv.URL, observability.NewNoOpRegistry())

	err := client.CreateConfirmation(context.Background(), "c1", "", []byte(`{"type":"view","creativeInstanceId":"ci"}`))
	require.NoError(t, err)
	payload, ok := srv.Confirmation("c1")
	require.True(t, ok)
	assert.Equal(t, "view", payload.Type)

	// a second create for the same id conflicts
	err = client.CreateConfirmation(context.Background(), "c1", "", []byte(`{"type":"view"}`))
	assert.Equal(t, http.StatusConflict, adsclient.StatusCode(err))
}

func TestClient_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := newClient(url, observability.NewNoOpRegistry())
	_, err := client.FetchIssuers(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, adsclient.StatusCode(err))
	assert.False(t, errors.Is(err, adsclient.ErrUnexpectedStatus))
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	srv := adsclienttest.NewServer(t)
	metrics := observability.NewMockMetricsRegistry()
	client := adsclient.New(srv.URL, time.Second, 0.001, 1, zap.NewNop(), metrics)

	_, err := client.FetchIssuers(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.FetchIssuers(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, metrics.Count("IncrementRateLimitHits:issuers"))
	assert.Equal(t, 1, srv.Requests(adsclient.EndpointIssuers))
}
