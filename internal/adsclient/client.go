// Package adsclient talks to the confirmations server: token signing,
// confirmation submission, payment token fetch, payout and issuers.
//
// Every call is rate limited and traced. Non-success status codes are
// returned as *StatusError so callers can classify them with errors.As.
package adsclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

const maxResponseBytes = 1 << 20

// Endpoint labels used for metrics and logs.
const (
	EndpointRequestSignedTokens = "request_signed_tokens"
	EndpointGetSignedTokens     = "get_signed_tokens"
	EndpointCreateConfirmation  = "create_confirmation"
	EndpointFetchPaymentToken   = "fetch_payment_token"
	EndpointRedeemPaymentTokens = "redeem_payment_tokens"
	EndpointIssuers             = "issuers"
)

// Client provides access to the confirmations server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// New creates a client for baseURL. rps <= 0 disables rate limiting.
func New(baseURL string, timeout time.Duration, rps float64, burst int, logger *zap.Logger, metrics observability.MetricsRegistry) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		metrics: metrics,
	}
}

// SetBaseURL sets the server URL (for testing).
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// RequestSignedTokens asks the issuer to sign blindedTokens and returns the
// nonce under which the result can be collected.
func (c *Client) RequestSignedTokens(ctx context.Context, wallet models.WalletInfo, blindedTokens []string) (string, error) {
	if !wallet.IsValid() {
		return "", ErrInvalidWallet
	}
	body, err := json.Marshal(RequestSignedTokensRequest{BlindedTokens: blindedTokens})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	path := "/v3/confirmation/token/" + url.PathEscape(wallet.PaymentID)
	status, respBody, err := c.do(ctx, EndpointRequestSignedTokens, http.MethodPost, path, body, &wallet)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", &StatusError{Code: status, Body: string(respBody)}
	}

	var resp requestSignedTokensResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.Nonce == "" {
		return "", fmt.Errorf("%w: missing nonce", ErrInvalidResponse)
	}
	return resp.Nonce, nil
}

// GetSignedTokens collects the result of a signing request. A captcha
// challenge is returned as *CaptchaError.
func (c *Client) GetSignedTokens(ctx context.Context, wallet models.WalletInfo, nonce string) (*SignedTokens, error) {
	if !wallet.IsValid() {
		return nil, ErrInvalidWallet
	}
	path := "/v3/confirmation/token/" + url.PathEscape(wallet.PaymentID) + "?nonce=" + url.QueryEscape(nonce)
	status, respBody, err := c.do(ctx, EndpointGetSignedTokens, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var captcha captchaResponse
		if json.Unmarshal(respBody, &captcha) == nil && captcha.CaptchaID != "" {
			return nil, &CaptchaError{CaptchaID: captcha.CaptchaID}
		}
		return nil, &StatusError{Code: status, Body: string(respBody)}
	default:
		return nil, &StatusError{Code: status, Body: string(respBody)}
	}

	var resp SignedTokens
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}

// CreateConfirmation submits a confirmation. credential is empty for
// opted-out confirmations. Only 201 Created is treated as success.
func (c *Client) CreateConfirmation(ctx context.Context, confirmationID, credential string, payload []byte) error {
	path := "/v3/confirmation/" + url.PathEscape(confirmationID)
	if credential != "" {
		path += "/" + url.PathEscape(credential)
	}
	status, respBody, err := c.do(ctx, EndpointCreateConfirmation, http.MethodPost, path, payload, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return &StatusError{Code: status, Body: string(respBody)}
	}
	return nil
}

// FetchPaymentToken fetches the signed payment token of a created
// confirmation.
func (c *Client) FetchPaymentToken(ctx context.Context, confirmationID string) (*PaymentToken, error) {
	path := "/v3/confirmation/" + url.PathEscape(confirmationID) + "/paymentToken"
	status, respBody, err := c.do(ctx, EndpointFetchPaymentToken, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status, Body: string(respBody)}
	}

	var resp PaymentToken
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}

// RedeemPaymentTokens submits payment credentials for payout.
func (c *Client) RedeemPaymentTokens(ctx context.Context, wallet models.WalletInfo, req RedeemPaymentTokensRequest) error {
	if !wallet.IsValid() {
		return ErrInvalidWallet
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	path := "/v1/confirmation/payment/" + url.PathEscape(wallet.PaymentID)
	status, respBody, err := c.do(ctx, EndpointRedeemPaymentTokens, http.MethodPut, path, body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &StatusError{Code: status, Body: string(respBody)}
	}
	return nil
}

// FetchIssuers returns the issuer keys the server currently signs with.
func (c *Client) FetchIssuers(ctx context.Context) (models.IssuersInfo, error) {
	status, respBody, err := c.do(ctx, EndpointIssuers, http.MethodGet, "/v3/issuers/", nil, nil)
	if err != nil {
		return models.IssuersInfo{}, err
	}
	if status != http.StatusOK {
		return models.IssuersInfo{}, &StatusError{Code: status, Body: string(respBody)}
	}
	var issuers models.IssuersInfo
	if err := json.Unmarshal(respBody, &issuers); err != nil {
		return models.IssuersInfo{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return issuers, nil
}

// HealthCheck checks if the server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.FetchIssuers(ctx)
	return err
}

// do performs one request and returns the status code and body. Transport
// failures are returned as errors; any status code is returned as is.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body []byte, signer *models.WalletInfo) (int, []byte, error) {
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordAdsServerLatency(endpoint, time.Since(start))
		c.metrics.IncrementAdsServerRequests(endpoint, status)
	}()

	if c.limiter.Tokens() < 1 {
		c.metrics.IncrementRateLimitHits(endpoint)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limit: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signer != nil {
		signRequest(req, body, *signer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil && c.logger != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()
	status = strconv.Itoa(resp.StatusCode)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("ads server response",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return resp.StatusCode, respBody, nil
}

// signRequest adds digest and signature headers proving the request was
// made by the wallet owner.
func signRequest(req *http.Request, body []byte, wallet models.WalletInfo) {
	sum := sha256.Sum256(body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
	sig := wallet.Sign([]byte("digest: " + digest))
	req.Header.Set("Digest", digest)
	req.Header.Set("Signature", fmt.Sprintf(`keyId="primary",algorithm="ed25519",headers="digest",signature="%s"`,
		base64.StdEncoding.EncodeToString(sig)))
}

// VerifyRequestSignature checks the headers added for wallet. It is used by
// test servers.
func VerifyRequestSignature(h http.Header, body []byte, verify func(msg, sig []byte) bool) bool {
	sum := sha256.Sum256(body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
	if h.Get("Digest") != digest {
		return false
	}
	const prefix = `keyId="primary",algorithm="ed25519",headers="digest",signature="`
	v := h.Get("Signature")
	if len(v) <= len(prefix)+1 || v[:len(prefix)] != prefix || v[len(v)-1] != '"' {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(v[len(prefix) : len(v)-1])
	if err != nil {
		return false
	}
	return verify([]byte("digest: "+digest), sig)
}
