// Package adsclienttest provides an in-process confirmations server backed by
// real token issuers, for tests and local simulation.
package adsclienttest

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/patrickwarner/adconfirm/internal/adsclient"
	"github.com/patrickwarner/adconfirm/internal/cbr"
	"github.com/patrickwarner/adconfirm/internal/models"
)

// Token values reported by the issuers document.
const (
	ConfirmationTokenValue = "0.0"
	PaymentTokenValue      = "0.05"
)

// Behavior overrides the server's answers. Zero values mean normal operation.
type Behavior struct {
	// token signing
	RequestTokensStatus int
	OmitNonce           bool
	SignedTokensStatus  int
	SignedTokensBadJSON bool
	CaptchaID           string
	SignWithRogueKey    bool // proof from another key, real key reported
	ReportRogueKey      bool // proof and key both from another issuer

	// confirmations
	CreateStatus     int
	FetchStatus      int
	FetchBadJSON     bool
	FetchWrongID     bool
	FetchOmitToken   bool
	FetchRogueKey    bool
	FetchBadProof    bool
	FetchPendingOnce bool // first fetch answers 202 Accepted

	// payouts and issuers
	PayoutStatus  int
	IssuersStatus int
}

type confirmation struct {
	id      string
	payload adsclient.ConfirmationPayload
	signed  *adsclient.PaymentTokenSigning
	fetched int
}

// Server emulates the confirmations server.
type Server struct {
	URL string

	Confirmations *cbr.Issuer
	Payments      *cbr.Issuer
	rogue         *cbr.Issuer

	router *mux.Router

	mu            sync.Mutex
	behavior      Behavior
	wallets       map[string]ed25519.PublicKey
	nonces        map[string][]cbr.BlindedToken
	confirmations map[string]*confirmation
	spent         map[string]string
	redeemed      map[string]bool
	payouts       [][]adsclient.PaymentCredential
	requests      map[string]int
}

// New creates a server with fresh issuer keys. Use it as an http.Handler.
func New() (*Server, error) {
	confirmations, err := cbr.NewIssuer()
	if err != nil {
		return nil, err
	}
	payments, err := cbr.NewIssuer()
	if err != nil {
		return nil, err
	}
	rogue, err := cbr.NewIssuer()
	if err != nil {
		return nil, err
	}
	s := &Server{
		Confirmations: confirmations,
		Payments:      payments,
		rogue:         rogue,
		wallets:       map[string]ed25519.PublicKey{},
		nonces:        map[string][]cbr.BlindedToken{},
		confirmations: map[string]*confirmation{},
		spent:         map[string]string{},
		redeemed:      map[string]bool{},
		requests:      map[string]int{},
	}

	r := mux.NewRouter()
	r.HandleFunc("/v3/confirmation/token/{paymentId}", s.handleRequestSignedTokens).Methods(http.MethodPost)
	r.HandleFunc("/v3/confirmation/token/{paymentId}", s.handleGetSignedTokens).Methods(http.MethodGet)
	r.HandleFunc("/v3/confirmation/{id}/paymentToken", s.handleFetchPaymentToken).Methods(http.MethodGet)
	r.HandleFunc("/v3/confirmation/{id}", s.handleCreateConfirmation).Methods(http.MethodPost)
	r.HandleFunc("/v3/confirmation/{id}/{credential}", s.handleCreateConfirmation).Methods(http.MethodPost)
	r.HandleFunc("/v1/confirmation/payment/{paymentId}", s.handleRedeemPaymentTokens).Methods(http.MethodPut)
	r.HandleFunc("/v3/issuers/", s.handleIssuers).Methods(http.MethodGet)
	s.router = r
	return s, nil
}

// NewServer starts a test HTTP server that is closed when tb finishes.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	s, err := New()
	if err != nil {
		tb.Fatalf("create confirmations server: %v", err)
	}
	ts := httptest.NewServer(s)
	tb.Cleanup(ts.Close)
	s.URL = ts.URL
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetBehavior replaces the server's behavior overrides.
func (s *Server) SetBehavior(b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = b
}

// RegisterWallet makes the server verify request signatures for paymentID.
func (s *Server) RegisterWallet(w models.WalletInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.PaymentID] = w.PublicKey
}

// Issuers returns the issuers document the server publishes.
func (s *Server) Issuers() models.IssuersInfo {
	c, _ := s.Confirmations.PublicKey().EncodeBase64()
	p, _ := s.Payments.PublicKey().EncodeBase64()
	return models.IssuersInfo{
		Ping: 7200000,
		Issuers: []models.IssuerInfo{
			{Name: models.IssuerTypeConfirmations, PublicKeys: []models.IssuerPublicKey{{PublicKey: c, AssociatedValue: ConfirmationTokenValue}}},
			{Name: models.IssuerTypePayments, PublicKeys: []models.IssuerPublicKey{{PublicKey: p, AssociatedValue: PaymentTokenValue}}},
		},
	}
}

// Requests returns how many requests reached the named endpoint.
func (s *Server) Requests(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[endpoint]
}

// SpentTokens returns how many distinct confirmation tokens were spent.
func (s *Server) SpentTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spent)
}

// Confirmation returns the payload of a created confirmation.
func (s *Server) Confirmation(id string) (adsclient.ConfirmationPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirmations[id]
	if !ok {
		return adsclient.ConfirmationPayload{}, false
	}
	return c.payload, true
}

// ConfirmationsOfType returns the payloads of created confirmations of the
// given confirmation type.
func (s *Server) ConfirmationsOfType(confirmationType string) []adsclient.ConfirmationPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []adsclient.ConfirmationPayload
	for _, c := range s.confirmations {
		if c.payload.Type == confirmationType {
			out = append(out, c.payload)
		}
	}
	return out
}

// Payouts returns the credentials of every accepted payout request.
func (s *Server) Payouts() [][]adsclient.PaymentCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]adsclient.PaymentCredential, len(s.payouts))
	copy(out, s.payouts)
	return out
}

func (s *Server) begin(endpoint string) Behavior {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[endpoint]++
	return s.behavior
}

func (s *Server) handleRequestSignedTokens(w http.ResponseWriter, r *http.Request) {
	b := s.begin(adsclient.EndpointRequestSignedTokens)
	if b.RequestTokensStatus != 0 {
		writeError(w, b.RequestTokensStatus)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	paymentID := mux.Vars(r)["paymentId"]
	s.mu.Lock()
	pub, known := s.wallets[paymentID]
	s.mu.Unlock()
	if known && !adsclient.VerifyRequestSignature(r.Header, body, func(msg, sig []byte) bool {
		return ed25519.Verify(pub, msg, sig)
	}) {
		writeError(w, http.StatusUnauthorized)
		return
	}

	var req adsclient.RequestSignedTokensRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.BlindedTokens) == 0 {
		writeError(w, http.StatusBadRequest)
		return
	}
	blinded := make([]cbr.BlindedToken, len(req.BlindedTokens))
	for i, v := range req.BlindedTokens {
		blinded[i] = cbr.DecodeBlindedTokenBase64(v)
		if !blinded[i].HasValue() {
			writeError(w, http.StatusBadRequest)
			return
		}
	}

	nonce := uuid.NewString()
	s.mu.Lock()
	s.nonces[nonce] = blinded
	s.mu.Unlock()

	if b.OmitNonce {
		writeJSON(w, http.StatusCreated, map[string]string{})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"nonce": nonce})
}

func (s *Server) handleGetSignedTokens(w http.ResponseWriter, r *http.Request) {
	b := s.begin(adsclient.EndpointGetSignedTokens)
	if b.CaptchaID != "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"captcha_id": b.CaptchaID})
		return
	}
	if b.SignedTokensStatus != 0 {
		writeError(w, b.SignedTokensStatus)
		return
	}
	if b.SignedTokensBadJSON {
		writeRaw(w, http.StatusOK, "{")
		return
	}

	nonce := r.URL.Query().Get("nonce")
	s.mu.Lock()
	blinded, ok := s.nonces[nonce]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}

	signer, reported := s.Confirmations, s.Confirmations
	if b.SignWithRogueKey {
		signer = s.rogue
	}
	if b.ReportRogueKey {
		signer, reported = s.rogue, s.rogue
	}
	signed, proof, err := signer.Sign(blinded)
	if err != nil {
		writeError(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, signedTokensResponse(signed, proof, reported.PublicKey()))
}

func (s *Server) handleCreateConfirmation(w http.ResponseWriter, r *http.Request) {
	b := s.begin(adsclient.EndpointCreateConfirmation)
	if b.CreateStatus != 0 {
		writeError(w, b.CreateStatus)
		return
	}

	vars := mux.Vars(r)
	id := vars["id"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	var payload adsclient.ConfirmationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.confirmations[id]; exists {
		writeError(w, http.StatusConflict)
		return
	}

	c := &confirmation{id: id, payload: payload}
	if credential := vars["credential"]; credential != "" {
		preimage, ok := s.verifyConfirmationCredential(credential, body)
		if !ok {
			writeError(w, http.StatusBadRequest)
			return
		}
		if spentBy, spent := s.spent[preimage]; spent && spentBy != id {
			writeError(w, http.StatusBadRequest)
			return
		}
		if len(payload.BlindedPaymentTokens) == 0 {
			writeError(w, http.StatusBadRequest)
			return
		}
		blinded := make([]cbr.BlindedToken, len(payload.BlindedPaymentTokens))
		for i, v := range payload.BlindedPaymentTokens {
			blinded[i] = cbr.DecodeBlindedTokenBase64(v)
			if !blinded[i].HasValue() {
				writeError(w, http.StatusBadRequest)
				return
			}
		}
		signed, proof, err := s.Payments.Sign(blinded)
		if err != nil {
			writeError(w, http.StatusInternalServerError)
			return
		}
		resp := signedTokensResponse(signed, proof, s.Payments.PublicKey())
		c.signed = &adsclient.PaymentTokenSigning{
			PublicKey:    resp.PublicKey,
			BatchProof:   resp.BatchProof,
			SignedTokens: resp.SignedTokens,
		}
		s.spent[preimage] = id
	}
	s.confirmations[id] = c
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// verifyConfirmationCredential checks that the credential signs body with a
// token of the confirmations issuer and returns the token preimage.
func (s *Server) verifyConfirmationCredential(credential string, body []byte) (string, bool) {
	raw, err := base64.URLEncoding.DecodeString(credential)
	if err != nil {
		return "", false
	}
	var c adsclient.Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", false
	}
	if c.Payload != string(body) {
		return "", false
	}
	preimage := cbr.DecodeTokenPreimageBase64(c.Preimage)
	sig := cbr.DecodeVerificationSignatureBase64(c.Signature)
	if !preimage.HasValue() || !sig.HasValue() {
		return "", false
	}
	if !s.Confirmations.VerifyCredential(preimage, sig, []byte(c.Payload)) {
		return "", false
	}
	return c.Preimage, true
}

func (s *Server) handleFetchPaymentToken(w http.ResponseWriter, r *http.Request) {
	b := s.begin(adsclient.EndpointFetchPaymentToken)
	if b.FetchStatus != 0 {
		writeError(w, b.FetchStatus)
		return
	}
	if b.FetchBadJSON {
		writeRaw(w, http.StatusOK, "not json")
		return
	}

	id := mux.Vars(r)["id"]
	s.mu.Lock()
	c, ok := s.confirmations[id]
	fetched := 0
	if ok {
		c.fetched++
		fetched = c.fetched
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	if b.FetchPendingOnce && fetched == 1 {
		writeError(w, http.StatusAccepted)
		return
	}

	resp := adsclient.PaymentToken{
		ID:                 id,
		Type:               c.payload.Type,
		CreativeInstanceID: c.payload.CreativeInstanceID,
	}
	if b.FetchWrongID {
		resp.ID = uuid.NewString()
	}
	if c.signed != nil && !b.FetchOmitToken {
		signed := *c.signed
		if b.FetchRogueKey {
			signed.PublicKey, _ = s.rogue.PublicKey().EncodeBase64()
		}
		if b.FetchBadProof {
			_, proof, err := s.rogue.Sign([]cbr.BlindedToken{cbr.DecodeBlindedTokenBase64(c.payload.BlindedPaymentTokens[0])})
			if err == nil {
				signed.BatchProof, _ = proof.EncodeBase64()
			}
		}
		resp.PaymentToken = &signed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRedeemPaymentTokens(w http.ResponseWriter, r *http.Request) {
	b := s.begin(adsclient.EndpointRedeemPaymentTokens)
	if b.PayoutStatus != 0 {
		writeError(w, b.PayoutStatus)
		return
	}

	var req adsclient.RedeemPaymentTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.PaymentCredentials) == 0 {
		writeError(w, http.StatusBadRequest)
		return
	}
	var payload adsclient.PayoutPayload
	if err := json.Unmarshal([]byte(req.Payload), &payload); err != nil || payload.PaymentID != mux.Vars(r)["paymentId"] {
		writeError(w, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pc := range req.PaymentCredentials {
		preimage := cbr.DecodeTokenPreimageBase64(pc.Credential.Preimage)
		sig := cbr.DecodeVerificationSignatureBase64(pc.Credential.Signature)
		if !s.Payments.VerifyCredential(preimage, sig, []byte(req.Payload)) || s.redeemed[pc.Credential.Preimage] {
			writeError(w, http.StatusBadRequest)
			return
		}
	}
	for _, pc := range req.PaymentCredentials {
		s.redeemed[pc.Credential.Preimage] = true
	}
	s.payouts = append(s.payouts, req.PaymentCredentials)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleIssuers(w http.ResponseWriter, r *http.Request) {
	b := s.begin(adsclient.EndpointIssuers)
	if b.IssuersStatus != 0 {
		writeError(w, b.IssuersStatus)
		return
	}
	writeJSON(w, http.StatusOK, s.Issuers())
}

func signedTokensResponse(signed []cbr.SignedToken, proof cbr.BatchDLEQProof, pk cbr.PublicKey) adsclient.SignedTokens {
	resp := adsclient.SignedTokens{SignedTokens: make([]string, len(signed))}
	for i, st := range signed {
		resp.SignedTokens[i], _ = st.EncodeBase64()
	}
	resp.BatchProof, _ = proof.EncodeBase64()
	resp.PublicKey, _ = pk.EncodeBase64()
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeError(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
}
