package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/account"
	"github.com/patrickwarner/adconfirm/internal/middleware"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/redeem"
)

// AdEventRequest reports a user interaction with an ad.
type AdEventRequest struct {
	Ad               models.AdInfo           `json:"ad"`
	ConfirmationType models.ConfirmationType `json:"confirmation_type"`
}

// AdEventResponse describes the logged event. Confirmed is false when the
// event was logged but its confirmation could not be sent yet.
type AdEventResponse struct {
	Event     models.AdEventInfo `json:"event"`
	Confirmed bool               `json:"confirmed"`
	Error     string             `json:"error,omitempty"`
}

// AdEventHandler handles POST /events.
func (s *Server) AdEventHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)

	var req AdEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	event, err := s.Account.OnAdEvent(r.Context(), req.Ad, req.ConfirmationType)
	switch {
	case err == nil:
		confirmed := req.ConfirmationType != models.ConfirmationTypeServed
		writeJSON(w, http.StatusCreated, AdEventResponse{Event: event, Confirmed: confirmed})
	case errors.Is(err, account.ErrInvalidAd):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrAlreadyFired):
		writeError(w, http.StatusConflict, err.Error())
	case event.ID != "":
		// logged; the confirmation is pending a refill or queued for retry
		if errors.Is(err, redeem.ErrTokenPoolExhausted) {
			logger.Info("ad event logged without confirmation", zap.String("ad_event_id", event.ID))
		} else {
			logger.Warn("confirmation failed", zap.String("ad_event_id", event.ID), zap.Error(err))
		}
		writeJSON(w, http.StatusAccepted, AdEventResponse{Event: event, Error: err.Error()})
	default:
		logger.Error("ad event failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type captchaRequest struct {
	CaptchaID string `json:"captcha_id"`
}

// CaptchaResolvedHandler handles POST /captcha/resolved and resumes
// refilling.
func (s *Server) CaptchaResolvedHandler(w http.ResponseWriter, r *http.Request) {
	var req captchaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CaptchaID == "" {
		writeError(w, http.StatusBadRequest, "captcha_id required")
		return
	}

	switch err := s.Account.ResolveCaptcha(req.CaptchaID); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, account.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, account.ErrMissingWallet):
		writeError(w, http.StatusConflict, err.Error())
	default:
		middleware.LoggerFromRequest(r, s.Logger).Error("resolve captcha", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
