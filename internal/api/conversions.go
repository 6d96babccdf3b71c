package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/middleware"
	"github.com/patrickwarner/adconfirm/internal/models"
)

// VisitRequest is a page visit to check for conversions.
type VisitRequest struct {
	RedirectChain []string `json:"redirect_chain"`
	HTML          string   `json:"html"`
}

// VisitHandler handles POST /conversions/visit.
func (s *Server) VisitHandler(w http.ResponseWriter, r *http.Request) {
	var req VisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.RedirectChain) == 0 {
		writeError(w, http.StatusBadRequest, "redirect_chain required")
		return
	}

	queued, err := s.Account.RecordVisit(r.Context(), req.RedirectChain, req.HTML)
	if err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("record visit", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if queued == nil {
		queued = []models.ConversionQueueItemInfo{}
	}
	writeJSON(w, http.StatusOK, queued)
}

// CreativeSetRequest defines how a creative set converts. The observation
// window is given in days and defaults to the configured window.
type CreativeSetRequest struct {
	CreativeSetID         string                `json:"creative_set_id"`
	Type                  models.ConversionType `json:"type"`
	URLPattern            string                `json:"url_pattern"`
	AdvertiserPublicKey   string                `json:"advertiser_public_key,omitempty"`
	ObservationWindowDays int                   `json:"observation_window_days,omitempty"`
	ExpireAt              time.Time             `json:"expire_at"`
}

func (c CreativeSetRequest) info(defaultWindow time.Duration) models.CreativeSetConversionInfo {
	window := defaultWindow
	if c.ObservationWindowDays > 0 {
		window = time.Duration(c.ObservationWindowDays) * 24 * time.Hour
	}
	return models.CreativeSetConversionInfo{
		CreativeSetID:       c.CreativeSetID,
		Type:                c.Type,
		URLPattern:          c.URLPattern,
		AdvertiserPublicKey: c.AdvertiserPublicKey,
		ObservationWindow:   window,
		ExpireAt:            c.ExpireAt.UTC(),
	}
}

// CreativeSetsHandler handles POST /conversions/creative_sets and stores the
// conversion definitions of the current catalog.
func (s *Server) CreativeSetsHandler(w http.ResponseWriter, r *http.Request) {
	var req []CreativeSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	sets := make([]models.CreativeSetConversionInfo, 0, len(req))
	for _, c := range req {
		info := c.info(s.Config.ConversionObservationWindow)
		if !info.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid creative set conversion "+c.CreativeSetID)
			return
		}
		sets = append(sets, info)
	}

	if err := s.Account.SaveCreativeSetConversions(r.Context(), sets); err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("save creative set conversions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
