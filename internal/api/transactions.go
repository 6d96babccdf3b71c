package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/ledger"
	"github.com/patrickwarner/adconfirm/internal/middleware"
	"github.com/patrickwarner/adconfirm/internal/models"
)

// TransactionsHandler handles GET /transactions?from=&to= with RFC 3339
// bounds. The range defaults to the current calendar month.
func (s *Server) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	now := s.clock().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := now.Add(time.Nanosecond)

	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to")
			return
		}
		to = t
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	txs, err := s.Account.Transactions(r.Context(), from, to)
	if errors.Is(err, ledger.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("list transactions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if txs == nil {
		txs = []models.TransactionInfo{}
	}
	writeJSON(w, http.StatusOK, txs)
}
