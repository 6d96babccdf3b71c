package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/account"
	"github.com/patrickwarner/adconfirm/internal/config"
	"github.com/patrickwarner/adconfirm/internal/db"
	"github.com/patrickwarner/adconfirm/internal/middleware"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

// Engine is the account surface the handlers drive. *account.Account
// implements it.
type Engine interface {
	OnAdEvent(ctx context.Context, ad models.AdInfo, ct models.ConfirmationType) (models.AdEventInfo, error)
	RecordVisit(ctx context.Context, redirectChain []string, html string) ([]models.ConversionQueueItemInfo, error)
	SaveCreativeSetConversions(ctx context.Context, sets []models.CreativeSetConversionInfo) error
	ResolveCaptcha(captchaID string) error
	Status(ctx context.Context) account.Status
	Transactions(ctx context.Context, from, to time.Time) ([]models.TransactionInfo, error)
}

var _ Engine = (*account.Account)(nil)

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger   *zap.Logger
	Account  Engine
	Store    *db.RedisStore
	EventsDB *sql.DB
	Metrics  observability.MetricsRegistry
	Config   config.Config

	now func() time.Time
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, acct Engine, store *db.RedisStore, eventsDB *sql.DB, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Server{
		Logger:   logger,
		Account:  acct,
		Store:    store,
		EventsDB: eventsDB,
		Metrics:  metrics,
		Config:   cfg,
	}
}

// Handler returns the admin router wrapped in tracing.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))
	r.Use(middleware.AccessLog(s.Logger, s.Metrics))

	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.ReadyHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/events", s.AdEventHandler).Methods(http.MethodPost)
	r.HandleFunc("/captcha/resolved", s.CaptchaResolvedHandler).Methods(http.MethodPost)
	r.HandleFunc("/conversions/visit", s.VisitHandler).Methods(http.MethodPost)
	r.HandleFunc("/conversions/creative_sets", s.CreativeSetsHandler).Methods(http.MethodPost)
	r.HandleFunc("/transactions", s.TransactionsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "adconfirm")
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
