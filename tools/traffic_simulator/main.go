package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/patrickwarner/adconfirm/internal/api"
	"github.com/patrickwarner/adconfirm/internal/config"
	"github.com/patrickwarner/adconfirm/internal/db"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

var (
	server        string
	creativeSets  int
	totalAds      int
	conc          int
	duration      time.Duration
	rps           float64
	viewRate      float64
	clickRate     float64
	visitRate     float64
	stats         bool
	flush         bool
	redisAddr     string
	debug         bool
	label         string
	landingDomain string
)

var logger *zap.Logger

var httpClient *http.Client

var adTypes = []models.AdType{
	models.AdTypeNotification,
	models.AdTypeNewTabPage,
	models.AdTypePromotedContent,
	models.AdTypeInlineContent,
	models.AdTypeSearchResult,
}

const statsInterval = 5 * time.Second

var (
	countServed    uint64
	countConfirmed uint64
	countPending   uint64
	countClicks    uint64
	countVisits    uint64
	countConverted uint64
	countErrors    uint64
)

type creativeSet struct {
	id         string
	campaignID string
	instances  []string
}

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "confirmation engine base URL")
	flag.IntVar(&creativeSets, "creative-sets", 10, "number of simulated creative sets")
	flag.IntVar(&totalAds, "ads", 100, "total ads to serve")
	flag.IntVar(&conc, "concurrency", 5, "concurrent ad sessions")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rps, "rate", 0, "ads served per second (0 for unlimited)")
	flag.Float64Var(&viewRate, "view-rate", 0.9, "probability a served ad is viewed")
	flag.Float64Var(&clickRate, "click-rate", 0.1, "probability a viewed ad is clicked")
	flag.Float64Var(&visitRate, "visit-rate", 0.3, "probability a click lands on a converting page")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "delete persisted token pools from redis first")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.StringVar(&landingDomain, "landing-domain", "shop.example.com", "advertiser landing page domain")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushState()
	}

	sets := makeCreativeSets(creativeSets)
	if err := registerConversions(sets); err != nil {
		logger.Fatal("register creative set conversions", zap.Error(err))
	}

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	limiter := rate.NewLimiter(limit, 1)

	ctx := context.Background()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	done := make(chan struct{})
	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					return
				}
			}
		}()
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	for i := 0; totalAds <= 0 || i < totalAds; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		set := sets[rand.IntN(len(sets))]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			session(ctx, set)
		}()
	}
	wg.Wait()
	close(done)
	printStats()
}

func makeCreativeSets(n int) []creativeSet {
	if n < 1 {
		n = 1
	}
	sets := make([]creativeSet, n)
	for i := range sets {
		sets[i] = creativeSet{
			id:         uuid.NewString(),
			campaignID: uuid.NewString(),
			instances:  []string{uuid.NewString(), uuid.NewString()},
		}
	}
	return sets
}

// registerConversions gives each creative set a post-click conversion on
// its own landing path.
func registerConversions(sets []creativeSet) error {
	reqs := make([]api.CreativeSetRequest, len(sets))
	for i, s := range sets {
		reqs[i] = api.CreativeSetRequest{
			CreativeSetID:         s.id,
			Type:                  models.ConversionTypePostClick,
			URLPattern:            fmt.Sprintf("https://%s/%s/*", landingDomain, s.id),
			ObservationWindowDays: 7,
			ExpireAt:              time.Now().Add(30 * 24 * time.Hour),
		}
	}
	status, _, err := post(context.Background(), "/conversions/creative_sets", reqs)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", status)
	}
	return nil
}

// session serves one ad and walks it through view, click and landing visit.
func session(ctx context.Context, set creativeSet) {
	ad := models.AdInfo{
		Type:               adTypes[rand.IntN(len(adTypes))],
		PlacementID:        uuid.NewString(),
		CreativeInstanceID: set.instances[rand.IntN(len(set.instances))],
		CreativeSetID:      set.id,
		CampaignID:         set.campaignID,
		Segment:            "untargeted",
	}

	if !sendEvent(ctx, ad, models.ConfirmationTypeServed) {
		return
	}
	atomic.AddUint64(&countServed, 1)
	if rand.Float64() >= viewRate || !sendEvent(ctx, ad, models.ConfirmationTypeViewed) {
		return
	}
	if rand.Float64() >= clickRate || !sendEvent(ctx, ad, models.ConfirmationTypeClicked) {
		return
	}
	atomic.AddUint64(&countClicks, 1)
	if rand.Float64() >= visitRate {
		return
	}

	landing := fmt.Sprintf("https://%s/%s/checkout", landingDomain, set.id)
	status, body, err := post(ctx, "/conversions/visit", api.VisitRequest{
		RedirectChain: []string{fmt.Sprintf("https://%s/", landingDomain), landing},
		HTML:          fmt.Sprintf(`<meta name="ad-conversion-id" content="%s">`, strings.ReplaceAll(uuid.NewString(), "-", "")[:16]),
	})
	if err != nil || status != http.StatusOK {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("visit failed", zap.Int("status", status), zap.Error(err))
		return
	}
	atomic.AddUint64(&countVisits, 1)
	var queued []models.ConversionQueueItemInfo
	if err := json.Unmarshal(body, &queued); err == nil && len(queued) > 0 {
		atomic.AddUint64(&countConverted, uint64(len(queued)))
	}
}

func sendEvent(ctx context.Context, ad models.AdInfo, ct models.ConfirmationType) bool {
	status, body, err := post(ctx, "/events", api.AdEventRequest{Ad: ad, ConfirmationType: ct})
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("event request error", zap.Error(err))
		return false
	}
	switch status {
	case http.StatusCreated:
		if ct != models.ConfirmationTypeServed {
			atomic.AddUint64(&countConfirmed, 1)
		}
	case http.StatusAccepted:
		atomic.AddUint64(&countPending, 1)
	default:
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected status",
			zap.String("confirmation_type", string(ct)),
			zap.Int("status", status),
			zap.String("body", strings.TrimSpace(string(body))))
		return false
	}
	logger.Debug("event", zap.String("placement_id", ad.PlacementID), zap.String("confirmation_type", string(ct)))
	return true
}

func post(ctx context.Context, path string, v any) (int, []byte, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, bytes.NewReader(blob))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func flushState() {
	cfg := config.Load()
	addr := redisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	store, err := db.InitRedis(addr)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	keys, err := store.Client.Keys(store.Ctx, "adconfirm:*").Result()
	if err != nil {
		logger.Fatal("list keys", zap.Error(err))
	}
	if len(keys) > 0 {
		if err := store.Client.Del(store.Ctx, keys...).Err(); err != nil {
			logger.Fatal("delete keys", zap.Error(err))
		}
	}
	logger.Info("redis state flushed", zap.String("addr", addr), zap.Int("keys_deleted", len(keys)))
}

func printStats() {
	served := atomic.LoadUint64(&countServed)
	clicks := atomic.LoadUint64(&countClicks)
	var ctr float64
	if served > 0 {
		ctr = float64(clicks) / float64(served)
	}
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("served", served),
		zap.Uint64("confirmed", atomic.LoadUint64(&countConfirmed)),
		zap.Uint64("pending", atomic.LoadUint64(&countPending)),
		zap.Uint64("clicks", clicks),
		zap.Uint64("visits", atomic.LoadUint64(&countVisits)),
		zap.Uint64("conversions", atomic.LoadUint64(&countConverted)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
		zap.Float64("ctr", ctr))
}
