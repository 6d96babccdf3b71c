package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/adevents"
	"github.com/patrickwarner/adconfirm/internal/config"
	"github.com/patrickwarner/adconfirm/internal/conversions"
	"github.com/patrickwarner/adconfirm/internal/db"
	"github.com/patrickwarner/adconfirm/internal/ledger"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

var (
	days        = flag.Int("days", 14, "days of history to generate")
	adsPerDay   = flag.Int("ads", 40, "ads served per day")
	campaigns   = flag.Int("campaigns", 5, "number of campaigns")
	setsPerCamp = flag.Int("creative-sets", 2, "creative sets per campaign")
	viewRate    = flag.Float64("view-rate", 0.85, "probability a served ad is viewed")
	clickRate   = flag.Float64("click-rate", 0.08, "probability a viewed ad is clicked")
	paidDays    = flag.Int("paid-days", 3, "transactions older than this are marked paid out")
	seed        = flag.Uint64("seed", uint64(time.Now().UnixNano()), "rng seed")
	withLedger  = flag.Bool("ledger", false, "also write transactions to the ClickHouse ledger")
)

// paymentValue is what the simulated issuer reports per payment token.
const paymentValue = 0.05

type creativeSet struct {
	id         string
	campaignID string
	advertiser string
	instances  []string
}

func main() {
	flag.Parse()

	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(*seed, *seed>>1))

	conn, err := db.OpenSQL(ctx, cfg.DBDriver, cfg.DBDSN, db.SQLOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		logger.Fatal("open event database", zap.Error(err))
	}
	defer db.CloseSQL(conn)

	var l ledger.Service = ledger.NewMockLedger()
	if *withLedger {
		ch, err := ledger.InitClickHouse(ctx, cfg.ClickHouseDSN, observability.NewNoOpRegistry())
		if err != nil {
			logger.Fatal("connect clickhouse", zap.Error(err))
		}
		defer ch.Close()
		l = ch
	}

	metrics := observability.NewNoOpRegistry()
	events := adevents.New(conn, cfg.AdEventRetention, logger, metrics)
	queue := conversions.NewQueue(conn, logger, metrics)

	sets := makeCreativeSets(rng)
	if err := saveConversions(ctx, queue, sets, cfg.ConversionObservationWindow); err != nil {
		logger.Fatal("save creative set conversions", zap.Error(err))
	}

	now := time.Now().UTC()
	var logged, txCount int
	var paid []string
	for d := *days - 1; d >= 0; d-- {
		dayStart := now.AddDate(0, 0, -d).Truncate(24 * time.Hour)
		for i := 0; i < *adsPerDay; i++ {
			set := sets[rng.IntN(len(sets))]
			at := dayStart.Add(time.Duration(rng.Int64N(int64(24 * time.Hour))))
			if at.After(now) {
				at = now.Add(-time.Duration(rng.Int64N(int64(time.Hour))))
			}
			ad := models.AdInfo{
				Type:               models.AdTypeNotification,
				PlacementID:        uuid.NewString(),
				CreativeInstanceID: set.instances[rng.IntN(len(set.instances))],
				CreativeSetID:      set.id,
				CampaignID:         set.campaignID,
				AdvertiserID:       set.advertiser,
				Segment:            "untargeted",
			}
			if rng.IntN(3) == 0 {
				ad.Type = models.AdTypeNewTabPage
			}

			interactions := []models.ConfirmationType{models.ConfirmationTypeServed}
			if rng.Float64() < *viewRate {
				interactions = append(interactions, models.ConfirmationTypeViewed)
				if rng.Float64() < *clickRate {
					interactions = append(interactions, models.ConfirmationTypeClicked)
				}
			}

			for step, ct := range interactions {
				when := at.Add(time.Duration(step) * time.Second)
				if err := events.LogEvent(ctx, models.NewAdEvent(uuid.NewString(), ad, ct, when)); err != nil {
					logger.Fatal("log ad event", zap.Error(err))
				}
				logged++
				if ct == models.ConfirmationTypeServed {
					continue
				}
				tx := models.TransactionInfo{
					ID:                 uuid.NewString(),
					CreatedAt:          when,
					CreativeInstanceID: ad.CreativeInstanceID,
					Value:              paymentValue,
					AdType:             ad.Type,
					ConfirmationType:   ct,
				}
				if err := l.AddTransaction(ctx, tx); err != nil {
					logger.Fatal("add transaction", zap.Error(err))
				}
				txCount++
				if d >= *paidDays {
					paid = append(paid, tx.ID)
				}
			}
		}
	}

	if len(paid) > 0 {
		if err := l.Reconcile(ctx, paid, now.AddDate(0, 0, -*paidDays)); err != nil {
			logger.Fatal("reconcile transactions", zap.Error(err))
		}
	}

	logger.Info("fake data generated",
		zap.Int("creative_sets", len(sets)),
		zap.Int("ad_events", logged),
		zap.Int("transactions", txCount),
		zap.Int("paid_out", len(paid)),
		zap.Bool("ledger", *withLedger),
		zap.Uint64("seed", *seed))
}

func makeCreativeSets(rng *rand.Rand) []creativeSet {
	var sets []creativeSet
	for c := 0; c < max(*campaigns, 1); c++ {
		campaignID := uuid.NewString()
		advertiser := uuid.NewString()
		for s := 0; s < max(*setsPerCamp, 1); s++ {
			instances := make([]string, 1+rng.IntN(3))
			for i := range instances {
				instances[i] = uuid.NewString()
			}
			sets = append(sets, creativeSet{
				id:         uuid.NewString(),
				campaignID: campaignID,
				advertiser: advertiser,
				instances:  instances,
			})
		}
	}
	return sets
}

func saveConversions(ctx context.Context, queue *conversions.Queue, sets []creativeSet, window time.Duration) error {
	infos := make([]models.CreativeSetConversionInfo, len(sets))
	for i, s := range sets {
		infos[i] = models.CreativeSetConversionInfo{
			CreativeSetID:     s.id,
			Type:              models.ConversionTypePostClick,
			URLPattern:        fmt.Sprintf("https://shop.example.com/%s/*", s.id),
			ObservationWindow: window,
			ExpireAt:          time.Now().UTC().Add(30 * 24 * time.Hour),
		}
	}
	return queue.SaveCreativeSetConversions(ctx, infos)
}
