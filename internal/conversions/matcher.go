package conversions

import (
	"context"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/models"
)

// DefaultProcessDelay is the minimum wait before a conversion is confirmed.
const DefaultProcessDelay = 24 * time.Hour

var conversionIDMeta = regexp.MustCompile(`<meta[^>]*name="ad-conversion-id"[^>]*content="([^"]*)"`)

// EventSource is the part of the ad event log used for attribution.
type EventSource interface {
	GetSince(ctx context.Context, since time.Time) ([]models.AdEventInfo, error)
}

// Matcher attributes visits to ad events and queues the conversions.
type Matcher struct {
	queue        *Queue
	events       EventSource
	processDelay time.Duration
	logger       *zap.Logger

	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

func NewMatcher(queue *Queue, events EventSource, processDelay time.Duration, logger *zap.Logger) *Matcher {
	if processDelay <= 0 {
		processDelay = DefaultProcessDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		queue:        queue,
		events:       events,
		processDelay: processDelay,
		logger:       logger.Named("conversions"),
		now:          time.Now,
		jitter:       spread,
	}
}

// MaybeConvert checks a visit against setConversions and queues a
// conversion for each creative set it converts. redirectChain holds every
// URL the visit went through; html is the landing page, searched for a
// verifiable conversion id. Each creative set converts at most once.
func (m *Matcher) MaybeConvert(ctx context.Context, redirectChain []string, html string, setConversions []models.CreativeSetConversionInfo) ([]models.ConversionQueueItemInfo, error) {
	now := m.now()
	converted := map[string]bool{}
	var queued []models.ConversionQueueItemInfo

	for _, sc := range setConversions {
		if !sc.IsValid() || converted[sc.CreativeSetID] {
			continue
		}
		if !sc.ExpireAt.IsZero() && !now.Before(sc.ExpireAt) {
			continue
		}
		if !matchesAny(sc.URLPattern, redirectChain) {
			continue
		}

		existing, err := m.queue.GetForCreativeSetID(ctx, sc.CreativeSetID)
		if err != nil {
			return queued, err
		}
		if len(existing) > 0 {
			m.logger.Debug("creative set already converted", zap.String("creative_set_id", sc.CreativeSetID))
			continue
		}

		events, err := m.events.GetSince(ctx, now.Add(-sc.ObservationWindow))
		if err != nil {
			return queued, err
		}
		event, ok := latestEligible(events, sc)
		if !ok {
			continue
		}

		item := models.ConversionQueueItemInfo{
			ID:                 uuid.NewString(),
			AdType:             event.Type,
			CreativeInstanceID: event.CreativeInstanceID,
			CreativeSetID:      event.CreativeSetID,
			CampaignID:         event.CampaignID,
			AdvertiserID:       event.AdvertiserID,
			Segment:            event.Segment,
			ProcessAt:          now.Add(m.jitter(m.processDelay)).UTC(),
		}
		if sc.AdvertiserPublicKey != "" {
			if id, ok := ExtractConversionID(html); ok {
				item.ConversionID = id
				item.AdvertiserPublicKey = sc.AdvertiserPublicKey
			}
		}
		if err := m.queue.Save(ctx, item); err != nil {
			return queued, err
		}
		converted[sc.CreativeSetID] = true
		queued = append(queued, item)
		m.logger.Info("queued conversion",
			zap.String("creative_set_id", item.CreativeSetID),
			zap.Bool("verifiable", item.IsVerifiable()),
			zap.Time("process_at", item.ProcessAt))
	}
	return queued, nil
}

// MatchURLPattern reports whether url matches pattern, where * matches any
// run of characters.
func MatchURLPattern(pattern, url string) bool {
	quoted := regexp.QuoteMeta(pattern)
	re, err := regexp.Compile("^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(url)
}

// ExtractConversionID finds the ad-conversion-id meta tag in html.
func ExtractConversionID(html string) (string, bool) {
	match := conversionIDMeta.FindStringSubmatch(html)
	if match == nil || !conversionIDPattern.MatchString(match[1]) {
		return "", false
	}
	return match[1], true
}

func matchesAny(pattern string, urls []string) bool {
	for _, u := range urls {
		if MatchURLPattern(pattern, u) {
			return true
		}
	}
	return false
}

// latestEligible returns the newest event of the creative set that the
// conversion type can be attributed to.
func latestEligible(events []models.AdEventInfo, sc models.CreativeSetConversionInfo) (models.AdEventInfo, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.CreativeSetID != sc.CreativeSetID {
			continue
		}
		switch e.ConfirmationType {
		case models.ConfirmationTypeClicked:
			return e, true
		case models.ConfirmationTypeViewed:
			if sc.Type != models.ConversionTypePostClick {
				return e, true
			}
		}
	}
	return models.AdEventInfo{}, false
}

// spread returns a uniformly random duration in [d, 2d).
func spread(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + rand.N(d)
}
