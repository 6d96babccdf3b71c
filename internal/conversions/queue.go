// Package conversions detects advertiser conversions and queues them for
// confirmation.
//
// A visit converts when a URL in its redirect chain matches a creative
// set's pattern and the user viewed or clicked an ad of that set within the
// observation window. Detected conversions wait in the queue until their
// randomized process time so the confirmation cannot be correlated with the
// visit.
package conversions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

var ErrInvalidItem = errors.New("invalid conversion queue item")

const selectQueue = `SELECT id, ad_type, creative_instance_id, creative_set_id, campaign_id,
       advertiser_id, segment, conversion_id, advertiser_public_key, process_at, was_processed
FROM conversion_queue`

// Queue stores conversions waiting to be confirmed and the creative set
// conversions they are matched against.
type Queue struct {
	db      *sql.DB
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

func NewQueue(db *sql.DB, logger *zap.Logger, metrics observability.MetricsRegistry) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Queue{db: db, logger: logger.Named("conversions"), metrics: metrics}
}

// Save adds item to the queue.
func (q *Queue) Save(ctx context.Context, item models.ConversionQueueItemInfo) error {
	if item.ID == "" || !item.IsValid() {
		return ErrInvalidItem
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO conversion_queue (id, ad_type, creative_instance_id,
    creative_set_id, campaign_id, advertiser_id, segment, conversion_id, advertiser_public_key,
    process_at, was_processed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, string(item.AdType), item.CreativeInstanceID, item.CreativeSetID, item.CampaignID,
		item.AdvertiserID, item.Segment, item.ConversionID, item.AdvertiserPublicKey,
		item.ProcessAt.UnixNano(), item.WasProcessed)
	if err != nil {
		return fmt.Errorf("insert conversion: %w", err)
	}
	q.metrics.IncrementConversions("queued")
	return nil
}

// Delete removes the item with id.
func (q *Queue) Delete(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM conversion_queue WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete conversion: %w", err)
	}
	return nil
}

// MarkProcessed flags the item with id as confirmed.
func (q *Queue) MarkProcessed(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE conversion_queue SET was_processed = $1 WHERE id = $2`, true, id)
	if err != nil {
		return fmt.Errorf("mark conversion processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark conversion processed: %w: %s", sql.ErrNoRows, id)
	}
	q.metrics.IncrementConversions("processed")
	return nil
}

// GetAll returns every item ordered by process time.
func (q *Queue) GetAll(ctx context.Context) ([]models.ConversionQueueItemInfo, error) {
	return q.query(ctx, selectQueue+` ORDER BY process_at, id`)
}

// GetUnprocessed returns the items not yet confirmed.
func (q *Queue) GetUnprocessed(ctx context.Context) ([]models.ConversionQueueItemInfo, error) {
	return q.query(ctx, selectQueue+` WHERE was_processed = $1 ORDER BY process_at, id`, false)
}

// GetDue returns the unprocessed items whose process time is not after now.
func (q *Queue) GetDue(ctx context.Context, now time.Time) ([]models.ConversionQueueItemInfo, error) {
	return q.query(ctx, selectQueue+` WHERE was_processed = $1 AND process_at <= $2 ORDER BY process_at, id`,
		false, now.UnixNano())
}

func (q *Queue) GetForCreativeInstanceID(ctx context.Context, creativeInstanceID string) ([]models.ConversionQueueItemInfo, error) {
	return q.query(ctx, selectQueue+` WHERE creative_instance_id = $1 ORDER BY process_at, id`, creativeInstanceID)
}

func (q *Queue) GetForCreativeSetID(ctx context.Context, creativeSetID string) ([]models.ConversionQueueItemInfo, error) {
	return q.query(ctx, selectQueue+` WHERE creative_set_id = $1 ORDER BY process_at, id`, creativeSetID)
}

// PurgeProcessed deletes every confirmed item.
func (q *Queue) PurgeProcessed(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM conversion_queue WHERE was_processed = $1`, true)
	if err != nil {
		return 0, fmt.Errorf("purge processed conversions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveCreativeSetConversions inserts or replaces the given definitions.
func (q *Queue) SaveCreativeSetConversions(ctx context.Context, items []models.CreativeSetConversionInfo) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range items {
		if !c.IsValid() {
			q.logger.Warn("skipping invalid creative set conversion", zap.String("creative_set_id", c.CreativeSetID))
			continue
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO creative_set_conversions
    (creative_set_id, type, url_pattern, advertiser_public_key, observation_window, expire_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (creative_set_id, type) DO UPDATE SET
    url_pattern = excluded.url_pattern,
    advertiser_public_key = excluded.advertiser_public_key,
    observation_window = excluded.observation_window,
    expire_at = excluded.expire_at`,
			c.CreativeSetID, string(c.Type), c.URLPattern, c.AdvertiserPublicKey,
			int64(c.ObservationWindow), c.ExpireAt.UnixNano())
		if err != nil {
			return fmt.Errorf("upsert creative set conversion: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetCreativeSetConversions returns the definitions that have not expired.
func (q *Queue) GetCreativeSetConversions(ctx context.Context, now time.Time) ([]models.CreativeSetConversionInfo, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT creative_set_id, type, url_pattern, advertiser_public_key,
       observation_window, expire_at
FROM creative_set_conversions WHERE expire_at > $1 ORDER BY creative_set_id, type`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query creative set conversions: %w", err)
	}
	defer rows.Close()

	var out []models.CreativeSetConversionInfo
	for rows.Next() {
		var (
			c        models.CreativeSetConversionInfo
			kind     string
			window   int64
			expireAt int64
		)
		if err := rows.Scan(&c.CreativeSetID, &kind, &c.URLPattern, &c.AdvertiserPublicKey, &window, &expireAt); err != nil {
			return nil, fmt.Errorf("scan creative set conversion: %w", err)
		}
		c.Type = models.ConversionType(kind)
		c.ObservationWindow = time.Duration(window)
		c.ExpireAt = time.Unix(0, expireAt).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate creative set conversions: %w", err)
	}
	return out, nil
}

// PurgeExpiredCreativeSetConversions deletes definitions past their expiry.
func (q *Queue) PurgeExpiredCreativeSetConversions(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM creative_set_conversions WHERE expire_at <= $1`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge creative set conversions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]models.ConversionQueueItemInfo, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversions: %w", err)
	}
	defer rows.Close()

	var items []models.ConversionQueueItemInfo
	for rows.Next() {
		var (
			item      models.ConversionQueueItemInfo
			adType    string
			processAt int64
		)
		if err := rows.Scan(&item.ID, &adType, &item.CreativeInstanceID, &item.CreativeSetID,
			&item.CampaignID, &item.AdvertiserID, &item.Segment, &item.ConversionID,
			&item.AdvertiserPublicKey, &processAt, &item.WasProcessed); err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		item.AdType = models.AdType(adType)
		item.ProcessAt = time.Unix(0, processAt).UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversions: %w", err)
	}
	return items, nil
}
