// Package adevents is the local log of ad lifecycle events.
//
// Events are used to de-duplicate confirmations (an ad is confirmed as
// viewed once per placement), to find the views and clicks a conversion is
// attributed to, and to drop placements that were served but never shown.
package adevents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

// DefaultRetention is how long events are kept before PurgeExpired drops them.
const DefaultRetention = 90 * 24 * time.Hour

var (
	ErrInvalidEvent = errors.New("invalid ad event")
	// ErrAlreadyLogged is returned when the placement already has an event
	// of the same confirmation type.
	ErrAlreadyLogged = errors.New("ad event already logged for placement")
)

const selectColumns = `SELECT id, type, confirmation_type, placement_id, creative_instance_id,
       creative_set_id, campaign_id, advertiser_id, segment, target_url, created_at
FROM ad_events`

// Store persists ad events in the event database.
type Store struct {
	db        *sql.DB
	retention time.Duration
	logger    *zap.Logger
	metrics   observability.MetricsRegistry
}

// New creates a store on db, which must have been opened with db.OpenSQL.
func New(db *sql.DB, retention time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Store{db: db, retention: retention, logger: logger.Named("adevents"), metrics: metrics}
}

// LogEvent records e. Each placement logs a confirmation type at most once;
// a second event returns ErrAlreadyLogged, even from another process sharing
// the database.
func (s *Store) LogEvent(ctx context.Context, e models.AdEventInfo) error {
	if !e.IsValid() {
		return ErrInvalidEvent
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO ad_events (id, type, confirmation_type, placement_id,
    creative_instance_id, creative_set_id, campaign_id, advertiser_id, segment, target_url, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (placement_id, confirmation_type) DO NOTHING`,
		e.ID, string(e.Type), string(e.ConfirmationType), e.PlacementID,
		e.CreativeInstanceID, e.CreativeSetID, e.CampaignID, e.AdvertiserID, e.Segment, e.TargetURL,
		e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert ad event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyLogged
	}
	s.metrics.IncrementAdEvents(string(e.Type), string(e.ConfirmationType))
	s.logger.Debug("logged ad event",
		zap.String("placement_id", e.PlacementID),
		zap.String("ad_type", string(e.Type)),
		zap.String("confirmation_type", string(e.ConfirmationType)))
	return nil
}

// GetAll returns every event, oldest first.
func (s *Store) GetAll(ctx context.Context) ([]models.AdEventInfo, error) {
	return s.query(ctx, selectColumns+` ORDER BY created_at, id`)
}

// GetForType returns the events of one ad type, oldest first.
func (s *Store) GetForType(ctx context.Context, adType models.AdType) ([]models.AdEventInfo, error) {
	return s.query(ctx, selectColumns+` WHERE type = $1 ORDER BY created_at, id`, string(adType))
}

// GetSince returns the events created at or after since, oldest first.
func (s *Store) GetSince(ctx context.Context, since time.Time) ([]models.AdEventInfo, error) {
	return s.query(ctx, selectColumns+` WHERE created_at >= $1 ORDER BY created_at, id`, since.UnixNano())
}

// HasFired reports whether ct was already logged for the placement.
func (s *Store) HasFired(ctx context.Context, placementID string, ct models.ConfirmationType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ad_events WHERE placement_id = $1 AND confirmation_type = $2`,
		placementID, string(ct)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count ad events: %w", err)
	}
	return n > 0, nil
}

// PurgeExpired deletes events older than the retention period and returns
// how many were removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ad_events WHERE created_at < $1`,
		now.Add(-s.retention).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired ad events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged expired ad events", zap.Int64("count", n))
	}
	return n, nil
}

// PurgeOrphaned deletes the events of adType whose placement was never
// viewed.
func (s *Store) PurgeOrphaned(ctx context.Context, adType models.AdType) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ad_events
WHERE type = $1 AND placement_id NOT IN (
    SELECT placement_id FROM ad_events WHERE type = $1 AND confirmation_type = $2
)`, string(adType), string(models.ConfirmationTypeViewed))
	if err != nil {
		return 0, fmt.Errorf("purge orphaned ad events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged orphaned ad events", zap.String("ad_type", string(adType)), zap.Int64("count", n))
	}
	return n, nil
}

// PurgeOrphanedForPlacements is PurgeOrphaned restricted to the given
// placements, regardless of ad type.
func (s *Store) PurgeOrphanedForPlacements(ctx context.Context, placementIDs []string) (int64, error) {
	if len(placementIDs) == 0 {
		return 0, nil
	}
	args := []any{string(models.ConfirmationTypeViewed)}
	marks := make([]string, len(placementIDs))
	for i, id := range placementIDs {
		args = append(args, id)
		marks[i] = fmt.Sprintf("$%d", i+2)
	}
	in := strings.Join(marks, ", ")
	res, err := s.db.ExecContext(ctx, `DELETE FROM ad_events
WHERE placement_id IN (`+in+`) AND placement_id NOT IN (
    SELECT placement_id FROM ad_events WHERE confirmation_type = $1 AND placement_id IN (`+in+`)
)`, args...)
	if err != nil {
		return 0, fmt.Errorf("purge orphaned ad events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]models.AdEventInfo, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ad events: %w", err)
	}
	defer rows.Close()

	var events []models.AdEventInfo
	for rows.Next() {
		var (
			e                 models.AdEventInfo
			adType, ct        string
			createdAtUnixNano int64
		)
		if err := rows.Scan(&e.ID, &adType, &ct, &e.PlacementID, &e.CreativeInstanceID,
			&e.CreativeSetID, &e.CampaignID, &e.AdvertiserID, &e.Segment, &e.TargetURL,
			&createdAtUnixNano); err != nil {
			return nil, fmt.Errorf("scan ad event: %w", err)
		}
		e.Type = models.AdType(adType)
		e.ConfirmationType = models.ConfirmationType(ct)
		e.CreatedAt = time.Unix(0, createdAtUnixNano).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ad events: %w", err)
	}
	return events, nil
}
