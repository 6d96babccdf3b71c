package conversions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/db"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.OpenSQL(context.Background(), db.DriverSQLite, ":memory:", db.SQLOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { db.CloseSQL(conn) })
	return conn
}

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

const testCreativeSetID = "c2ba3e7d-f688-4bc4-a053-cbe7ac1e6123"

func testItem(processAt time.Time) models.ConversionQueueItemInfo {
	return models.ConversionQueueItemInfo{
		ID:                 uuid.NewString(),
		AdType:             models.AdTypeNotification,
		CreativeInstanceID: "3519f52c-46a4-4c48-9c2b-c264c0067f04",
		CreativeSetID:      testCreativeSetID,
		CampaignID:         "84197fc8-830a-4a8e-8339-7a70c2bfa104",
		AdvertiserID:       "5484a63f-eb99-4ba5-a3b0-8c25d3c0e4b2",
		Segment:            "technology & computing",
		ProcessAt:          processAt,
	}
}

func TestQueue_SaveAndGetAll(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	q := NewQueue(setupTestDB(t), zap.NewNop(), metrics)
	ctx := context.Background()

	later := testItem(base.Add(time.Hour))
	earlier := testItem(base)
	earlier.ConversionID = "smartbrownfoxes42"
	earlier.AdvertiserPublicKey = "ofIveUY/bM7qlL9eIkAv/xbjDItFs1xRTTYKRZZsPHI="
	require.NoError(t, q.Save(ctx, later))
	require.NoError(t, q.Save(ctx, earlier))

	items, err := q.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, earlier, items[0])
	assert.Equal(t, later, items[1])
	assert.True(t, items[0].IsVerifiable())
	assert.Equal(t, 2, metrics.Count("IncrementConversions:queued"))
}

func TestQueue_SaveRejectsInvalid(t *testing.T) {
	q := NewQueue(setupTestDB(t), nil, nil)
	item := testItem(time.Time{})
	assert.ErrorIs(t, q.Save(context.Background(), item), ErrInvalidItem)

	item = testItem(base)
	item.ID = ""
	assert.ErrorIs(t, q.Save(context.Background(), item), ErrInvalidItem)
}

func TestQueue_GetDue(t *testing.T) {
	q := NewQueue(setupTestDB(t), nil, nil)
	ctx := context.Background()
	due := testItem(base.Add(-time.Minute))
	notDue := testItem(base.Add(time.Minute))
	require.NoError(t, q.Save(ctx, due))
	require.NoError(t, q.Save(ctx, notDue))

	items, err := q.GetDue(ctx, base)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, due.ID, items[0].ID)
}

func TestQueue_MarkProcessed(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	q := NewQueue(setupTestDB(t), nil, metrics)
	ctx := context.Background()
	item := testItem(base)
	require.NoError(t, q.Save(ctx, item))

	require.NoError(t, q.MarkProcessed(ctx, item.ID))
	assert.Equal(t, 1, metrics.Count("IncrementConversions:processed"))

	due, err := q.GetDue(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
	unprocessed, err := q.GetUnprocessed(ctx)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	// processed items still block another conversion for the set
	forSet, err := q.GetForCreativeSetID(ctx, testCreativeSetID)
	require.NoError(t, err)
	require.Len(t, forSet, 1)
	assert.True(t, forSet[0].WasProcessed)

	assert.ErrorIs(t, q.MarkProcessed(ctx, "missing"), sql.ErrNoRows)
}

func TestQueue_DeleteAndPurge(t *testing.T) {
	q := NewQueue(setupTestDB(t), nil, nil)
	ctx := context.Background()
	a, b, c := testItem(base), testItem(base), testItem(base)
	for _, item := range []models.ConversionQueueItemInfo{a, b, c} {
		require.NoError(t, q.Save(ctx, item))
	}

	require.NoError(t, q.Delete(ctx, a.ID))
	require.NoError(t, q.MarkProcessed(ctx, b.ID))
	n, err := q.PurgeProcessed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	items, err := q.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, c.ID, items[0].ID)

	byInstance, err := q.GetForCreativeInstanceID(ctx, c.CreativeInstanceID)
	require.NoError(t, err)
	assert.Len(t, byInstance, 1)
}

func TestQueue_CreativeSetConversions(t *testing.T) {
	q := NewQueue(setupTestDB(t), nil, nil)
	ctx := context.Background()

	live := models.CreativeSetConversionInfo{
		CreativeSetID:     testCreativeSetID,
		Type:              models.ConversionTypePostView,
		URLPattern:        "https://www.brave.com/*",
		ObservationWindow: 3 * 24 * time.Hour,
		ExpireAt:          base.Add(24 * time.Hour),
	}
	expired := models.CreativeSetConversionInfo{
		CreativeSetID:     "expired-set",
		Type:              models.ConversionTypePostClick,
		URLPattern:        "https://example.com/*",
		ObservationWindow: time.Hour,
		ExpireAt:          base.Add(-time.Hour),
	}
	invalid := models.CreativeSetConversionInfo{CreativeSetID: "no-pattern"}
	require.NoError(t, q.SaveCreativeSetConversions(ctx, []models.CreativeSetConversionInfo{live, expired, invalid}))

	// upsert replaces the pattern
	live.URLPattern = "https://brave.com/thankyou*"
	require.NoError(t, q.SaveCreativeSetConversions(ctx, []models.CreativeSetConversionInfo{live}))

	got, err := q.GetCreativeSetConversions(ctx, base)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, live, got[0])

	n, err := q.PurgeExpiredCreativeSetConversions(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
