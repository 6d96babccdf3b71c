package conversions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/models"
)

type fakeEvents struct {
	events []models.AdEventInfo
	err    error
}

func (f *fakeEvents) GetSince(_ context.Context, since time.Time) ([]models.AdEventInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.AdEventInfo
	for _, e := range f.events {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func testEvent(creativeSetID string, ct models.ConfirmationType, at time.Time) models.AdEventInfo {
	return models.AdEventInfo{
		ID:                 uuid.NewString(),
		Type:               models.AdTypeNotification,
		ConfirmationType:   ct,
		PlacementID:        uuid.NewString(),
		CreativeInstanceID: uuid.NewString(),
		CreativeSetID:      creativeSetID,
		CampaignID:         "84197fc8-830a-4a8e-8339-7a70c2bfa104",
		AdvertiserID:       "5484a63f-eb99-4ba5-a3b0-8c25d3c0e4b2",
		Segment:            "technology & computing",
		CreatedAt:          at,
	}
}

func testSetConversion(kind models.ConversionType) models.CreativeSetConversionInfo {
	return models.CreativeSetConversionInfo{
		CreativeSetID:     testCreativeSetID,
		Type:              kind,
		URLPattern:        "https://www.brave.com/signup/*",
		ObservationWindow: 3 * 24 * time.Hour,
		ExpireAt:          base.Add(30 * 24 * time.Hour),
	}
}

func newTestMatcher(t *testing.T, events *fakeEvents) (*Matcher, *Queue) {
	t.Helper()
	q := NewQueue(setupTestDB(t), nil, nil)
	m := NewMatcher(q, events, time.Hour, zap.NewNop())
	m.now = func() time.Time { return base }
	m.jitter = func(d time.Duration) time.Duration { return d }
	return m, q
}

var chain = []string{"https://foo.com/ad", "https://www.brave.com/signup/thankyou"}

func TestMatchURLPattern(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"https://www.brave.com/*", "https://www.brave.com/download", true},
		{"https://www.brave.com/*", "https://www.brave.com/", true},
		{"https://www.brave.com/*", "https://brave.com/", false},
		{"https://*.brave.com/thankyou", "https://search.brave.com/thankyou", true},
		{"https://www.brave.com/thankyou", "https://www.brave.com/thankyou?x=1", false},
		{"https://www.brave.com/?q=(a|b)", "https://www.brave.com/?q=(a|b)", true},
		{"https://www.brave.com/?q=(a|b)", "https://www.brave.com/?q=a", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchURLPattern(tt.pattern, tt.url), "%s ~ %s", tt.pattern, tt.url)
	}
}

func TestExtractConversionID(t *testing.T) {
	id, ok := ExtractConversionID(`<html><head><meta name="ad-conversion-id" content="smartbrownfoxes42"></head></html>`)
	assert.True(t, ok)
	assert.Equal(t, "smartbrownfoxes42", id)

	_, ok = ExtractConversionID(`<html><head></head></html>`)
	assert.False(t, ok)

	_, ok = ExtractConversionID(`<meta name="ad-conversion-id" content="not valid!">`)
	assert.False(t, ok)
}

func TestMaybeConvert_PostView(t *testing.T) {
	viewed := testEvent(testCreativeSetID, models.ConfirmationTypeViewed, base.Add(-time.Hour))
	m, q := newTestMatcher(t, &fakeEvents{events: []models.AdEventInfo{viewed}})

	queued, err := m.MaybeConvert(context.Background(), chain, "", []models.CreativeSetConversionInfo{testSetConversion(models.ConversionTypePostView)})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, viewed.CreativeInstanceID, queued[0].CreativeInstanceID)
	assert.Equal(t, base.Add(time.Hour), queued[0].ProcessAt)
	assert.False(t, queued[0].IsVerifiable())

	items, err := q.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, queued[0].ID, items[0].ID)
}

func TestMaybeConvert_PostClickIgnoresViews(t *testing.T) {
	viewed := testEvent(testCreativeSetID, models.ConfirmationTypeViewed, base.Add(-time.Hour))
	m, _ := newTestMatcher(t, &fakeEvents{events: []models.AdEventInfo{viewed}})
	sets := []models.CreativeSetConversionInfo{testSetConversion(models.ConversionTypePostClick)}

	queued, err := m.MaybeConvert(context.Background(), chain, "", sets)
	require.NoError(t, err)
	assert.Empty(t, queued)

	clicked := testEvent(testCreativeSetID, models.ConfirmationTypeClicked, base.Add(-2*time.Hour))
	m.events = &fakeEvents{events: []models.AdEventInfo{clicked, viewed}}
	queued, err = m.MaybeConvert(context.Background(), chain, "", sets)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, clicked.CreativeInstanceID, queued[0].CreativeInstanceID)
}

func TestMaybeConvert_AttributesMostRecentEvent(t *testing.T) {
	older := testEvent(testCreativeSetID, models.ConfirmationTypeViewed, base.Add(-2*time.Hour))
	newer := testEvent(testCreativeSetID, models.ConfirmationTypeClicked, base.Add(-time.Hour))
	other := testEvent("other-set", models.ConfirmationTypeClicked, base.Add(-time.Minute))
	m, _ := newTestMatcher(t, &fakeEvents{events: []models.AdEventInfo{older, newer, other}})

	queued, err := m.MaybeConvert(context.Background(), chain, "", []models.CreativeSetConversionInfo{testSetConversion(models.ConversionTypePostView)})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, newer.CreativeInstanceID, queued[0].CreativeInstanceID)
}

func TestMaybeConvert_OutsideObservationWindow(t *testing.T) {
	stale := testEvent(testCreativeSetID, models.ConfirmationTypeClicked, base.Add(-4*24*time.Hour))
	m, _ := newTestMatcher(t, &fakeEvents{events: []models.AdEventInfo{stale}})

	queued, err := m.MaybeConvert(context.Background(), chain, "", []models.CreativeSetConversionInfo{testSetConversion(models.ConversionTypePostView)})
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestMaybeConvert_NoMatchingURL(t *testing.T) {
	viewed := testEvent(testCreativeSetID, models.ConfirmationTypeViewed, base.Add(-time.Hour))
	m, _ := newTestMatcher(t, &fakeEvents{events: []models.AdEventInfo{viewed}})

	queued, err := m.MaybeConvert(context.Background(), []string{"https://example.com/"}, "", []models.CreativeSetConversionInfo{testSetConversion(models.ConversionTypePostView)})
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestMaybeConvert_ExpiredDefinition(t *testing.T) {
	viewed := testEvent(testCreativeSetID, models.ConfirmationTypeViewed, base.Add(-time.Hour))
	m, _ := newTestMatcher(t, &fakeEvents{events: []models.AdEventInfo{viewed}})
	sc := testSetConversion(models.ConversionTypePostView)
	sc.ExpireAt = base

	queued, err := m.MaybeConvert(context.Background(), chain, "", []models.CreativeSetConversionInfo{sc})
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestMaybeConvert_ConvertsCreativeSetOnce(t *testing.T) {
	viewed := testEvent(testCreativeSetID, models.ConfirmationTypeViewed, base.Add(-time.Hour))
	m, q := newTestMatcher(t, &fakeEvents{events: []models.AdEventInfo{viewed}})
	postView := testSetConversion(models.ConversionTypePostView)
	postClick := testSetConversion(models.ConversionTypePostClick)
	postClick.URLPattern = "https://www.brave.com/*"

	// two definitions for the same set only convert once per visit
	queued, err := m.MaybeConvert(context.Background(), chain, "", []models.CreativeSetConversionInfo{postView, postClick})
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	// and never again on a later visit
	queued, err = m.MaybeConvert(context.Background(), chain, "", []models.CreativeSetConversionInfo{postView})
	require.NoError(t, err)
	assert.Empty(t, queued)

	items, err := q.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMaybeConvert_Verifiable(t *testing.T) {
	public, _ := advertiserKeys(t)
	viewed := testEvent(testCreativeSetID, models.ConfirmationTypeViewed, base.Add(-time.Hour))
	m, _ := newTestMatcher(t, &fakeEvents{events: []models.AdEventInfo{viewed}})
	sc := testSetConversion(models.ConversionTypePostView)
	sc.AdvertiserPublicKey = public

	html := `<html><meta name="ad-conversion-id" content="smartbrownfoxes42"></html>`
	queued, err := m.MaybeConvert(context.Background(), chain, html, []models.CreativeSetConversionInfo{sc})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.True(t, queued[0].IsVerifiable())
	assert.Equal(t, "smartbrownfoxes42", queued[0].ConversionID)
	assert.Equal(t, public, queued[0].AdvertiserPublicKey)
}

func TestMaybeConvert_EventSourceError(t *testing.T) {
	boom := errors.New("boom")
	m, _ := newTestMatcher(t, &fakeEvents{err: boom})

	_, err := m.MaybeConvert(context.Background(), chain, "", []models.CreativeSetConversionInfo{testSetConversion(models.ConversionTypePostView)})
	assert.ErrorIs(t, err, boom)
}

func TestSpread(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := spread(time.Hour)
		assert.GreaterOrEqual(t, d, time.Hour)
		assert.Less(t, d, 2*time.Hour)
	}
	assert.Zero(t, spread(0))
}
