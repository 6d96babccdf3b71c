package models

import "time"

// ConversionQueueItemInfo is a detected conversion waiting to be confirmed.
// An empty ConversionID marks a non-verifiable conversion.
type ConversionQueueItemInfo struct {
	ID                  string    `json:"id"`
	AdType              AdType    `json:"ad_type"`
	CreativeInstanceID  string    `json:"creative_instance_id"`
	CreativeSetID       string    `json:"creative_set_id"`
	CampaignID          string    `json:"campaign_id"`
	AdvertiserID        string    `json:"advertiser_id"`
	Segment             string    `json:"segment"`
	ConversionID        string    `json:"conversion_id,omitempty"`
	AdvertiserPublicKey string    `json:"advertiser_public_key,omitempty"`
	ProcessAt           time.Time `json:"process_at"`
	WasProcessed        bool      `json:"was_processed"`
}

// IsValid reports whether the item names a creative and a process time.
func (c ConversionQueueItemInfo) IsValid() bool {
	return c.CreativeInstanceID != "" && c.CreativeSetID != "" && !c.ProcessAt.IsZero()
}

// IsVerifiable reports whether the advertiser can verify the conversion.
func (c ConversionQueueItemInfo) IsVerifiable() bool {
	return c.ConversionID != "" && c.AdvertiserPublicKey != ""
}

// ConversionType selects which ad events may convert.
type ConversionType string

const (
	ConversionTypePostView  ConversionType = "postview"
	ConversionTypePostClick ConversionType = "postclick"
)

// CreativeSetConversionInfo describes how visits convert for a creative set.
type CreativeSetConversionInfo struct {
	CreativeSetID       string         `json:"creative_set_id"`
	Type                ConversionType `json:"type"`
	URLPattern          string         `json:"url_pattern"`
	AdvertiserPublicKey string         `json:"advertiser_public_key,omitempty"`
	ObservationWindow   time.Duration  `json:"observation_window"`
	ExpireAt            time.Time      `json:"expire_at"`
}

func (c CreativeSetConversionInfo) IsValid() bool {
	return c.CreativeSetID != "" && c.URLPattern != "" && c.ObservationWindow > 0
}
