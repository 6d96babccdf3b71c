package models

import "time"

// AdEventInfo is one logged occurrence of an ad lifecycle event.
type AdEventInfo struct {
	ID                 string           `json:"id"`
	Type               AdType           `json:"type"`
	ConfirmationType   ConfirmationType `json:"confirmation_type"`
	PlacementID        string           `json:"placement_id"`
	CreativeInstanceID string           `json:"creative_instance_id"`
	CreativeSetID      string           `json:"creative_set_id"`
	CampaignID         string           `json:"campaign_id"`
	AdvertiserID       string           `json:"advertiser_id"`
	Segment            string           `json:"segment"`
	TargetURL          string           `json:"target_url,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// NewAdEvent builds the event for ad with the given confirmation type.
func NewAdEvent(id string, ad AdInfo, ct ConfirmationType, at time.Time) AdEventInfo {
	return AdEventInfo{
		ID:                 id,
		Type:               ad.Type,
		ConfirmationType:   ct,
		PlacementID:        ad.PlacementID,
		CreativeInstanceID: ad.CreativeInstanceID,
		CreativeSetID:      ad.CreativeSetID,
		CampaignID:         ad.CampaignID,
		AdvertiserID:       ad.AdvertiserID,
		Segment:            ad.Segment,
		TargetURL:          ad.TargetURL,
		CreatedAt:          at,
	}
}

func (e AdEventInfo) IsValid() bool {
	return e.ID != "" && e.Type.IsValid() && e.ConfirmationType.IsValid() &&
		e.PlacementID != "" && e.CreativeInstanceID != "" && !e.CreatedAt.IsZero()
}

// Ad returns the ad the event refers to.
func (e AdEventInfo) Ad() AdInfo {
	return AdInfo{
		Type:               e.Type,
		PlacementID:        e.PlacementID,
		CreativeInstanceID: e.CreativeInstanceID,
		CreativeSetID:      e.CreativeSetID,
		CampaignID:         e.CampaignID,
		AdvertiserID:       e.AdvertiserID,
		Segment:            e.Segment,
		TargetURL:          e.TargetURL,
	}
}
