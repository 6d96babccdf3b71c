// Package models defines the data shared by the confirmation engine's
// stores and managers.
package models

// AdType identifies the surface an ad was shown on.
type AdType string

const (
	AdTypeNotification    AdType = "ad_notification"
	AdTypeNewTabPage      AdType = "new_tab_page_ad"
	AdTypePromotedContent AdType = "promoted_content_ad"
	AdTypeInlineContent   AdType = "inline_content_ad"
	AdTypeSearchResult    AdType = "search_result_ad"
)

func (t AdType) IsValid() bool {
	switch t {
	case AdTypeNotification, AdTypeNewTabPage, AdTypePromotedContent, AdTypeInlineContent, AdTypeSearchResult:
		return true
	}
	return false
}

// ConfirmationType is the ad lifecycle event being confirmed.
type ConfirmationType string

const (
	ConfirmationTypeServed     ConfirmationType = "served"
	ConfirmationTypeViewed     ConfirmationType = "view"
	ConfirmationTypeClicked    ConfirmationType = "click"
	ConfirmationTypeDismissed  ConfirmationType = "dismiss"
	ConfirmationTypeTimedOut   ConfirmationType = "timed_out"
	ConfirmationTypeLanded     ConfirmationType = "landed"
	ConfirmationTypeFlagged    ConfirmationType = "flag"
	ConfirmationTypeUpvoted    ConfirmationType = "upvote"
	ConfirmationTypeDownvoted  ConfirmationType = "downvote"
	ConfirmationTypeSaved      ConfirmationType = "bookmark"
	ConfirmationTypeConversion ConfirmationType = "conversion"
)

func (t ConfirmationType) IsValid() bool {
	switch t {
	case ConfirmationTypeServed, ConfirmationTypeViewed, ConfirmationTypeClicked,
		ConfirmationTypeDismissed, ConfirmationTypeTimedOut, ConfirmationTypeLanded,
		ConfirmationTypeFlagged, ConfirmationTypeUpvoted, ConfirmationTypeDownvoted,
		ConfirmationTypeSaved, ConfirmationTypeConversion:
		return true
	}
	return false
}

// AdInfo describes the ad an event refers to.
type AdInfo struct {
	Type               AdType `json:"type"`
	PlacementID        string `json:"placement_id"`
	CreativeInstanceID string `json:"creative_instance_id"`
	CreativeSetID      string `json:"creative_set_id"`
	CampaignID         string `json:"campaign_id"`
	AdvertiserID       string `json:"advertiser_id"`
	Segment            string `json:"segment"`
	TargetURL          string `json:"target_url,omitempty"`
}

// IsValid reports whether the ad carries the ids needed to log and confirm it.
func (a AdInfo) IsValid() bool {
	return a.Type.IsValid() && a.PlacementID != "" && a.CreativeInstanceID != "" && a.CreativeSetID != ""
}
