// Package events is the in-process pub/sub spine between the store,
// scheduler, and image analyzer.
package events

import "time"

// ListingImagesUpdated is published after an upsert changed the set of
// image URLs stored for a listing.
type ListingImagesUpdated struct {
	ListingID   int64
	ExternalID  string
	ImageURLs   []string
	TriggeredAt time.Time
}

// ListingAnalysisCompleted is published when the analyzer finishes a pass
// over one listing, whether or not it was flagged.
type ListingAnalysisCompleted struct {
	ListingID    int64
	ExternalID   string
	IsSuspicious bool
	Reason       *string
	Confidence   *float64
	Meta         map[string]any
	AnalyzedAt   time.Time
}
