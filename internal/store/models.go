package store

import "time"

// Listing is the canonical record for one ad. Created on first sighting,
// refreshed on every scrape, never deleted by the core.
type Listing struct {
	ID         int64  `db:"id" json:"id"`
	ExternalID string `db:"external_id" json:"external_id"`

	Title           string     `db:"title" json:"title"`
	Description     *string    `db:"description" json:"description,omitempty"`
	PriceAmount     *string    `db:"price_amount" json:"price_amount,omitempty"`
	PriceCurrency   *string    `db:"price_currency" json:"price_currency,omitempty"`
	PriceNegotiable bool       `db:"price_negotiable" json:"price_negotiable"`
	PriceRaw        *string    `db:"price_raw" json:"price_raw,omitempty"`
	URL             *string    `db:"url" json:"url,omitempty"`
	Status          string     `db:"status" json:"status"`
	Delivery        *string    `db:"delivery" json:"delivery,omitempty"`
	ThumbnailURL    *string    `db:"thumbnail_url" json:"thumbnail_url,omitempty"`
	Categories      StringList `db:"categories" json:"categories"`
	Location        JSONMap    `db:"location" json:"location,omitempty"`
	Seller          JSONMap    `db:"seller" json:"seller,omitempty"`
	Details         JSONMap    `db:"details" json:"details,omitempty"`
	Features        StringList `db:"features" json:"features"`
	ExtraInfo       JSONMap    `db:"extra_info" json:"extra_info,omitempty"`
	ImageURLs       StringList `db:"image_urls" json:"image_urls"`
	SearchParams    JSONMap    `db:"search_params" json:"search_params,omitempty"`
	QueryName       *string    `db:"query_name" json:"query_name,omitempty"`

	FirstSeenAt  time.Time  `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt   time.Time  `db:"last_seen_at" json:"last_seen_at"`
	PostedAt     *time.Time `db:"posted_at" json:"posted_at,omitempty"`
	PostedAtText *string    `db:"posted_at_text" json:"posted_at_text,omitempty"`

	IsSuspicious        bool       `db:"is_suspicious" json:"is_suspicious"`
	SuspicionReason     *string    `db:"suspicion_reason" json:"suspicion_reason,omitempty"`
	SuspicionConfidence *float64   `db:"suspicion_confidence" json:"suspicion_confidence,omitempty"`
	SuspicionMeta       JSONMap    `db:"suspicion_meta" json:"suspicion_meta,omitempty"`
	LastAnalyzedAt      *time.Time `db:"last_analyzed_at" json:"last_analyzed_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ImageFingerprint is one perceptual hash row per listing image. The
// 64-bit integer form is authoritative; hash_hex is derived from it.
type ImageFingerprint struct {
	ID         int64     `db:"id" json:"id"`
	ListingID  int64     `db:"listing_id" json:"listing_id"`
	ImageURL   string    `db:"image_url" json:"image_url"`
	HashMethod string    `db:"hash_method" json:"hash_method"`
	HashHex    string    `db:"hash_hex" json:"hash_hex"`
	HashBits   int64     `db:"hash_bits" json:"hash_bits"`
	Width      *int      `db:"width" json:"width,omitempty"`
	Height     *int      `db:"height" json:"height,omitempty"`
	FileSize   *int      `db:"file_size" json:"file_size,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ScheduledJob is a durable scheduler job definition plus its last-run
// snapshot.
type ScheduledJob struct {
	ID              int64   `db:"id" json:"id"`
	Name            string  `db:"name" json:"name"`
	Query           *string `db:"query" json:"query,omitempty"`
	Location        *string `db:"location" json:"location,omitempty"`
	RadiusKm        *int    `db:"radius_km" json:"radius_km,omitempty"`
	MinPrice        *int    `db:"min_price" json:"min_price,omitempty"`
	MaxPrice        *int    `db:"max_price" json:"max_price,omitempty"`
	PageCount       int     `db:"page_count" json:"page_count"`
	IntervalSeconds int     `db:"interval_seconds" json:"interval_seconds"`
	IsActive        bool    `db:"is_active" json:"is_active"`

	LastRunAt              *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt              *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
	LastRunStatus          *string    `db:"last_run_status" json:"last_run_status,omitempty"`
	LastRunMessage         *string    `db:"last_run_message" json:"last_run_message,omitempty"`
	LastRunDurationSeconds *float64   `db:"last_run_duration_seconds" json:"last_run_duration_seconds,omitempty"`
	LastResultCount        *int       `db:"last_result_count" json:"last_result_count,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
