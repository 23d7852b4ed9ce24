// Package source navigates marketplace list and detail pages through the
// browser pool and extracts structured listing records. It has no
// persistence side effects; the pipeline owns what happens to the data.
package source

import "context"

// Listing status values derived from marketplace badges and title tokens.
const (
	StatusActive   = "active"
	StatusReserved = "reserved"
	StatusSold     = "sold"
	StatusDeleted  = "deleted"
)

// Delivery modes.
const (
	ShippingPickup   = "pickup"
	ShippingShipping = "shipping"
)

// Query describes one search-results page to fetch.
type Query struct {
	Keywords string
	Location string
	RadiusKm int
	MinPrice *int
	MaxPrice *int
	Page     int
}

// Summary is the card-level record from a search-results page.
type Summary struct {
	ExternalID   string
	URL          string
	Title        string
	PriceText    string
	Description  string
	ThumbnailURL string
	Location     string
	PostedText   string
}

// Price is the parsed price block of a detail page. AmountRaw is the text
// as rendered; normalisation to a decimal happens at store time.
type Price struct {
	AmountRaw  string
	Currency   string
	Negotiable bool
}

// Detail is the full record extracted from a listing's own page.
type Detail struct {
	ExternalID  string
	Title       string
	Categories  []string
	Status      string
	Price       Price
	Description string
	ImageURLs   []string
	Seller      map[string]string
	Details     map[string]string
	Features    []string
	Shipping    string
	Location    string
	ExtraInfo   map[string]string
}

// Source is the capability the pipeline scrapes through. Marketplace
// selector rules stay behind this boundary.
type Source interface {
	FetchList(ctx context.Context, q Query) ([]Summary, error)
	FetchDetail(ctx context.Context, externalID string) (*Detail, error)
}
