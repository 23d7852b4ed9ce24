package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"adwatch/internal/scrapeutil"
	"adwatch/internal/source"
)

// UpsertResult reports what an upsert did, so the scheduler knows whether
// to publish an image-update event.
type UpsertResult struct {
	Listing       Listing
	WasCreated    bool
	ImagesChanged bool
}

// ListingFilter narrows List results.
type ListingFilter struct {
	QueryName  string
	Status     string
	SearchTerm string
}

const listingColumns = `id, external_id, title, description, price_amount, price_currency,
	price_negotiable, price_raw, url, status, delivery, thumbnail_url, categories,
	location, seller, details, features, extra_info, image_urls, search_params,
	query_name, first_seen_at, last_seen_at, posted_at, posted_at_text, is_suspicious,
	suspicion_reason, suspicion_confidence, suspicion_meta, last_analyzed_at,
	created_at, updated_at`

// UpsertListing creates or refreshes the row for summary's external id.
// All mutable fields are overwritten from the scrape; first_seen_at is set
// only on creation. ImagesChanged compares the stored and incoming image
// URLs as sets.
func (s *Store) UpsertListing(ctx context.Context, summary source.Summary, detail *source.Detail, queryName string, searchParams map[string]any) (UpsertResult, error) {
	now := time.Now().UTC()
	incoming := buildListing(summary, detail, queryName, searchParams, now)

	existing, err := s.GetByExternalID(ctx, summary.ExternalID)
	switch {
	case errors.Is(err, ErrListingNotFound):
		created, err := s.insertListing(ctx, incoming)
		if err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Listing: created, WasCreated: true, ImagesChanged: true}, nil
	case err != nil:
		return UpsertResult{}, err
	}

	imagesChanged := !sameImageSet(existing.ImageURLs, incoming.ImageURLs)
	incoming.ID = existing.ID
	incoming.FirstSeenAt = existing.FirstSeenAt
	updated, err := s.updateListing(ctx, incoming)
	if err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Listing: updated, ImagesChanged: imagesChanged}, nil
}

// buildListing maps a scrape record onto the row shape. Detail fields win
// over summary fields when present.
func buildListing(summary source.Summary, detail *source.Detail, queryName string, searchParams map[string]any, now time.Time) Listing {
	l := Listing{
		ExternalID:   summary.ExternalID,
		Title:        summary.Title,
		Status:       source.StatusActive,
		QueryName:    optString(queryName),
		URL:          optString(summary.URL),
		ThumbnailURL: optString(summary.ThumbnailURL),
		Location:     locationMap(summary.Location),
		Description:  optString(summary.Description),
		PriceRaw:     optString(summary.PriceText),
		SearchParams: searchParams,
		FirstSeenAt:  now,
		LastSeenAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	priceText := summary.PriceText
	postedText := summary.PostedText

	if detail != nil {
		if detail.Title != "" {
			l.Title = detail.Title
		}
		if detail.Status != "" {
			l.Status = detail.Status
		}
		if detail.Description != "" {
			l.Description = optString(detail.Description)
		}
		if detail.Location != "" {
			l.Location = locationMap(detail.Location)
		}
		l.Categories = detail.Categories
		l.Features = detail.Features
		l.Delivery = optString(detail.Shipping)
		l.Seller = toJSONMap(detail.Seller)
		l.Details = toJSONMap(detail.Details)
		l.ExtraInfo = toJSONMap(detail.ExtraInfo)
		if detail.Price.AmountRaw != "" {
			priceText = detail.Price.AmountRaw
			l.PriceRaw = optString(detail.Price.AmountRaw)
		}
		if detail.Price.Currency != "" {
			l.PriceCurrency = optString(detail.Price.Currency)
		}
		l.PriceNegotiable = detail.Price.Negotiable
		if phrase, ok := detail.ExtraInfo["creation_date"]; ok && phrase != "" {
			postedText = phrase
		}
	}

	l.PriceAmount = scrapeutil.NormalizePrice(strings.NewReplacer("€", "", "VB", "").Replace(priceText))

	if detail != nil && len(detail.ImageURLs) > 0 {
		l.ImageURLs = detail.ImageURLs
	} else if summary.ThumbnailURL != "" {
		l.ImageURLs = StringList{summary.ThumbnailURL}
	} else {
		l.ImageURLs = StringList{}
	}

	if postedText != "" {
		l.PostedAtText = optString(postedText)
		if t, ok := scrapeutil.ParseGermanTimestamp(strings.ReplaceAll(postedText, ",", ""), now); ok {
			l.PostedAt = &t
		} else if t, ok := scrapeutil.ParseGermanTimestamp(postedText, now); ok {
			l.PostedAt = &t
		}
	}
	return l
}

// sameImageSet compares two URL lists as sets, ignoring order and
// duplicates.
func sameImageSet(a, b []string) bool {
	as := make(map[string]bool, len(a))
	for _, u := range a {
		as[u] = true
	}
	bs := make(map[string]bool, len(b))
	for _, u := range b {
		bs[u] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for u := range as {
		if !bs[u] {
			return false
		}
	}
	return true
}

func (s *Store) insertListing(ctx context.Context, l Listing) (Listing, error) {
	rows, err := sqlx.NamedQueryContext(ctx, s.q, `
		INSERT INTO listings (
			external_id, title, description, price_amount, price_currency,
			price_negotiable, price_raw, url, status, delivery, thumbnail_url,
			categories, location, seller, details, features, extra_info,
			image_urls, search_params, query_name, first_seen_at, last_seen_at,
			posted_at, posted_at_text, created_at, updated_at
		) VALUES (
			:external_id, :title, :description, :price_amount, :price_currency,
			:price_negotiable, :price_raw, :url, :status, :delivery, :thumbnail_url,
			:categories, :location, :seller, :details, :features, :extra_info,
			:image_urls, :search_params, :query_name, :first_seen_at, :last_seen_at,
			:posted_at, :posted_at_text, :created_at, :updated_at
		) RETURNING `+listingColumns, l)
	if err != nil {
		return Listing{}, fmt.Errorf("insert listing %s: %w", l.ExternalID, err)
	}
	defer rows.Close()
	return scanOneListing(rows, l.ExternalID)
}

func (s *Store) updateListing(ctx context.Context, l Listing) (Listing, error) {
	rows, err := sqlx.NamedQueryContext(ctx, s.q, `
		UPDATE listings SET
			title = :title, description = :description, price_amount = :price_amount,
			price_currency = :price_currency, price_negotiable = :price_negotiable,
			price_raw = :price_raw, url = :url, status = :status, delivery = :delivery,
			thumbnail_url = :thumbnail_url, categories = :categories,
			location = :location, seller = :seller, details = :details,
			features = :features, extra_info = :extra_info, image_urls = :image_urls,
			search_params = :search_params, query_name = :query_name,
			last_seen_at = :last_seen_at, posted_at = :posted_at,
			posted_at_text = :posted_at_text, updated_at = :updated_at
		WHERE id = :id
		RETURNING `+listingColumns, l)
	if err != nil {
		return Listing{}, fmt.Errorf("update listing %s: %w", l.ExternalID, err)
	}
	defer rows.Close()
	return scanOneListing(rows, l.ExternalID)
}

func scanOneListing(rows *sqlx.Rows, externalID string) (Listing, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Listing{}, err
		}
		return Listing{}, fmt.Errorf("listing %s: no row returned", externalID)
	}
	var l Listing
	if err := rows.StructScan(&l); err != nil {
		return Listing{}, fmt.Errorf("scan listing %s: %w", externalID, err)
	}
	return l, nil
}

// GetByExternalID returns the row for one external id.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (Listing, error) {
	var l Listing
	err := s.q.GetContext(ctx, &l,
		`SELECT `+listingColumns+` FROM listings WHERE external_id = $1`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return Listing{}, ErrListingNotFound
	}
	if err != nil {
		return Listing{}, fmt.Errorf("get listing %s: %w", externalID, err)
	}
	return l, nil
}

// GetListing returns the row for one internal id.
func (s *Store) GetListing(ctx context.Context, id int64) (Listing, error) {
	var l Listing
	err := s.q.GetContext(ctx, &l,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Listing{}, ErrListingNotFound
	}
	if err != nil {
		return Listing{}, fmt.Errorf("get listing %d: %w", id, err)
	}
	return l, nil
}

// List pages through listings newest-seen first and returns the total
// matching count.
func (s *Store) List(ctx context.Context, limit, offset int, f ListingFilter) ([]Listing, int, error) {
	where, args := listingFilterClause(f)

	var total int
	if err := s.q.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM listings`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count listings: %w", err)
	}

	query := `SELECT ` + listingColumns + ` FROM listings` + where +
		` ORDER BY last_seen_at DESC LIMIT $` + strconv.Itoa(len(args)+1) +
		` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	listings := []Listing{}
	if err := s.q.SelectContext(ctx, &listings, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list listings: %w", err)
	}
	return listings, total, nil
}

func listingFilterClause(f ListingFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if f.QueryName != "" {
		add("query_name = ?", f.QueryName)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.SearchTerm != "" {
		add("(title ILIKE ? OR description ILIKE ?)", "%"+f.SearchTerm+"%")
		// Same placeholder serves both columns.
		conds[len(conds)-1] = fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// MarkSuspicion flags a listing and records why. last_analyzed_at is
// bumped so repeated analyses are observable.
func (s *Store) MarkSuspicion(ctx context.Context, listingID int64, reason string, confidence *float64, meta map[string]any) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE listings SET
			is_suspicious = TRUE, suspicion_reason = $2, suspicion_confidence = $3,
			suspicion_meta = $4, last_analyzed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		listingID, reason, confidence, JSONMap(meta))
	if err != nil {
		return fmt.Errorf("mark suspicion on %d: %w", listingID, err)
	}
	return requireRow(res, ErrListingNotFound)
}

// ClearSuspicion resets the suspicion block and bumps last_analyzed_at.
func (s *Store) ClearSuspicion(ctx context.Context, listingID int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE listings SET
			is_suspicious = FALSE, suspicion_reason = NULL, suspicion_confidence = NULL,
			suspicion_meta = NULL, last_analyzed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		listingID)
	if err != nil {
		return fmt.Errorf("clear suspicion on %d: %w", listingID, err)
	}
	return requireRow(res, ErrListingNotFound)
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// locationMap turns a free-text location line into the structured
// zip/city block stored on the row.
func locationMap(raw string) JSONMap {
	zip, city := scrapeutil.ParseLocation(raw)
	if zip == "" && city == "" {
		return nil
	}
	m := JSONMap{}
	if zip != "" {
		m["zip"] = zip
	}
	if city != "" {
		m["city"] = city
	}
	return m
}

func toJSONMap(m map[string]string) JSONMap {
	if len(m) == 0 {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
