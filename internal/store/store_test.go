package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"adwatch/internal/source"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "pgx"), zap.NewNop()), mock
}

func TestSameImageSet(t *testing.T) {
	assert.True(t, sameImageSet(nil, nil))
	assert.True(t, sameImageSet([]string{"a", "b"}, []string{"b", "a"}))
	assert.True(t, sameImageSet([]string{"a", "a", "b"}, []string{"b", "a"}))
	assert.False(t, sameImageSet([]string{"a"}, []string{"a", "b"}))
	assert.False(t, sameImageSet([]string{"a"}, []string{"c"}))
	assert.False(t, sameImageSet([]string{"a"}, nil))
}

func TestBuildListingPrefersDetailFields(t *testing.T) {
	now := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	summary := source.Summary{
		ExternalID:   "123",
		Title:        "Woom 3",
		PriceText:    "250 € VB",
		ThumbnailURL: "https://img/thumb.jpg",
		PostedText:   "Heute, 08:15",
	}
	detail := &source.Detail{
		Title:       "Woom 3 Kinderfahrrad",
		Status:      source.StatusReserved,
		Price:       source.Price{AmountRaw: "1.234,50 €", Currency: "EUR", Negotiable: false},
		Description: "Top Zustand",
		Location:    "10115 Berlin - Mitte",
		ImageURLs:   []string{"https://img/1.jpg", "https://img/2.jpg"},
		Shipping:    source.ShippingPickup,
		ExtraInfo:   map[string]string{"creation_date": "15.01.2024 13:45 Uhr"},
	}

	l := buildListing(summary, detail, "woom", map[string]any{"query": "Woom 3"}, now)

	assert.Equal(t, "Woom 3 Kinderfahrrad", l.Title)
	assert.Equal(t, source.StatusReserved, l.Status)
	require.NotNil(t, l.PriceAmount)
	assert.Equal(t, "1234.50", *l.PriceAmount)
	assert.Equal(t, StringList{"https://img/1.jpg", "https://img/2.jpg"}, l.ImageURLs)
	require.NotNil(t, l.PostedAt)
	// 13:45 Berlin winter time is 12:45 UTC.
	assert.Equal(t, time.Date(2024, 1, 15, 12, 45, 0, 0, time.UTC), *l.PostedAt)
	require.NotNil(t, l.PostedAtText)
	assert.Equal(t, "15.01.2024 13:45 Uhr", *l.PostedAtText)
	require.NotNil(t, l.Delivery)
	assert.Equal(t, source.ShippingPickup, *l.Delivery)
	assert.Equal(t, JSONMap{"zip": "10115", "city": "Berlin - Mitte"}, l.Location)
	assert.Equal(t, now, l.FirstSeenAt)
	assert.Equal(t, now, l.LastSeenAt)
}

func TestBuildListingSummaryOnly(t *testing.T) {
	now := time.Now().UTC()
	summary := source.Summary{
		ExternalID:   "456",
		Title:        "Woom 4",
		PriceText:    "abc",
		Location:     "Nürnberg",
		ThumbnailURL: "https://img/thumb.jpg",
		PostedText:   "Vor 2 Stunden",
	}

	l := buildListing(summary, nil, "woom", nil, now)

	assert.Equal(t, source.StatusActive, l.Status)
	assert.Equal(t, JSONMap{"city": "Nürnberg"}, l.Location)
	assert.Nil(t, l.PriceAmount)
	assert.Equal(t, StringList{"https://img/thumb.jpg"}, l.ImageURLs)
	assert.Nil(t, l.PostedAt)
	require.NotNil(t, l.PostedAtText)
	assert.Equal(t, "Vor 2 Stunden", *l.PostedAtText)
}

func TestHashHex(t *testing.T) {
	assert.Equal(t, "0000000000000000", HashHex(0))
	assert.Equal(t, "00000000000000ff", HashHex(255))
	assert.Equal(t, "ffffffffffffffff", HashHex(-1))
}

func TestMarkSuspicion(t *testing.T) {
	s, mock := newMockStore(t)
	conf := 0.922
	mock.ExpectExec(`UPDATE listings SET\s+is_suspicious = TRUE`).
		WithArgs(int64(7), "duplicate-image", conf, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkSuspicion(context.Background(), 7, "duplicate-image", &conf, map[string]any{"threshold": 5})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearSuspicionMissingListing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE listings SET\s+is_suspicious = FALSE`).
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ClearSuspicion(context.Background(), 99)
	assert.ErrorIs(t, err, ErrListingNotFound)
}

func TestCreateJobNameConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO scheduled_jobs`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateJob(context.Background(), ScheduledJob{Name: "woom", PageCount: 1, IntervalSeconds: 60})
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestUpdateBookkeepingTruncatesMessage(t *testing.T) {
	s, mock := newMockStore(t)
	long := strings.Repeat("x", 600)
	start := time.Now().UTC()
	next := start.Add(time.Minute)

	mock.ExpectExec(`UPDATE scheduled_jobs SET\s+last_run_at`).
		WithArgs(int64(3), start, next, "error", strings.Repeat("x", 512), 1.5, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateBookkeeping(context.Background(), 3, Bookkeeping{
		LastRunAt:       start,
		NextRunAt:       next,
		Status:          "error",
		Message:         long,
		DurationSeconds: 1.5,
		ResultCount:     0,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFilterClause(t *testing.T) {
	where, args := listingFilterClause(ListingFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = listingFilterClause(ListingFilter{QueryName: "woom", Status: "active", SearchTerm: "rad"})
	assert.Equal(t, " WHERE query_name = $1 AND status = $2 AND (title ILIKE $3 OR description ILIKE $3)", where)
	assert.Equal(t, []any{"woom", "active", "%rad%"}, args)
}

func TestDeleteJobNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM scheduled_jobs WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteJob(context.Background(), 42)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM image_fingerprints`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx *Store) error {
		return tx.DeleteFingerprintsForListing(context.Background(), 5)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(*Store) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func listingRows(t *testing.T, l Listing) *sqlmock.Rows {
	t.Helper()
	imgs, err := json.Marshal(l.ImageURLs)
	require.NoError(t, err)
	return sqlmock.NewRows([]string{
		"id", "external_id", "title", "description", "price_amount", "price_currency",
		"price_negotiable", "price_raw", "url", "status", "delivery", "thumbnail_url",
		"categories", "location", "seller", "details", "features", "extra_info",
		"image_urls", "search_params", "query_name", "first_seen_at", "last_seen_at",
		"posted_at", "posted_at_text", "is_suspicious", "suspicion_reason",
		"suspicion_confidence", "suspicion_meta", "last_analyzed_at", "created_at",
		"updated_at",
	}).AddRow(
		l.ID, l.ExternalID, l.Title, nil, nil, nil, false, nil, nil, l.Status, nil, nil,
		[]byte(`[]`), nil, nil, nil, []byte(`[]`), nil, imgs, nil, nil,
		l.FirstSeenAt, l.LastSeenAt, nil, nil, false, nil, nil, nil, nil,
		l.CreatedAt, l.UpdatedAt,
	)
}

func TestUpsertListingCreatesOnFirstSighting(t *testing.T) {
	s, mock := newMockStore(t)
	summary := source.Summary{ExternalID: "123", Title: "Woom 3", ThumbnailURL: "https://img/t.jpg"}

	mock.ExpectQuery(`FROM listings WHERE external_id = \$1`).
		WithArgs("123").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO listings`).
		WillReturnRows(listingRows(t, Listing{
			ID: 1, ExternalID: "123", Title: "Woom 3", Status: source.StatusActive,
			ImageURLs: StringList{"https://img/t.jpg"},
		}))

	res, err := s.UpsertListing(context.Background(), summary, nil, "woom", nil)
	require.NoError(t, err)
	assert.True(t, res.WasCreated)
	assert.True(t, res.ImagesChanged, "a new listing always triggers analysis")
	assert.Equal(t, int64(1), res.Listing.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertListingUpdatesWhenImageSetChanges(t *testing.T) {
	s, mock := newMockStore(t)
	firstSeen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := Listing{
		ID: 7, ExternalID: "123", Title: "Woom 3", Status: source.StatusActive,
		ImageURLs: StringList{"https://img/a.jpg", "https://img/b.jpg"}, FirstSeenAt: firstSeen,
	}

	mock.ExpectQuery(`FROM listings WHERE external_id = \$1`).
		WithArgs("123").
		WillReturnRows(listingRows(t, existing))
	mock.ExpectQuery(`UPDATE listings SET`).
		WillReturnRows(listingRows(t, Listing{
			ID: 7, ExternalID: "123", Title: "Woom 3", Status: source.StatusActive,
			ImageURLs: StringList{"https://img/b.jpg", "https://img/c.jpg"}, FirstSeenAt: firstSeen,
		}))

	summary := source.Summary{ExternalID: "123", Title: "Woom 3"}
	detail := &source.Detail{ImageURLs: []string{"https://img/b.jpg", "https://img/c.jpg"}}
	res, err := s.UpsertListing(context.Background(), summary, detail, "woom", nil)
	require.NoError(t, err)
	assert.False(t, res.WasCreated)
	assert.True(t, res.ImagesChanged)
	assert.Equal(t, firstSeen, res.Listing.FirstSeenAt.UTC())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertListingReorderedImagesAreNoChange(t *testing.T) {
	s, mock := newMockStore(t)
	existing := Listing{
		ID: 7, ExternalID: "123", Title: "Woom 3", Status: source.StatusActive,
		ImageURLs: StringList{"https://img/a.jpg", "https://img/b.jpg"},
	}

	mock.ExpectQuery(`FROM listings WHERE external_id = \$1`).
		WithArgs("123").
		WillReturnRows(listingRows(t, existing))
	mock.ExpectQuery(`UPDATE listings SET`).
		WillReturnRows(listingRows(t, existing))

	summary := source.Summary{ExternalID: "123", Title: "Woom 3"}
	detail := &source.Detail{ImageURLs: []string{"https://img/b.jpg", "https://img/a.jpg"}}
	res, err := s.UpsertListing(context.Background(), summary, detail, "woom", nil)
	require.NoError(t, err)
	assert.False(t, res.WasCreated)
	assert.False(t, res.ImagesChanged)
	require.NoError(t, mock.ExpectationsWereMet())
}
