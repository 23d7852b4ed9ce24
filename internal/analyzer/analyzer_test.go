package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"adwatch/internal/events"
	"adwatch/internal/metrics"
	"adwatch/internal/store"
)

type memRepo struct {
	mu       sync.Mutex
	listings map[int64]*store.Listing
	fps      map[int64][]store.ImageFingerprint
	nextFPID int64
}

func newMemRepo() *memRepo {
	return &memRepo{listings: map[int64]*store.Listing{}, fps: map[int64][]store.ImageFingerprint{}}
}

func (r *memRepo) addListing(id int64, externalID string, imageURLs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings[id] = &store.Listing{ID: id, ExternalID: externalID, ImageURLs: imageURLs}
}

func (r *memRepo) InTx(_ context.Context, fn func(Repository) error) error {
	return fn(r)
}

func (r *memRepo) GetListing(_ context.Context, id int64) (store.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return store.Listing{}, store.ErrListingNotFound
	}
	return *l, nil
}

func (r *memRepo) MarkSuspicion(_ context.Context, id int64, reason string, confidence *float64, meta map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return store.ErrListingNotFound
	}
	now := time.Now().UTC()
	l.IsSuspicious = true
	l.SuspicionReason = &reason
	l.SuspicionConfidence = confidence
	l.SuspicionMeta = meta
	l.LastAnalyzedAt = &now
	return nil
}

func (r *memRepo) ClearSuspicion(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return store.ErrListingNotFound
	}
	now := time.Now().UTC()
	l.IsSuspicious = false
	l.SuspicionReason = nil
	l.SuspicionConfidence = nil
	l.SuspicionMeta = nil
	l.LastAnalyzedAt = &now
	return nil
}

func (r *memRepo) DeleteFingerprintsForListing(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fps, id)
	return nil
}

func (r *memRepo) AddFingerprint(_ context.Context, fp store.ImageFingerprint) (store.ImageFingerprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextFPID++
	fp.ID = r.nextFPID
	fp.HashHex = store.HashHex(fp.HashBits)
	r.fps[fp.ListingID] = append(r.fps[fp.ListingID], fp)
	return fp, nil
}

func (r *memRepo) ListAllFingerprints(_ context.Context, excludeListing *int64) ([]store.ImageFingerprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.ImageFingerprint
	for listingID, fps := range r.fps {
		if excludeListing != nil && listingID == *excludeListing {
			continue
		}
		out = append(out, fps...)
	}
	return out, nil
}

func (r *memRepo) listing(id int64) store.Listing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.listings[id]
}

type capturingBus struct {
	mu     sync.Mutex
	events []any
}

func (b *capturingBus) Publish(e any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *capturingBus) completed() []events.ListingAnalysisCompleted {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.ListingAnalysisCompleted
	for _, e := range b.events {
		if c, ok := e.(events.ListingAnalysisCompleted); ok {
			out = append(out, c)
		}
	}
	return out
}

func newTestAnalyzer(repo Repository, bus Publisher, hashes map[string]uint64) *Analyzer {
	a := New(repo, bus, metrics.New(), Config{}, zap.NewNop())
	a.fetch = func(_ context.Context, url string) (fingerprint, error) {
		h, ok := hashes[url]
		if !ok {
			return fingerprint{}, errors.New("download: no such image")
		}
		return fingerprint{hash: h, width: 64, height: 64, size: 1024}, nil
	}
	return a
}

func analyze(t *testing.T, a *Analyzer, listingID int64, imageURLs []string) {
	t.Helper()
	err := a.processEvent(context.Background(), events.ListingImagesUpdated{
		ListingID: listingID, ImageURLs: imageURLs, TriggeredAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestDuplicateImagesMarkBothListings(t *testing.T) {
	repo := newMemRepo()
	repo.addListing(1, "ext-x", "https://img/x.png")
	repo.addListing(2, "ext-y", "https://img/y.png")
	bus := &capturingBus{}
	a := newTestAnalyzer(repo, bus, map[string]uint64{
		"https://img/x.png": 0xDEADBEEF,
		"https://img/y.png": 0xDEADBEEF,
	})

	analyze(t, a, 1, []string{"https://img/x.png"})
	x := repo.listing(1)
	assert.False(t, x.IsSuspicious, "no counterpart yet, X stays clean")

	analyze(t, a, 2, []string{"https://img/y.png"})

	y := repo.listing(2)
	require.True(t, y.IsSuspicious)
	require.NotNil(t, y.SuspicionReason)
	assert.Equal(t, "duplicate-image", *y.SuspicionReason)
	require.NotNil(t, y.SuspicionConfidence)
	assert.Equal(t, 1.0, *y.SuspicionConfidence)
	yMatches := y.SuspicionMeta["matches"].([]any)
	require.Len(t, yMatches, 1)
	yEntry := yMatches[0].(map[string]any)
	assert.Equal(t, "ext-x", yEntry["external_id"])
	assert.Equal(t, 0, yEntry["hamming_distance"])
	assert.Equal(t, store.HashHex(0xDEADBEEF), yEntry["hash_hex"])

	// Propagation: X is now flagged with Y in its match list. The entry
	// carries X's own matched fingerprint and the threshold in effect.
	x = repo.listing(1)
	require.True(t, x.IsSuspicious)
	xMatches := x.SuspicionMeta["matches"].([]any)
	require.Len(t, xMatches, 1)
	xEntry := xMatches[0].(map[string]any)
	assert.Equal(t, "ext-y", xEntry["external_id"])
	assert.Equal(t, "https://img/x.png", xEntry["image_url"])
	assert.Equal(t, store.HashHex(0xDEADBEEF), xEntry["hash_hex"])
	assert.Equal(t, 5, xEntry["threshold"])

	done := bus.completed()
	require.Len(t, done, 2)
	assert.False(t, done[0].IsSuspicious)
	assert.True(t, done[1].IsSuspicious)
}

func TestEmptyImageListClearsSuspicion(t *testing.T) {
	repo := newMemRepo()
	repo.addListing(1, "ext-x")
	reason := "duplicate-image"
	repo.mu.Lock()
	repo.listings[1].IsSuspicious = true
	repo.listings[1].SuspicionReason = &reason
	repo.listings[1].SuspicionMeta = map[string]any{"matches": []any{}}
	repo.mu.Unlock()

	bus := &capturingBus{}
	a := newTestAnalyzer(repo, bus, nil)
	analyze(t, a, 1, nil)

	x := repo.listing(1)
	assert.False(t, x.IsSuspicious)
	assert.Nil(t, x.SuspicionReason)
	assert.Nil(t, x.SuspicionMeta)
	assert.NotNil(t, x.LastAnalyzedAt)

	done := bus.completed()
	require.Len(t, done, 1)
	assert.False(t, done[0].IsSuspicious)
}

func TestHammingAboveThresholdIsNotAMatch(t *testing.T) {
	repo := newMemRepo()
	repo.addListing(1, "ext-x", "https://img/x.png")
	repo.addListing(2, "ext-y", "https://img/y.png")
	a := newTestAnalyzer(repo, &capturingBus{}, map[string]uint64{
		// Six differing bits, one above the default threshold of 5.
		"https://img/x.png": 0x0,
		"https://img/y.png": 0x3F,
	})

	analyze(t, a, 1, []string{"https://img/x.png"})
	analyze(t, a, 2, []string{"https://img/y.png"})

	assert.False(t, repo.listing(1).IsSuspicious)
	assert.False(t, repo.listing(2).IsSuspicious)
}

func TestHammingAtThresholdMatches(t *testing.T) {
	repo := newMemRepo()
	repo.addListing(1, "ext-x", "https://img/x.png")
	repo.addListing(2, "ext-y", "https://img/y.png")
	a := newTestAnalyzer(repo, &capturingBus{}, map[string]uint64{
		// Exactly five differing bits.
		"https://img/x.png": 0x0,
		"https://img/y.png": 0x1F,
	})

	analyze(t, a, 1, []string{"https://img/x.png"})
	analyze(t, a, 2, []string{"https://img/y.png"})

	y := repo.listing(2)
	require.True(t, y.IsSuspicious)
	// 1 - 5/64 rounded to three decimals.
	assert.Equal(t, 0.922, *y.SuspicionConfidence)
}

func TestMissingListingIsSkipped(t *testing.T) {
	repo := newMemRepo()
	a := newTestAnalyzer(repo, &capturingBus{}, nil)
	err := a.processEvent(context.Background(), events.ListingImagesUpdated{ListingID: 42})
	assert.NoError(t, err)
}

func TestFingerprintRebuildReplacesOldRows(t *testing.T) {
	repo := newMemRepo()
	repo.addListing(1, "ext-x", "https://img/x2.png")
	repo.fps[1] = []store.ImageFingerprint{{ID: 99, ListingID: 1, ImageURL: "https://img/x1.png", HashBits: 1}}

	a := newTestAnalyzer(repo, &capturingBus{}, map[string]uint64{"https://img/x2.png": 0xABC})
	analyze(t, a, 1, []string{"https://img/x2.png"})

	fps := repo.fps[1]
	require.Len(t, fps, 1)
	assert.Equal(t, "https://img/x2.png", fps[0].ImageURL)
	assert.Equal(t, int64(0xABC), fps[0].HashBits)
	assert.Equal(t, store.HashHex(0xABC), fps[0].HashHex)
}

func TestPartialDownloadFailureKeepsRemainingImages(t *testing.T) {
	repo := newMemRepo()
	repo.addListing(1, "ext-x", "https://img/ok.png", "https://img/dead.png")
	bus := &capturingBus{}
	a := newTestAnalyzer(repo, bus, map[string]uint64{"https://img/ok.png": 0xABC})

	analyze(t, a, 1, []string{"https://img/ok.png", "https://img/dead.png"})

	fps := repo.fps[1]
	require.Len(t, fps, 1, "failed image is skipped, the good one is kept")
	assert.Equal(t, "https://img/ok.png", fps[0].ImageURL)
	assert.Equal(t, int64(0xABC), fps[0].HashBits)

	done := bus.completed()
	require.Len(t, done, 1)
	assert.False(t, done[0].IsSuspicious)
}

// flakyRepo fails a fixed number of transactions before delegating.
type flakyRepo struct {
	Repository
	mu       sync.Mutex
	failures int
}

func (r *flakyRepo) InTx(ctx context.Context, fn func(Repository) error) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errors.New("begin tx: connection reset")
	}
	r.mu.Unlock()
	return r.Repository.InTx(ctx, fn)
}

func TestWorkerSurvivesEventErrors(t *testing.T) {
	mem := newMemRepo()
	mem.addListing(1, "ext-x", "https://img/ok.png")
	bus := &capturingBus{}
	a := newTestAnalyzer(&flakyRepo{Repository: mem, failures: 1}, bus, map[string]uint64{"https://img/ok.png": 0x1})

	a.Start()
	defer a.Stop()

	a.queue <- events.ListingImagesUpdated{ListingID: 1}
	a.queue <- events.ListingImagesUpdated{ListingID: 1}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(bus.completed()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker did not process the second event after the first failed")
}
