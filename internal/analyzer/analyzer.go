// Package analyzer consumes ListingImagesUpdated events, fingerprints
// every listing image with a perceptual hash, and flags listings whose
// images duplicate those of other listings.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"adwatch/internal/events"
	"adwatch/internal/metrics"
	"adwatch/internal/store"
)

const (
	// hashBitLength is fixed by the 64-bit pHash.
	hashBitLength = 64

	suspicionReason = "duplicate-image"
)

// Repository is the persistence slice the analyzer needs. InTx scopes one
// event's rebuild and propagation to a single transaction.
type Repository interface {
	InTx(ctx context.Context, fn func(Repository) error) error
	GetListing(ctx context.Context, id int64) (store.Listing, error)
	MarkSuspicion(ctx context.Context, id int64, reason string, confidence *float64, meta map[string]any) error
	ClearSuspicion(ctx context.Context, id int64) error
	DeleteFingerprintsForListing(ctx context.Context, id int64) error
	AddFingerprint(ctx context.Context, fp store.ImageFingerprint) (store.ImageFingerprint, error)
	ListAllFingerprints(ctx context.Context, excludeListing *int64) ([]store.ImageFingerprint, error)
}

// Publisher is the slice of the event bus the analyzer publishes to.
type Publisher interface {
	Publish(event any)
}

// Config bounds the analyzer's queue and download behaviour.
type Config struct {
	QueueSize         int
	PHashThreshold    int
	ParallelDownloads int64
	MaxImageBytes     int64
	FetchTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.PHashThreshold <= 0 {
		c.PHashThreshold = 5
	}
	if c.ParallelDownloads <= 0 {
		c.ParallelDownloads = 3
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = 10 * 1024 * 1024
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	return c
}

// match records one duplicate pair for suspicion_meta. ImageURL and
// HashHex belong to the counterpart's fingerprint.
type match struct {
	ListingID  int64
	ExternalID string
	ImageURL   string
	HashHex    string
	Distance   int
}

// Analyzer is a single-worker consumer over a bounded queue. Per-event
// errors are counted and swallowed; they never kill the worker.
type Analyzer struct {
	repo    Repository
	bus     Publisher
	metrics *metrics.Metrics
	cfg     Config
	logger  *zap.Logger

	// fetch is replaced in tests to avoid network access.
	fetch func(ctx context.Context, url string) (fingerprint, error)

	queue chan events.ListingImagesUpdated
	quit  chan struct{}
	done  chan struct{}
}

func New(repo Repository, bus Publisher, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Analyzer {
	cfg = cfg.withDefaults()
	a := &Analyzer{
		repo:    repo,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan events.ListingImagesUpdated, cfg.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	a.fetch = newImageFetcher(cfg).fetch
	return a
}

// Subscribe registers the analyzer on the bus. The handler only enqueues,
// so bus dispatch never blocks on image downloads.
func (a *Analyzer) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.ListingImagesUpdated{}, func(_ context.Context, e any) error {
		evt := e.(events.ListingImagesUpdated)
		select {
		case a.queue <- evt:
			return nil
		default:
			return fmt.Errorf("analyzer queue full, event for listing %d dropped", evt.ListingID)
		}
	})
}

// Start launches the single worker.
func (a *Analyzer) Start() {
	go a.worker()
}

// Stop signals the worker and waits for the in-flight event to finish.
func (a *Analyzer) Stop() {
	close(a.quit)
	<-a.done
}

func (a *Analyzer) worker() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case evt := <-a.queue:
			start := time.Now()
			status := "success"
			if err := a.processEvent(context.Background(), evt); err != nil {
				status = "error"
				a.logger.Error("image analysis failed",
					zap.Int64("listing_id", evt.ListingID), zap.Error(err))
			}
			a.metrics.AnalysisEvents.WithLabelValues(status).Inc()
			a.metrics.AnalysisDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
	}
}

// processEvent rebuilds one listing's fingerprints and re-evaluates its
// suspicion inside a single transaction, then publishes the completion
// event.
func (a *Analyzer) processEvent(ctx context.Context, evt events.ListingImagesUpdated) error {
	var completed *events.ListingAnalysisCompleted

	err := a.repo.InTx(ctx, func(tx Repository) error {
		listing, err := tx.GetListing(ctx, evt.ListingID)
		if errors.Is(err, store.ErrListingNotFound) {
			a.logger.Warn("analysis skipped, listing gone",
				zap.Int64("listing_id", evt.ListingID))
			return nil
		}
		if err != nil {
			return err
		}

		if len(listing.ImageURLs) == 0 {
			if err := tx.ClearSuspicion(ctx, listing.ID); err != nil {
				return err
			}
			completed = &events.ListingAnalysisCompleted{
				ListingID:  listing.ID,
				ExternalID: listing.ExternalID,
				AnalyzedAt: time.Now().UTC(),
			}
			return nil
		}

		if err := tx.DeleteFingerprintsForListing(ctx, listing.ID); err != nil {
			return err
		}
		candidates, err := tx.ListAllFingerprints(ctx, &listing.ID)
		if err != nil {
			return err
		}

		matches, err := a.fingerprintImages(ctx, tx, listing, candidates)
		if err != nil {
			return err
		}

		if len(matches) == 0 {
			if err := tx.ClearSuspicion(ctx, listing.ID); err != nil {
				return err
			}
			completed = &events.ListingAnalysisCompleted{
				ListingID:  listing.ID,
				ExternalID: listing.ExternalID,
				AnalyzedAt: time.Now().UTC(),
			}
			return nil
		}

		confidence, meta := suspicionPayload(matches, a.cfg.PHashThreshold)
		if err := tx.MarkSuspicion(ctx, listing.ID, suspicionReason, &confidence, meta); err != nil {
			return err
		}
		if err := a.propagate(ctx, tx, listing, matches); err != nil {
			return err
		}

		reason := suspicionReason
		completed = &events.ListingAnalysisCompleted{
			ListingID:    listing.ID,
			ExternalID:   listing.ExternalID,
			IsSuspicious: true,
			Reason:       &reason,
			Confidence:   &confidence,
			Meta:         meta,
			AnalyzedAt:   time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	if completed != nil && a.bus != nil {
		a.bus.Publish(*completed)
	}
	return nil
}

// fingerprintImages downloads and hashes every image, persists the
// fingerprints, and returns the duplicate matches against candidates.
// Downloads run under the parallel-download semaphore. A failed,
// oversize, or undecodable image is logged and skipped; analysis
// continues with the remaining images. Only context cancellation fails
// the event.
func (a *Analyzer) fingerprintImages(ctx context.Context, tx Repository, listing store.Listing, candidates []store.ImageFingerprint) ([]match, error) {
	type outcome struct {
		url string
		fp  fingerprint
		err error
	}

	sem := semaphore.NewWeighted(a.cfg.ParallelDownloads)
	results := make(chan outcome, len(listing.ImageURLs))
	for _, url := range listing.ImageURLs {
		go func(url string) {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- outcome{url: url, err: err}
				return
			}
			defer sem.Release(1)
			fp, err := a.fetch(ctx, url)
			results <- outcome{url: url, fp: fp, err: err}
		}(url)
	}

	byURL := make(map[string]fingerprint, len(listing.ImageURLs))
	for range listing.ImageURLs {
		o := <-results
		if o.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn("image skipped",
				zap.Int64("listing_id", listing.ID),
				zap.String("url", o.url), zap.Error(o.err))
			continue
		}
		byURL[o.url] = o.fp
	}

	// Persist and compare in stable URL order.
	byListing := make(map[int64][]match)
	for _, url := range listing.ImageURLs {
		fp, ok := byURL[url]
		if !ok {
			continue
		}
		row := store.ImageFingerprint{
			ListingID:  listing.ID,
			ImageURL:   url,
			HashMethod: "phash",
			HashBits:   int64(fp.hash),
			Width:      &fp.width,
			Height:     &fp.height,
			FileSize:   &fp.size,
		}
		if _, err := tx.AddFingerprint(ctx, row); err != nil {
			return nil, err
		}
		for _, cand := range candidates {
			d := bits.OnesCount64(fp.hash ^ uint64(cand.HashBits))
			if d <= a.cfg.PHashThreshold {
				byListing[cand.ListingID] = append(byListing[cand.ListingID], match{
					ListingID: cand.ListingID,
					ImageURL:  cand.ImageURL,
					HashHex:   store.HashHex(cand.HashBits),
					Distance:  d,
				})
			}
		}
	}

	var matches []match
	for listingID, ms := range byListing {
		best := ms[0]
		for _, m := range ms[1:] {
			if m.Distance < best.Distance {
				best = m
			}
		}
		counterpart, err := tx.GetListing(ctx, listingID)
		if err != nil {
			if errors.Is(err, store.ErrListingNotFound) {
				continue
			}
			return nil, err
		}
		best.ExternalID = counterpart.ExternalID
		matches = append(matches, best)
	}
	return matches, nil
}

// propagate mirrors the suspicion onto each matched counterpart by
// appending this listing to the counterpart's match list.
func (a *Analyzer) propagate(ctx context.Context, tx Repository, listing store.Listing, matches []match) error {
	for _, m := range matches {
		counterpart, err := tx.GetListing(ctx, m.ListingID)
		if err != nil {
			if errors.Is(err, store.ErrListingNotFound) {
				continue
			}
			return err
		}

		meta := map[string]any{
			"hash_method": "phash",
			"threshold":   a.cfg.PHashThreshold,
		}
		var existing []any
		if counterpart.SuspicionMeta != nil {
			for k, v := range counterpart.SuspicionMeta {
				meta[k] = v
			}
			if prev, ok := counterpart.SuspicionMeta["matches"].([]any); ok {
				existing = prev
			}
		}
		meta["matches"] = append(existing, map[string]any{
			"listing_id":       listing.ID,
			"external_id":      listing.ExternalID,
			"image_url":        m.ImageURL,
			"hash_hex":         m.HashHex,
			"hamming_distance": m.Distance,
			"threshold":        a.cfg.PHashThreshold,
		})

		if err := tx.MarkSuspicion(ctx, counterpart.ID, suspicionReason, counterpart.SuspicionConfidence, meta); err != nil {
			return err
		}
	}
	return nil
}

// suspicionPayload derives the confidence and meta block from the match
// set. Confidence is 1 - minDistance/64, rounded to three decimals.
func suspicionPayload(matches []match, threshold int) (float64, map[string]any) {
	minDist := hashBitLength
	list := make([]any, 0, len(matches))
	for _, m := range matches {
		if m.Distance < minDist {
			minDist = m.Distance
		}
		list = append(list, map[string]any{
			"listing_id":       m.ListingID,
			"external_id":      m.ExternalID,
			"image_url":        m.ImageURL,
			"hash_hex":         m.HashHex,
			"hamming_distance": m.Distance,
		})
	}
	confidence := math.Round((1-float64(minDist)/hashBitLength)*1000) / 1000
	return confidence, map[string]any{
		"hash_method": "phash",
		"threshold":   threshold,
		"matches":     list,
	}
}
