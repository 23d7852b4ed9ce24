// Package pipeline orchestrates the two-phase scrape: list pages first,
// then per-listing detail fetches, with bounded retries and
// partial-failure accounting.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"adwatch/internal/browser"
	"adwatch/internal/geo"
	"adwatch/internal/scraperr"
	"adwatch/internal/source"
)

// Config bounds the pipeline's retry and fan-out behaviour.
type Config struct {
	RetryCount       int
	MaxDetailWorkers int
}

func (c Config) withDefaults() Config {
	if c.RetryCount <= 0 {
		c.RetryCount = 2
	}
	if c.MaxDetailWorkers <= 0 {
		c.MaxDetailWorkers = 5
	}
	return c
}

// Request describes one scrape run.
type Request struct {
	QueryName string
	Query     string
	Location  string
	RadiusKm  int
	MinPrice  *int
	MaxPrice  *int
	PageCount int
}

// Warning is a structured partial-failure record attached to items and
// to the run envelope.
type Warning struct {
	Message       string            `json:"message"`
	Severity      scraperr.Severity `json:"severity"`
	Context       map[string]any    `json:"context,omitempty"`
	AffectedItems []string          `json:"affected_items,omitempty"`
	Impact        string            `json:"impact,omitempty"`
}

// Item is one listing flowing out of the run. Detail is nil when every
// detail attempt failed; the summary still flows through.
type Item struct {
	Summary  source.Summary
	Detail   *source.Detail
	Warnings []Warning
}

// PageTiming records one list-page fetch.
type PageTiming struct {
	Page            int     `json:"page"`
	DurationSeconds float64 `json:"duration_seconds"`
	Attempts        int     `json:"attempts"`
	Success         bool    `json:"success"`
}

// Metrics aggregates one run.
type Metrics struct {
	RunID            string           `json:"run_id"`
	PagesRequested   int              `json:"pages_requested"`
	PagesSuccessful  int              `json:"pages_successful"`
	PagesFailed      int              `json:"pages_failed"`
	DetailSuccesses  int              `json:"detail_successes"`
	DetailFailures   int              `json:"detail_failures"`
	DetailWorkers    int              `json:"detail_workers"`
	WallTimeSeconds  float64          `json:"wall_time_seconds"`
	PageTimings      []PageTiming     `json:"page_timings"`
	Browser          browser.Metrics  `json:"browser"`
	LocationFilter   *geo.FilterStats `json:"location_filter,omitempty"`
}

// Result is the run envelope. Partial failures never surface as errors;
// they become warnings with PartialSuccess set.
type Result struct {
	Items          []Item    `json:"items"`
	Warnings       []Warning `json:"warnings"`
	PartialSuccess bool      `json:"partial_success"`
	Metrics        Metrics   `json:"metrics"`
}

// Pipeline wires a listing source to the browser pool. The gazetteer is
// optional; without it the radius post-filter is skipped.
type Pipeline struct {
	src    source.Source
	pool   browser.Manager
	gaz    *geo.Gazetteer
	cfg    Config
	logger *zap.Logger

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(src source.Source, pool browser.Manager, gaz *geo.Gazetteer, cfg Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		src:    src,
		pool:   pool,
		gaz:    gaz,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Run executes one scrape. It returns an error only for invariant
// violations or cancellation; page and detail failures degrade to
// warnings.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if req.PageCount < 1 {
		req.PageCount = 1
	}
	start := time.Now()
	runID := uuid.NewString()
	log := p.logger.With(zap.String("run_id", runID), zap.String("query_name", req.QueryName))

	res := &Result{Metrics: Metrics{RunID: runID, PagesRequested: req.PageCount}}

	summaries, pageWarnings := p.fetchPages(ctx, req, res, log)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Warnings = append(res.Warnings, pageWarnings...)

	items := p.fetchDetails(ctx, dedupe(summaries), res, log)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Items = items

	if req.RadiusKm > 0 && p.gaz != nil {
		p.applyRadiusFilter(req, res, log)
	}

	p.attachRateWarnings(res)
	res.PartialSuccess = len(res.Warnings) > 0
	res.Metrics.WallTimeSeconds = time.Since(start).Seconds()
	res.Metrics.Browser = p.pool.Metrics()

	log.Info("scrape run finished",
		zap.Int("items", len(res.Items)),
		zap.Int("pages_failed", res.Metrics.PagesFailed),
		zap.Int("detail_failures", res.Metrics.DetailFailures),
		zap.Float64("wall_time_seconds", res.Metrics.WallTimeSeconds))
	return res, nil
}

// fetchPages runs phase 1: one list fetch per requested page, all under
// the global concurrency cap.
func (p *Pipeline) fetchPages(ctx context.Context, req Request, res *Result, log *zap.Logger) ([]source.Summary, []Warning) {
	type pageResult struct {
		page      int
		summaries []source.Summary
		timing    PageTiming
		err       error
	}

	results := make([]pageResult, req.PageCount)
	var wg sync.WaitGroup
	for i := 0; i < req.PageCount; i++ {
		page := i + 1
		wg.Add(1)
		go func(idx, page int) {
			defer wg.Done()
			q := source.Query{
				Keywords: req.Query,
				Location: req.Location,
				RadiusKm: req.RadiusKm,
				MinPrice: req.MinPrice,
				MaxPrice: req.MaxPrice,
				Page:     page,
			}
			pageStart := time.Now()
			var summaries []source.Summary
			attempts, err := p.withRetry(ctx, func() error {
				return p.pool.RunBounded(ctx, func() error {
					var ferr error
					summaries, ferr = p.src.FetchList(ctx, q)
					return ferr
				})
			})
			results[idx] = pageResult{
				page:      page,
				summaries: summaries,
				timing: PageTiming{
					Page:            page,
					DurationSeconds: time.Since(pageStart).Seconds(),
					Attempts:        attempts,
					Success:         err == nil,
				},
				err: err,
			}
		}(i, page)
	}
	wg.Wait()

	var all []source.Summary
	var warnings []Warning
	for _, r := range results {
		res.Metrics.PageTimings = append(res.Metrics.PageTimings, r.timing)
		if r.err != nil {
			res.Metrics.PagesFailed++
			cat, _ := scraperr.Classify(r.err)
			warnings = append(warnings, Warning{
				Message:  fmt.Sprintf("page %d failed after %d attempts: %v", r.page, r.timing.Attempts, r.err),
				Severity: scraperr.SeverityMedium,
				Context:  map[string]any{"page": r.page, "category": string(cat)},
				Impact:   "results from this page are missing",
			})
			log.Warn("list page failed", zap.Int("page", r.page), zap.Error(r.err))
			continue
		}
		res.Metrics.PagesSuccessful++
		if r.timing.Attempts > 1 {
			warnings = append(warnings, Warning{
				Message:  fmt.Sprintf("page %d succeeded after %d attempts", r.page, r.timing.Attempts),
				Severity: scraperr.SeverityLow,
				Context:  map[string]any{"page": r.page},
			})
		}
		all = append(all, r.summaries...)
	}
	return all, warnings
}

// detailWorkerCount sizes the phase-2 pool. Small runs get fewer workers
// than the configured maximum so one run does not hog the browser.
func (p *Pipeline) detailWorkerCount(listings int) int {
	if listings == 0 {
		return 0
	}
	n := p.cfg.MaxDetailWorkers
	if avail := p.pool.Available(); avail < n {
		n = avail
	}
	if listings < n {
		n = listings
	}
	switch {
	case listings <= 3 && n > 2:
		n = 2
	case listings <= 10 && n > 3:
		n = 3
	}
	if n < 1 {
		n = 1
	}
	return n
}

// fetchDetails runs phase 2: a bounded worker pool of detail fetches.
// Items keep summary-iteration order regardless of completion order.
func (p *Pipeline) fetchDetails(ctx context.Context, summaries []source.Summary, res *Result, log *zap.Logger) []Item {
	items := make([]Item, len(summaries))
	for i, s := range summaries {
		items[i] = Item{Summary: s}
	}

	workers := p.detailWorkerCount(len(summaries))
	res.Metrics.DetailWorkers = workers
	if workers == 0 {
		return items
	}

	var mu sync.Mutex
	idxCh := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range idxCh {
				summary := items[idx].Summary
				var detail *source.Detail
				attempts, err := p.withRetry(ctx, func() error {
					return p.pool.RunBounded(ctx, func() error {
						var ferr error
						detail, ferr = p.src.FetchDetail(ctx, summary.ExternalID)
						return ferr
					})
				})

				mu.Lock()
				if err != nil {
					res.Metrics.DetailFailures++
					items[idx].Warnings = append(items[idx].Warnings, Warning{
						Message:       fmt.Sprintf("detail fetch failed after %d attempts: %v", attempts, err),
						Severity:      scraperr.SeverityMedium,
						Context:       map[string]any{"external_id": summary.ExternalID},
						AffectedItems: []string{summary.ExternalID},
						Impact:        "record degraded to summary-only",
					})
					log.Warn("detail fetch failed",
						zap.String("external_id", summary.ExternalID), zap.Error(err))
				} else {
					res.Metrics.DetailSuccesses++
					items[idx].Detail = detail
					if attempts > 1 {
						items[idx].Warnings = append(items[idx].Warnings, Warning{
							Message:       fmt.Sprintf("detail fetched after %d attempts", attempts),
							Severity:      scraperr.SeverityLow,
							AffectedItems: []string{summary.ExternalID},
						})
					}
				}
				mu.Unlock()
			}
		}()
	}

	for i := range items {
		select {
		case idxCh <- i:
		case <-ctx.Done():
			close(idxCh)
			wg.Wait()
			return items
		}
	}
	close(idxCh)
	wg.Wait()
	return items
}

// withRetry runs fn up to 1+RetryCount times with 2^attempt plus jitter
// seconds between attempts, but only while the failure classifies as
// retryable.
func (p *Pipeline) withRetry(ctx context.Context, fn func() error) (attempts int, err error) {
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		err = fn()
		if err == nil {
			return attempts, nil
		}
		if attempt >= p.cfg.RetryCount || !scraperr.Retryable(err) {
			return attempts, err
		}
		backoff := time.Duration((math.Pow(2, float64(attempt)) + rand.Float64()) * float64(time.Second))
		if serr := p.sleep(ctx, backoff); serr != nil {
			return attempts, serr
		}
	}
}

// applyRadiusFilter drops items outside the requested radius of the
// search origin. Items whose location cannot be resolved are kept and
// counted as missing.
func (p *Pipeline) applyRadiusFilter(req Request, res *Result, log *zap.Logger) {
	origin, ok := p.gaz.ResolveLocation(req.Location)
	if !ok {
		res.Warnings = append(res.Warnings, Warning{
			Message:  fmt.Sprintf("radius filter skipped: cannot resolve origin %q", req.Location),
			Severity: scraperr.SeverityLow,
		})
		return
	}

	stats := geo.FilterStats{}
	kept := res.Items[:0]
	for _, item := range res.Items {
		loc := item.Summary.Location
		if item.Detail != nil && item.Detail.Location != "" {
			loc = item.Detail.Location
		}
		within, resolved := p.gaz.WithinRadius(origin, loc, float64(req.RadiusKm))
		switch {
		case !resolved:
			stats.MissingLocation++
			kept = append(kept, item)
		case within:
			stats.Kept++
			kept = append(kept, item)
		default:
			stats.Excluded++
		}
	}
	res.Items = kept
	res.Metrics.LocationFilter = &stats
	log.Debug("radius filter applied",
		zap.Int("kept", stats.Kept),
		zap.Int("excluded", stats.Excluded),
		zap.Int("missing_location", stats.MissingLocation))
}

// attachRateWarnings grades the overall run by its success rate.
func (p *Pipeline) attachRateWarnings(res *Result) {
	total := res.Metrics.PagesSuccessful + res.Metrics.PagesFailed +
		res.Metrics.DetailSuccesses + res.Metrics.DetailFailures
	if total == 0 {
		return
	}
	rate := float64(res.Metrics.PagesSuccessful+res.Metrics.DetailSuccesses) / float64(total)
	switch {
	case rate < 0.5:
		res.Warnings = append(res.Warnings, Warning{
			Message:  fmt.Sprintf("only %.0f%% of scrape tasks succeeded", rate*100),
			Severity: scraperr.SeverityHigh,
			Impact:   "most of the requested data is missing",
		})
	case rate < 0.8:
		res.Warnings = append(res.Warnings, Warning{
			Message:  fmt.Sprintf("%.0f%% of scrape tasks succeeded", rate*100),
			Severity: scraperr.SeverityMedium,
			Impact:   "a noticeable share of the requested data is missing",
		})
	}
}

func dedupe(summaries []source.Summary) []source.Summary {
	seen := make(map[string]bool, len(summaries))
	out := summaries[:0:0]
	for _, s := range summaries {
		if s.ExternalID == "" || seen[s.ExternalID] {
			continue
		}
		seen[s.ExternalID] = true
		out = append(out, s)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
