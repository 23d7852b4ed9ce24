package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"adwatch/internal/browser"
)

const (
	defaultBaseURL = "https://www.kleinanzeigen.de"

	listNavTimeout   = 60 * time.Second
	detailNavTimeout = 120 * time.Second
	listWaitTimeout  = 5 * time.Second
	cardWaitTimeout  = 2500 * time.Millisecond
)

// KleinanzeigenSource scrapes kleinanzeigen.de through a pooled browser
// context per request. Pages are rendered before extraction because the
// site fills cards and galleries client-side.
type KleinanzeigenSource struct {
	pool    browser.Manager
	baseURL string
	logger  *zap.Logger
}

func NewKleinanzeigenSource(pool browser.Manager, logger *zap.Logger) *KleinanzeigenSource {
	return &KleinanzeigenSource{pool: pool, baseURL: defaultBaseURL, logger: logger}
}

// FetchList navigates one search-results page and returns the non-sponsored
// listing cards.
func (s *KleinanzeigenSource) FetchList(ctx context.Context, q Query) ([]Summary, error) {
	target := s.buildSearchURL(q)

	html, err := s.renderPage(ctx, target, listNavTimeout, ".ad-listitem", listWaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("fetch list page %d: %w", q.Page, err)
	}

	summaries, err := parseListHTML(html, s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse list page %d: %w", q.Page, err)
	}
	s.logger.Debug("list page fetched",
		zap.Int("page", q.Page),
		zap.Int("cards", len(summaries)))
	return summaries, nil
}

// FetchDetail navigates the ad page for one external id.
func (s *KleinanzeigenSource) FetchDetail(ctx context.Context, externalID string) (*Detail, error) {
	target := fmt.Sprintf("%s/s-anzeige/%s", s.baseURL, externalID)

	html, err := s.renderPage(ctx, target, detailNavTimeout, "#viewad-title", cardWaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("fetch detail %s: %w", externalID, err)
	}

	detail, err := parseDetailHTML(html)
	if err != nil {
		return nil, fmt.Errorf("parse detail %s: %w", externalID, err)
	}
	detail.ExternalID = externalID
	return detail, nil
}

// renderPage acquires a context, navigates, waits for the selector to
// settle, and returns the rendered HTML. The selector wait is best-effort;
// a page without results simply yields zero cards downstream.
func (s *KleinanzeigenSource) renderPage(ctx context.Context, target string, navTimeout time.Duration, selector string, selTimeout time.Duration) (string, error) {
	bctx, err := s.pool.AcquireContext(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire browser context: %w", err)
	}
	defer s.pool.ReleaseContext(bctx)

	page, err := bctx.Browser().Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}

	if err := page.Timeout(navTimeout).WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	if _, err := page.Timeout(selTimeout).Element(selector); err != nil {
		s.logger.Debug("selector wait elapsed", zap.String("selector", selector), zap.String("url", target))
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// buildSearchURL assembles the site's path-segment query format:
// /s-<keywords>/preis:<min>:<max>/seite:<n>/k0 plus location parameters.
func (s *KleinanzeigenSource) buildSearchURL(q Query) string {
	path := "/s-suchanfrage"
	if q.MinPrice != nil || q.MaxPrice != nil {
		min, max := "", ""
		if q.MinPrice != nil {
			min = strconv.Itoa(*q.MinPrice)
		}
		if q.MaxPrice != nil {
			max = strconv.Itoa(*q.MaxPrice)
		}
		path += fmt.Sprintf("/preis:%s:%s", min, max)
	}
	if q.Page > 1 {
		path += fmt.Sprintf("/seite:%d", q.Page)
	}

	params := url.Values{}
	if q.Keywords != "" {
		params.Set("keywords", q.Keywords)
	}
	if q.Location != "" {
		params.Set("locationStr", q.Location)
	}
	if q.RadiusKm > 0 {
		params.Set("radius", strconv.Itoa(q.RadiusKm))
	}

	u := s.baseURL + path
	if enc := params.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}
