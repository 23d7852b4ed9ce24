package source

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"adwatch/internal/scrapeutil"
)

// parseListHTML extracts listing cards from a rendered search-results
// page. Sponsored "top ad" cards are skipped.
func parseListHTML(html, baseURL string) ([]Summary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var summaries []Summary
	doc.Find(".ad-listitem").Each(func(_ int, item *goquery.Selection) {
		if item.HasClass("is-topad") || item.Find(".icon-feature-topad").Length() > 0 {
			return
		}
		card := item.Find("article[data-adid]").First()
		adID := strings.TrimSpace(card.AttrOr("data-adid", ""))
		if adID == "" {
			return
		}

		href := strings.TrimSpace(card.AttrOr("data-href", ""))
		if href == "" {
			href = strings.TrimSpace(card.Find("a[href]").First().AttrOr("href", ""))
		}
		if href != "" && strings.HasPrefix(href, "/") {
			href = baseURL + href
		}

		summaries = append(summaries, Summary{
			ExternalID:   adID,
			URL:          href,
			Title:        scrapeutil.CollapseWhitespace(card.Find("h2 a").First().Text()),
			PriceText:    scrapeutil.CollapseWhitespace(card.Find(".aditem-main--middle--price-shipping--price").First().Text()),
			Description:  scrapeutil.CollapseWhitespace(card.Find(".aditem-main--middle--description").First().Text()),
			ThumbnailURL: cardImageURL(card),
			Location:     scrapeutil.CollapseWhitespace(card.Find(".aditem-main--top--left").First().Text()),
			PostedText:   scrapeutil.CollapseWhitespace(card.Find(".aditem-main--top--right").First().Text()),
		})
	})
	return summaries, nil
}

// parseDetailHTML extracts the full record from a rendered ad page.
func parseDetailHTML(html string) (*Detail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	rawTitle := scrapeutil.CollapseWhitespace(doc.Find("#viewad-title").First().Text())
	d := &Detail{
		Title:       scrapeutil.StripTitleSuffix(rawTitle),
		Status:      deriveStatus(doc, rawTitle),
		Price:       parsePrice(doc.Find("#viewad-price").First().Text()),
		Description: scrapeutil.CollapseWhitespace(doc.Find("#viewad-description-text").First().Text()),
		ImageURLs:   extractImageURLs(doc),
		Seller:      map[string]string{},
		Details:     map[string]string{},
		ExtraInfo:   map[string]string{},
		Location:    scrapeutil.CollapseWhitespace(doc.Find("#viewad-locality").First().Text()),
	}

	doc.Find(".breadcrump-link, .breadcrumb a").Each(func(_ int, s *goquery.Selection) {
		if text := scrapeutil.CollapseWhitespace(s.Text()); text != "" {
			d.Categories = append(d.Categories, text)
		}
	})

	doc.Find(".addetailslist--detail").Each(func(_ int, s *goquery.Selection) {
		value := scrapeutil.CollapseWhitespace(s.Find(".addetailslist--detail--value").First().Text())
		label := scrapeutil.CollapseWhitespace(strings.TrimSuffix(s.Contents().Not(".addetailslist--detail--value").Text(), ":"))
		if label != "" {
			d.Details[label] = value
		}
	})

	doc.Find(".checktaglist .checktag").Each(func(_ int, s *goquery.Selection) {
		if text := scrapeutil.CollapseWhitespace(s.Text()); text != "" {
			d.Features = append(d.Features, text)
		}
	})

	if name := scrapeutil.CollapseWhitespace(doc.Find(".userprofile-vip a").First().Text()); name != "" {
		d.Seller["name"] = name
	}
	if since := scrapeutil.CollapseWhitespace(doc.Find(".userprofile-vip-details-text").First().Text()); since != "" {
		d.Seller["active_since"] = since
	}
	if badge := scrapeutil.CollapseWhitespace(doc.Find(".userbadge-tag").First().Text()); badge != "" {
		d.Seller["badge"] = badge
	}

	doc.Find("#viewad-extra-info > div").Each(func(i int, s *goquery.Selection) {
		text := scrapeutil.CollapseWhitespace(s.Text())
		if text == "" {
			return
		}
		if i == 0 {
			d.ExtraInfo["creation_date"] = text
		} else if strings.Contains(strings.ToLower(s.AttrOr("class", ""))+text, "besucht") || i == 1 {
			d.ExtraInfo["views"] = text
		}
	})

	d.Shipping = deriveShipping(d.Details, doc)
	return d, nil
}

func deriveStatus(doc *goquery.Document, rawTitle string) string {
	switch {
	case strings.Contains(rawTitle, "Gelöscht •"):
		return StatusDeleted
	case strings.Contains(rawTitle, "Verkauft"),
		doc.Find(".badge-sold").Length() > 0,
		doc.Find("#viewad-title.is-sold").Length() > 0:
		return StatusSold
	case strings.Contains(rawTitle, "Reserviert •"):
		return StatusReserved
	default:
		return StatusActive
	}
}

func parsePrice(text string) Price {
	text = scrapeutil.CollapseWhitespace(text)
	p := Price{AmountRaw: text}
	if strings.Contains(text, "€") {
		p.Currency = "EUR"
	}
	if strings.Contains(text, "VB") {
		p.Negotiable = true
	}
	return p
}

func deriveShipping(details map[string]string, doc *goquery.Document) string {
	for _, v := range details {
		if strings.Contains(v, "Nur Abholung") {
			return ShippingPickup
		}
		if strings.Contains(v, "Versand") {
			return ShippingShipping
		}
	}
	if text := doc.Find(".boxedarticle--details--shipping").First().Text(); text != "" {
		if strings.Contains(text, "Nur Abholung") {
			return ShippingPickup
		}
		if strings.Contains(text, "Versand") {
			return ShippingShipping
		}
	}
	return ""
}

// cardImageURL walks the attribute chain of a card's first image.
func cardImageURL(card *goquery.Selection) string {
	img := card.Find("img").First()
	if img.Length() == 0 {
		return ""
	}
	return imageURLFromAttrs(img)
}

func imageURLFromAttrs(img *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "data-imgsrc", "data-img-src"} {
		if u := scrapeutil.NormalizeImageURL(img.AttrOr(attr, "")); u != "" {
			return u
		}
	}
	if u := scrapeutil.NormalizeImageURL(scrapeutil.FirstSrcsetURL(img.AttrOr("srcset", ""))); u != "" {
		return u
	}
	return ""
}

// extractImageURLs collects gallery images, falling back to the ld+json
// payload when the gallery carries only placeholders.
func extractImageURLs(doc *goquery.Document) []string {
	seen := map[string]bool{}
	var urls []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}

	doc.Find("#viewad-image, .galleryimage-element img, #viewad-thumbnail-list img").Each(func(_ int, img *goquery.Selection) {
		add(imageURLFromAttrs(img))
	})

	if len(urls) > 0 {
		return urls
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload struct {
			Image any `json:"image"`
		}
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		switch v := payload.Image.(type) {
		case string:
			add(scrapeutil.NormalizeImageURL(v))
		case []any:
			for _, entry := range v {
				switch e := entry.(type) {
				case string:
					add(scrapeutil.NormalizeImageURL(e))
				case map[string]any:
					if cu, ok := e["contentUrl"].(string); ok {
						add(scrapeutil.NormalizeImageURL(cu))
					}
				}
			}
		case map[string]any:
			if cu, ok := v["contentUrl"].(string); ok {
				add(scrapeutil.NormalizeImageURL(cu))
			}
		}
	})
	return urls
}
