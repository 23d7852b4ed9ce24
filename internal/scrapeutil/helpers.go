package scrapeutil

import (
	"regexp"
	"strings"
	"time"
)

var (
	decimalPattern  = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	absolutePattern = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{2,4})(?:,)?\s+(\d{1,2}):(\d{2})(?:\s*Uhr)?$`)
	relativePattern = regexp.MustCompile(`^(Heute|Gestern)\s+(\d{1,2}):(\d{2})(?:\s*Uhr)?$`)
	whitespaceRun   = regexp.MustCompile(`[ \t]+`)
	newlineRun      = regexp.MustCompile(`\n+`)
	postalCodeRun   = regexp.MustCompile(`\b(\d{5})\b`)
)

// berlinLocation is resolved once; listings quote times in local German time.
var berlinLocation = mustLoadBerlin()

func mustLoadBerlin() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		// Fall back to a fixed CET offset when tzdata is unavailable.
		return time.FixedZone("CET", 1*60*60)
	}
	return loc
}

// NormalizePrice converts a marketplace price string into a canonical
// decimal string: thousands dots are stripped and the decimal comma
// becomes a dot. It returns nil for empty or non-numeric input instead
// of failing, so callers can store a null amount alongside the raw text.
func NormalizePrice(raw string) *string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}

	normalized := strings.ReplaceAll(text, ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	if !decimalPattern.MatchString(normalized) {
		return nil
	}
	return &normalized
}

// ParseGermanTimestamp parses the human date phrases the marketplace
// renders on ad pages: "Heute HH:MM", "Gestern HH:MM", and absolute
// forms like "15.01.2024 13:45 Uhr" or "15.01.24, 13:45". The phrase is
// interpreted in Europe/Berlin relative to now and returned as a UTC
// instant. The second return value is false for phrases this parser
// does not understand (e.g. "Vor 2 Stunden"); callers keep the raw text.
func ParseGermanTimestamp(text string, now time.Time) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}

	if m := relativePattern.FindStringSubmatch(text); m != nil {
		day := now.In(berlinLocation)
		if m[1] == "Gestern" {
			day = day.AddDate(0, 0, -1)
		}
		hour := atoi(m[2])
		minute := atoi(m[3])
		if hour > 23 || minute > 59 {
			return time.Time{}, false
		}
		t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, berlinLocation)
		return t.UTC(), true
	}

	if m := absolutePattern.FindStringSubmatch(text); m != nil {
		day := atoi(m[1])
		month := atoi(m[2])
		year := atoi(m[3])
		if year < 100 {
			year += 2000
		}
		hour := atoi(m[4])
		minute := atoi(m[5])
		if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
			return time.Time{}, false
		}
		t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, berlinLocation)
		return t.UTC(), true
	}

	return time.Time{}, false
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

// NormalizeImageURL validates and canonicalises a raw image URL found in
// listing markup. Placeholder assets and inline data URIs are rejected;
// protocol-relative URLs are pinned to https.
func NormalizeImageURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if strings.Contains(u, "placeholder") || strings.HasPrefix(u, "data:image") {
		return ""
	}
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

// FirstSrcsetURL extracts the first URL token from a srcset attribute
// value, which has the form "url1 1x, url2 2x".
func FirstSrcsetURL(srcset string) string {
	srcset = strings.TrimSpace(srcset)
	if srcset == "" {
		return ""
	}
	parts := strings.Split(srcset, ",")
	fields := strings.Fields(strings.TrimSpace(parts[0]))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// CollapseWhitespace squeezes runs of spaces/tabs into a single space
// and runs of newlines into a single newline, then trims the result.
// Listing descriptions arrive with heavy incidental whitespace.
func CollapseWhitespace(text string) string {
	text = whitespaceRun.ReplaceAllString(text, " ")
	text = newlineRun.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// ParseLocation splits a marketplace location line such as
// "10115 Berlin - Mitte" into its five-digit postal code and place name.
// Either part may be empty.
func ParseLocation(raw string) (zip, city string) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ""
	}
	if m := postalCodeRun.FindStringSubmatchIndex(text); m != nil {
		zip = text[m[2]:m[3]]
		city = text[:m[2]] + " " + text[m[3]:]
	} else {
		city = text
	}
	city = strings.Trim(whitespaceRun.ReplaceAllString(city, " "), " -,")
	return zip, city
}

// StripTitleSuffix removes the "Reserviert • " style status marker the
// marketplace prepends to titles of non-active ads, keeping only the
// final segment.
func StripTitleSuffix(title string) string {
	if strings.Contains(title, " • ") {
		parts := strings.Split(title, " • ")
		return strings.TrimSpace(parts[len(parts)-1])
	}
	return strings.TrimSpace(title)
}
