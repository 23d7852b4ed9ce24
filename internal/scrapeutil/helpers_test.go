package scrapeutil

import (
	"testing"
	"time"
)

func TestNormalizePrice(t *testing.T) {
	cases := []struct {
		in   string
		want string
		null bool
	}{
		{in: "1.234,50", want: "1234.50"},
		{in: "450", want: "450"},
		{in: "1.000", want: "1000"},
		{in: "12,99", want: "12.99"},
		{in: "", null: true},
		{in: "abc", null: true},
		{in: "VB", null: true},
	}

	for _, tc := range cases {
		got := NormalizePrice(tc.in)
		if tc.null {
			if got != nil {
				t.Fatalf("NormalizePrice(%q) = %q, want nil", tc.in, *got)
			}
			continue
		}
		if got == nil {
			t.Fatalf("NormalizePrice(%q) = nil, want %q", tc.in, tc.want)
		}
		if *got != tc.want {
			t.Fatalf("NormalizePrice(%q) = %q, want %q", tc.in, *got, tc.want)
		}
	}
}

func TestParseGermanTimestampRelative(t *testing.T) {
	// 2024-06-10 12:00 Berlin time (CEST, UTC+2).
	now := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	got, ok := ParseGermanTimestamp("Heute 08:15 Uhr", now)
	if !ok {
		t.Fatal("expected Heute phrase to parse")
	}
	want := time.Date(2024, 6, 10, 6, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Heute 08:15 = %v, want %v", got, want)
	}

	got, ok = ParseGermanTimestamp("Gestern 23:59", now)
	if !ok {
		t.Fatal("expected Gestern phrase to parse")
	}
	want = time.Date(2024, 6, 9, 21, 59, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Gestern 23:59 = %v, want %v", got, want)
	}
}

func TestParseGermanTimestampAbsolute(t *testing.T) {
	now := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	// Winter date: Berlin is UTC+1.
	got, ok := ParseGermanTimestamp("15.01.24, 13:45", now)
	if !ok {
		t.Fatal("expected absolute phrase to parse")
	}
	want := time.Date(2024, 1, 15, 12, 45, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("15.01.24, 13:45 = %v, want %v", got, want)
	}

	got, ok = ParseGermanTimestamp("15.01.2024 13:45 Uhr", now)
	if !ok {
		t.Fatal("expected four-digit-year phrase to parse")
	}
	if !got.Equal(want) {
		t.Fatalf("15.01.2024 13:45 Uhr = %v, want %v", got, want)
	}
}

func TestParseGermanTimestampUnparseable(t *testing.T) {
	now := time.Now()
	for _, phrase := range []string{"Vor 2 Stunden", "", "irgendwann", "Heute"} {
		if _, ok := ParseGermanTimestamp(phrase, now); ok {
			t.Fatalf("expected %q to be unparseable", phrase)
		}
	}
}

func TestNormalizeImageURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://img.example.com/a.jpg", "https://img.example.com/a.jpg"},
		{"//img.example.com/a.jpg", "https://img.example.com/a.jpg"},
		{"https://cdn.example.com/placeholder.png", ""},
		{"data:image/png;base64,AAAA", ""},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeImageURL(tc.in); got != tc.want {
			t.Fatalf("NormalizeImageURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFirstSrcsetURL(t *testing.T) {
	if got := FirstSrcsetURL("https://a/1.jpg 1x, https://a/2.jpg 2x"); got != "https://a/1.jpg" {
		t.Fatalf("FirstSrcsetURL = %q", got)
	}
	if got := FirstSrcsetURL(""); got != "" {
		t.Fatalf("FirstSrcsetURL(empty) = %q", got)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	in := "Hello   world\t!\n\n\nNext  line"
	want := "Hello world !\nNext line"
	if got := CollapseWhitespace(in); got != want {
		t.Fatalf("CollapseWhitespace = %q, want %q", got, want)
	}
}

func TestStripTitleSuffix(t *testing.T) {
	if got := StripTitleSuffix("Reserviert • Woom 3 Kinderfahrrad"); got != "Woom 3 Kinderfahrrad" {
		t.Fatalf("StripTitleSuffix = %q", got)
	}
	if got := StripTitleSuffix("Woom 3 Kinderfahrrad"); got != "Woom 3 Kinderfahrrad" {
		t.Fatalf("StripTitleSuffix = %q", got)
	}
}

func TestParseLocation(t *testing.T) {
	cases := []struct {
		in   string
		zip  string
		city string
	}{
		{in: "10115 Berlin", zip: "10115", city: "Berlin"},
		{in: "90402 Nürnberg", zip: "90402", city: "Nürnberg"},
		{in: "10115 Berlin - Mitte", zip: "10115", city: "Berlin - Mitte"},
		{in: "Berlin - Mitte", city: "Berlin - Mitte"},
		{in: "20537", zip: "20537"},
		{in: "  10115   Berlin  ", zip: "10115", city: "Berlin"},
		{in: ""},
	}

	for _, tc := range cases {
		zip, city := ParseLocation(tc.in)
		if zip != tc.zip || city != tc.city {
			t.Fatalf("ParseLocation(%q) = (%q, %q), want (%q, %q)", tc.in, zip, city, tc.zip, tc.city)
		}
	}
}
