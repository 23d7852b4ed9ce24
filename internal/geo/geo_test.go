package geo

import (
	"math"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// Two rows in GeoNames postal layout: Berlin Mitte and Munich.
const sampleTSV = "DE\t10115\tBerlin\tBerlin\tBE\t\t\t\t\t52.5323\t13.3846\t6\n" +
	"DE\t80331\tMünchen\tBayern\tBY\t\t\t\t\t48.1345\t11.5713\t6\n" +
	"DE\tbadrow\tNowhere\n"

func loadSample(t *testing.T) *Gazetteer {
	t.Helper()
	g, err := Parse(strings.NewReader(sampleTSV), zap.NewNop())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return g
}

func TestResolvePostalCode(t *testing.T) {
	g := loadSample(t)
	p, ok := g.ResolvePostalCode("10115")
	if !ok {
		t.Fatal("expected 10115 to resolve")
	}
	if p.Lat != 52.5323 || p.Lon != 13.3846 {
		t.Fatalf("10115 = %+v", p)
	}
	if _, ok := g.ResolvePostalCode("99999"); ok {
		t.Fatal("unknown code should not resolve")
	}
}

func TestResolveLocationFreeText(t *testing.T) {
	g := loadSample(t)

	// Embedded postal code wins.
	p, ok := g.ResolveLocation("10115 Berlin Mitte")
	if !ok || p.Lat != 52.5323 {
		t.Fatalf("embedded code lookup failed: %+v ok=%v", p, ok)
	}

	// Case-insensitive place name fallback.
	p, ok = g.ResolveLocation("münchen")
	if !ok || p.Lon != 11.5713 {
		t.Fatalf("place name lookup failed: %+v ok=%v", p, ok)
	}

	if _, ok := g.ResolveLocation("Atlantis"); ok {
		t.Fatal("unknown place should not resolve")
	}
}

func TestHaversine(t *testing.T) {
	berlin := Point{Lat: 52.5323, Lon: 13.3846}
	munich := Point{Lat: 48.1345, Lon: 11.5713}

	d := Haversine(berlin, munich)
	// Roughly 505 km between the two.
	if math.Abs(d-505) > 15 {
		t.Fatalf("Berlin-Munich distance = %.1f km", d)
	}
	if Haversine(berlin, berlin) != 0 {
		t.Fatal("distance to self must be zero")
	}
}

func TestWithinRadius(t *testing.T) {
	g := loadSample(t)
	berlin := Point{Lat: 52.5323, Lon: 13.3846}

	within, resolved := g.WithinRadius(berlin, "10115 Berlin", 10)
	if !resolved || !within {
		t.Fatalf("same city should be within 10km: within=%v resolved=%v", within, resolved)
	}
	within, resolved = g.WithinRadius(berlin, "80331 München", 100)
	if !resolved || within {
		t.Fatalf("Munich should be outside 100km of Berlin: within=%v resolved=%v", within, resolved)
	}
	_, resolved = g.WithinRadius(berlin, "Atlantis", 100)
	if resolved {
		t.Fatal("unresolvable location must report resolved=false")
	}
}
