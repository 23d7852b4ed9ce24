// Package geo resolves German postal codes and place names to coordinates
// so scrape results can be filtered by distance from a search origin.
package geo

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const earthRadiusKm = 6371.0

var postalCodePattern = regexp.MustCompile(`\b(\d{5})\b`)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// Gazetteer is an in-memory postal-code table in the GeoNames TSV layout:
// country, postal code, place name, admin fields, lat at column 9, lon at
// column 10.
type Gazetteer struct {
	byPostalCode map[string]Point
	byPlaceName  map[string]Point
	logger       *zap.Logger
}

// Load reads a GeoNames postal-code dump from path.
func Load(path string, logger *zap.Logger) (*Gazetteer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gazetteer: %w", err)
	}
	defer f.Close()
	return Parse(f, logger)
}

// Parse reads GeoNames TSV rows from r. Malformed rows are skipped.
func Parse(r io.Reader, logger *zap.Logger) (*Gazetteer, error) {
	g := &Gazetteer{
		byPostalCode: make(map[string]Point),
		byPlaceName:  make(map[string]Point),
		logger:       logger,
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 11 {
			continue
		}
		lat, errLat := strconv.ParseFloat(fields[9], 64)
		lon, errLon := strconv.ParseFloat(fields[10], 64)
		if errLat != nil || errLon != nil {
			continue
		}
		p := Point{Lat: lat, Lon: lon}
		code := strings.TrimSpace(fields[1])
		if code != "" {
			if _, seen := g.byPostalCode[code]; !seen {
				g.byPostalCode[code] = p
			}
		}
		name := strings.ToLower(strings.TrimSpace(fields[2]))
		if name != "" {
			if _, seen := g.byPlaceName[name]; !seen {
				g.byPlaceName[name] = p
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read gazetteer: %w", err)
	}

	logger.Info("gazetteer loaded",
		zap.Int("postal_codes", len(g.byPostalCode)),
		zap.Int("place_names", len(g.byPlaceName)))
	return g, nil
}

// ResolvePostalCode looks up an exact five-digit code.
func (g *Gazetteer) ResolvePostalCode(code string) (Point, bool) {
	p, ok := g.byPostalCode[strings.TrimSpace(code)]
	return p, ok
}

// ResolveLocation resolves a free-text location. A five-digit postal code
// embedded in the text wins; otherwise the text is tried as a place name.
func (g *Gazetteer) ResolveLocation(text string) (Point, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Point{}, false
	}
	if m := postalCodePattern.FindStringSubmatch(text); m != nil {
		if p, ok := g.byPostalCode[m[1]]; ok {
			return p, true
		}
	}
	p, ok := g.byPlaceName[strings.ToLower(text)]
	return p, ok
}

// Haversine returns the great-circle distance between a and b in
// kilometres.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// FilterStats summarises one radius-filter pass.
type FilterStats struct {
	Kept            int `json:"kept"`
	Excluded        int `json:"excluded"`
	MissingLocation int `json:"missing_location"`
}

// WithinRadius reports whether the listing location resolves to a point
// within radiusKm of origin. The second return value is false when the
// location cannot be resolved at all.
func (g *Gazetteer) WithinRadius(origin Point, locationText string, radiusKm float64) (within bool, resolved bool) {
	p, ok := g.ResolveLocation(locationText)
	if !ok {
		return false, false
	}
	return Haversine(origin, p) <= radiusKm, true
}
