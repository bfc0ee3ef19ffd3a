// Package geocode resolves addresses to coordinates and back through a
// Nominatim server.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/infrasalud/internal/models"
)

const (
	DefaultEndpoint = "https://nominatim.openstreetmap.org"
	minQueryLen     = 3
	searchLimit     = 5
	countryCodes    = "cl"
)

// Place is one forward search candidate.
type Place struct {
	DisplayName string       `json:"display_name"`
	Coord       models.Coord `json:"coord"`
}

// Geocoder is the interface used by the HTTP layer. Lookups are best-effort:
// failures yield empty results.
type Geocoder interface {
	Search(ctx context.Context, query string) []Place
	Reverse(ctx context.Context, c models.Coord) string
}

// Client queries the Nominatim HTTP API and caches the answers.
type Client struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger

	searches *Cache[[]Place]
	reverses *Cache[string]
}

func NewClient(endpoint, userAgent string, ttl time.Duration, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if userAgent == "" {
		userAgent = "infrasalud/1.0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: 5 * time.Second},
		Logger:    logger,
		searches:  NewCache[[]Place](ttl),
		reverses:  NewCache[string](ttl),
	}
}

// Search returns up to five Chilean candidates for query. Queries of three
// characters or fewer return nothing.
func (c *Client) Search(ctx context.Context, query string) []Place {
	q := strings.TrimSpace(query)
	if len([]rune(q)) <= minQueryLen {
		return []Place{}
	}
	key := strings.ToLower(q)
	if v, ok := c.searches.Get(key); ok {
		return v
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("format", "json")
	params.Set("countrycodes", countryCodes)
	params.Set("limit", strconv.Itoa(searchLimit))

	var out []struct {
		DisplayName string `json:"display_name"`
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
	}
	if err := c.get(ctx, "/search?"+params.Encode(), &out); err != nil {
		c.Logger.Warn("geocode search failed", slog.String("query", q), slog.Any("error", err))
		return []Place{}
	}
	places := make([]Place, 0, len(out))
	for _, r := range out {
		lat, errLat := strconv.ParseFloat(r.Lat, 64)
		lon, errLon := strconv.ParseFloat(r.Lon, 64)
		if errLat != nil || errLon != nil {
			continue
		}
		places = append(places, Place{DisplayName: r.DisplayName, Coord: models.Coord{Lat: lat, Lon: lon}})
		if len(places) == searchLimit {
			break
		}
	}
	c.searches.Set(key, places)
	return places
}

// Reverse returns the first segment of the display name for a point, or ""
// when nothing is found.
func (c *Client) Reverse(ctx context.Context, pt models.Coord) string {
	key := fmt.Sprintf("%.6f,%.6f", pt.Lat, pt.Lon)
	if v, ok := c.reverses.Get(key); ok {
		return v
	}
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(pt.Lat, 'f', 6, 64))
	params.Set("lon", strconv.FormatFloat(pt.Lon, 'f', 6, 64))
	params.Set("format", "json")

	var out struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.get(ctx, "/reverse?"+params.Encode(), &out); err != nil {
		c.Logger.Warn("geocode reverse failed", slog.String("coord", key), slog.Any("error", err))
		return ""
	}
	name := strings.TrimSpace(strings.SplitN(out.DisplayName, ",", 2)[0])
	c.reverses.Set(key, name)
	return name
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nominatim status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
