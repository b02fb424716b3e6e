package thingspeak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

const (
	// DefaultBaseURL is the public ThingSpeak API.
	DefaultBaseURL = "https://api.thingspeak.com"
	// DefaultResults is ThingSpeak's per-request maximum.
	DefaultResults = 8000
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// Results bounds the number of feeds requested per range fetch.
	Results int
	HTTP    HTTPClientConfig
	Cache   telemetry.SnapshotCache
	Now     func() time.Time
	Log     logrus.FieldLogger
}

// Client fetches station telemetry from ThingSpeak. It implements
// telemetry.Source.
type Client struct {
	name     string
	baseURL  string
	results  int
	stations *telemetry.Registry
	httpCfg  HTTPClientConfig
	circuits *breakers
	cache    telemetry.SnapshotCache
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewClient creates a ThingSpeak client for the configured stations.
func NewClient(stations *telemetry.Registry, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Results <= 0 {
		cfg.Results = DefaultResults
	}
	if cfg.HTTP.Client == nil {
		cfg.HTTP.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	return &Client{
		name:     telemetry.SourceThingSpeak,
		baseURL:  cfg.BaseURL,
		results:  cfg.Results,
		stations: stations,
		httpCfg:  cfg.HTTP,
		circuits: newBreakers(),
		cache:    cfg.Cache,
		now:      cfg.Now,
		log:      cfg.Log,
	}
}

func (c *Client) Name() string {
	return c.name
}

// CacheKey identifies a (station, range) query in the snapshot cache.
func CacheKey(stationID string, start, end *time.Time) string {
	return stationID + "_" + formatBound(start) + "_" + formatBound(end)
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// FetchStationData returns the normalized feeds of a station, optionally
// bounded by start and end. Fresh cached results are returned without a
// network call. Failures are returned as-is; the client does not retry
// unless configured to.
func (c *Client) FetchStationData(ctx context.Context, stationID string, start, end *time.Time) (*telemetry.StationSnapshot, error) {
	station, err := c.stations.Resolve(stationID)
	if err != nil {
		return nil, err
	}

	key := CacheKey(stationID, start, end)
	if c.cache != nil {
		if snap, ok := c.cache.Get(key); ok {
			c.log.WithFields(logrus.Fields{"station": stationID, "key": key}).Debug("cache hit")
			return snap, nil
		}
	}

	values := url.Values{}
	values.Set("results", strconv.Itoa(c.results))
	if start != nil {
		values.Set("start", start.UTC().Format(time.RFC3339))
	}
	if end != nil {
		values.Set("end", end.UTC().Format(time.RFC3339))
	}

	snap, err := c.fetchFeeds(ctx, station, values)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Put(key, snap)
	}
	return snap, nil
}

// FetchRecent returns the newest results feeds without consulting or
// filling the cache.
func (c *Client) FetchRecent(ctx context.Context, stationID string, results int) (*telemetry.StationSnapshot, error) {
	station, err := c.stations.Resolve(stationID)
	if err != nil {
		return nil, err
	}
	if results <= 0 {
		results = c.results
	}

	values := url.Values{}
	values.Set("results", strconv.Itoa(results))
	return c.fetchFeeds(ctx, station, values)
}

func (c *Client) fetchFeeds(ctx context.Context, station telemetry.Station, values url.Values) (*telemetry.StationSnapshot, error) {
	log := c.log.WithFields(logrus.Fields{"station": station.ID, "channel": station.ThingSpeak.ChannelID})
	log.Debug("fetching feeds")

	var payload feedsResponse
	if err := c.getJSON(ctx, station, "/channels/"+url.PathEscape(station.ThingSpeak.ChannelID)+"/feeds.json", values, &payload); err != nil {
		log.WithError(err).Warn("feed fetch failed")
		return nil, err
	}

	entries := make([]telemetry.NormalizedEntry, 0, len(payload.Feeds))
	for _, raw := range payload.Feeds {
		entries = append(entries, telemetry.Normalize(raw, station))
	}
	telemetry.SortEntries(entries)

	log.WithField("entries", len(entries)).Debug("feeds fetched")

	return telemetry.Assemble(payload.Channel.toChannelInfo(station), station, entries, c.name, c.now()), nil
}

// FetchLatestEntry returns the most recent sample of a station.
func (c *Client) FetchLatestEntry(ctx context.Context, stationID string) (telemetry.NormalizedEntry, error) {
	station, err := c.stations.Resolve(stationID)
	if err != nil {
		return telemetry.NormalizedEntry{}, err
	}

	var body json.RawMessage
	if err := c.getJSON(ctx, station, "/channels/"+url.PathEscape(station.ThingSpeak.ChannelID)+"/feeds/last.json", url.Values{}, &body); err != nil {
		return telemetry.NormalizedEntry{}, err
	}

	// An empty channel answers with a bare -1.
	if string(bytes.TrimSpace(body)) == "-1" {
		return telemetry.NormalizedEntry{}, &telemetry.NoEntriesError{StationID: stationID}
	}

	var raw telemetry.RawEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return telemetry.NormalizedEntry{}, fmt.Errorf("decode latest entry for %s: %w", stationID, err)
	}
	return telemetry.Normalize(raw, station), nil
}

// FetchChannelMetadata returns the channel description only.
func (c *Client) FetchChannelMetadata(ctx context.Context, stationID string) (telemetry.ChannelInfo, error) {
	station, err := c.stations.Resolve(stationID)
	if err != nil {
		return telemetry.ChannelInfo{}, err
	}

	var payload channelPayload
	if err := c.getJSON(ctx, station, "/channels/"+url.PathEscape(station.ThingSpeak.ChannelID)+".json", url.Values{}, &payload); err != nil {
		return telemetry.ChannelInfo{}, err
	}
	return payload.toChannelInfo(station), nil
}

// CheckStationLiveness reports a station online when its newest entry is
// younger than maxInactivity. It never fails.
func (c *Client) CheckStationLiveness(ctx context.Context, stationID string, maxInactivity time.Duration) telemetry.Liveness {
	return telemetry.CheckLiveness(ctx, c, stationID, maxInactivity, c.now())
}

func (c *Client) getJSON(ctx context.Context, station telemetry.Station, path string, values url.Values, out interface{}) error {
	values.Set("api_key", station.ThingSpeak.ReadAPIKey)
	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, values.Encode())

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := doRequest(ctx, station.ID, c.httpCfg, c.circuits.get(station.ThingSpeak.ChannelID), buildRequest)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response for %s: %w", path, station.ID, err)
	}
	return nil
}
