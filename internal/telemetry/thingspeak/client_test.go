package thingspeak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/station-telemetry/internal/cache"
	"github.com/i474232898/station-telemetry/internal/telemetry"
)

func testStation() telemetry.Station {
	return telemetry.Station{
		ID:   "escola6",
		Name: "Escola El Castellot",
		ThingSpeak: telemetry.ChannelCredentials{
			ChannelID:  "3185873",
			ReadAPIKey: "TESTKEY",
		},
		Fields: []telemetry.FieldDescriptor{
			{Key: "field1", Name: "Pols", Unit: "ug/m3", Type: telemetry.FieldTypeDust},
			{Key: "field2", Name: "Temperatura", Unit: "°C", Type: telemetry.FieldTypeTemperature},
			{Key: "field3", Name: "Humitat", Unit: "%", Type: telemetry.FieldTypeHumidity},
		},
		Active: true,
	}
}

type fakeThingSpeak struct {
	calls   int32
	handler http.HandlerFunc
	server  *httptest.Server
}

func newFakeThingSpeak(t *testing.T, handler http.HandlerFunc) *fakeThingSpeak {
	t.Helper()
	f := &fakeThingSpeak{handler: handler}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.calls, 1)
		f.handler(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeThingSpeak) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

func newTestClient(baseURL string, c telemetry.SnapshotCache, now func() time.Time) *Client {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewClient(telemetry.NewRegistry([]telemetry.Station{testStation()}), Config{
		BaseURL: baseURL,
		Results: 8000,
		HTTP:    HTTPClientConfig{Client: &http.Client{Timeout: 5 * time.Second}},
		Cache:   c,
		Now:     now,
		Log:     log,
	})
}

type feed struct {
	EntryID   int64   `json:"entry_id"`
	CreatedAt string  `json:"created_at"`
	Field1    *string `json:"field1"`
	Field2    *string `json:"field2"`
}

func str(s string) *string { return &s }

func alternatingFeeds(base time.Time, emptyIndex int) []feed {
	feeds := make([]feed, 0, 10)
	for i := 0; i < 10; i++ {
		v := "21.5"
		if i%2 == 1 {
			v = "22.0"
		}
		if i == emptyIndex {
			v = ""
		}
		feeds = append(feeds, feed{
			EntryID:   int64(i + 1),
			CreatedAt: base.Add(time.Duration(i) * 4 * time.Hour).Format(time.RFC3339),
			Field2:    str(v),
		})
	}
	return feeds
}

func feedsHandler(t *testing.T, feeds []feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/3185873/feeds.json", r.URL.Path)
		assert.Equal(t, "TESTKEY", r.URL.Query().Get("api_key"))
		assert.Equal(t, "8000", r.URL.Query().Get("results"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"channel": map[string]interface{}{
				"id":            3185873,
				"name":          "Estacio El Castellot",
				"latitude":      "41.3416",
				"longitude":     "1.6356",
				"created_at":    "2025-11-01T08:00:00Z",
				"last_entry_id": len(feeds),
				"field2":        "Temperatura",
			},
			"feeds": feeds,
		})
	}
}

func TestFetchStationDataStats(t *testing.T) {
	base := time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC)
	start := base
	end := base.Add(48 * time.Hour)

	fake := newFakeThingSpeak(t, feedsHandler(t, alternatingFeeds(base, 4)))
	client := newTestClient(fake.server.URL, nil, nil)

	snap, err := client.FetchStationData(context.Background(), "escola6", &start, &end)
	require.NoError(t, err)

	require.Len(t, snap.Entries, 10)
	assert.Nil(t, snap.Entries[4].Fields["field2"])

	stats := snap.Stats["field2"]
	require.NotNil(t, stats)
	assert.Equal(t, 9, stats.Count)
	assert.Equal(t, 21.5, stats.Min)
	assert.Equal(t, 22.0, stats.Max)
	assert.Equal(t, 22.0, stats.Current)
	assert.Len(t, snap.Series["field2"], 9)

	// field1 never carried a value.
	assert.Nil(t, snap.Stats["field1"])
	assert.Empty(t, snap.Series["field1"])

	assert.Equal(t, "3185873", snap.Channel.ID)
	assert.Equal(t, "Estacio El Castellot", snap.Channel.Name)
	assert.Equal(t, "41.3416", snap.Channel.Latitude)
	assert.Equal(t, int64(10), snap.Channel.LastEntryID)
	assert.Equal(t, "Temperatura", snap.Channel.FieldNames["field2"])
	assert.Equal(t, telemetry.SourceThingSpeak, snap.Source)
}

func TestFetchStationDataCurrentWhenLastIsEmpty(t *testing.T) {
	base := time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC)
	fake := newFakeThingSpeak(t, feedsHandler(t, alternatingFeeds(base, 9)))
	client := newTestClient(fake.server.URL, nil, nil)

	snap, err := client.FetchStationData(context.Background(), "escola6", nil, nil)
	require.NoError(t, err)

	stats := snap.Stats["field2"]
	require.NotNil(t, stats)
	assert.Equal(t, 9, stats.Count)
	// The 9th feed (index 8) is the last non-null one.
	assert.Equal(t, 21.5, stats.Current)
}

func TestFetchStationDataSendsRange(t *testing.T) {
	start := time.Date(2025, 12, 24, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	end := start.Add(24 * time.Hour)

	fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-12-23T23:00:00Z", r.URL.Query().Get("start"))
		assert.Equal(t, "2025-12-24T23:00:00Z", r.URL.Query().Get("end"))
		_, _ = fmt.Fprint(w, `{"channel":{"id":3185873},"feeds":[]}`)
	})
	client := newTestClient(fake.server.URL, nil, nil)

	snap, err := client.FetchStationData(context.Background(), "escola6", &start, &end)
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty())
	assert.Equal(t, "Escola El Castellot", snap.Channel.Name)
}

func TestFetchStationDataUsesCache(t *testing.T) {
	base := time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC)
	fake := newFakeThingSpeak(t, feedsHandler(t, alternatingFeeds(base, -1)))

	now := base
	clock := func() time.Time { return now }
	client := newTestClient(fake.server.URL, cache.New(5*time.Minute, clock), clock)

	first, err := client.FetchStationData(context.Background(), "escola6", nil, nil)
	require.NoError(t, err)
	second, err := client.FetchStationData(context.Background(), "escola6", nil, nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, fake.Calls())

	// A different range is a different key.
	end := base
	_, err = client.FetchStationData(context.Background(), "escola6", nil, &end)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Calls())

	now = now.Add(5 * time.Minute)
	_, err = client.FetchStationData(context.Background(), "escola6", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.Calls())
}

func TestFetchStationDataNotFound(t *testing.T) {
	fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "-1", http.StatusNotFound)
	})
	c := cache.New(time.Minute, nil)
	client := newTestClient(fake.server.URL, c, nil)

	_, err := client.FetchStationData(context.Background(), "escola6", nil, nil)
	require.Error(t, err)

	var remote *telemetry.RemoteFetchError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusNotFound, remote.StatusCode)
	assert.True(t, telemetry.IsFetchFailure(err))

	// No automatic retry and nothing cached.
	assert.Equal(t, 1, fake.Calls())
	assert.Equal(t, 0, c.Len())
}

func TestFetchStationDataRetriesServerErrorsWhenConfigured(t *testing.T) {
	fake := newFakeThingSpeak(t, nil)
	fake.handler = func(w http.ResponseWriter, r *http.Request) {
		if fake.Calls() < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprint(w, `{"channel":{"id":3185873},"feeds":[]}`)
	}

	client := newTestClient(fake.server.URL, nil, nil)
	client.httpCfg.Backoff = BackoffConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	_, err := client.FetchStationData(context.Background(), "escola6", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.Calls())
}

func TestFetchStationDataUnknownStation(t *testing.T) {
	fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {})
	client := newTestClient(fake.server.URL, nil, nil)

	_, err := client.FetchStationData(context.Background(), "escola99", nil, nil)

	var unknown *telemetry.UnknownStationError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "escola99", unknown.StationID)
	assert.Equal(t, 0, fake.Calls())
}

func TestFetchStationDataNetworkError(t *testing.T) {
	fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {})
	url := fake.server.URL
	fake.server.Close()

	client := newTestClient(url, nil, nil)
	_, err := client.FetchStationData(context.Background(), "escola6", nil, nil)

	var network *telemetry.NetworkError
	require.True(t, errors.As(err, &network))
	assert.True(t, telemetry.IsFetchFailure(err))
}

func TestFetchLatestEntry(t *testing.T) {
	fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/3185873/feeds/last.json", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"entry_id":42,"created_at":"2025-12-24T10:00:00Z","field1":null,"field2":"19.25","field3":"n/a"}`)
	})
	client := newTestClient(fake.server.URL, nil, nil)

	entry, err := client.FetchLatestEntry(context.Background(), "escola6")
	require.NoError(t, err)

	assert.Equal(t, int64(42), entry.EntryID)
	assert.Equal(t, time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC), entry.Timestamp)
	assert.Nil(t, entry.Fields["field1"])
	require.NotNil(t, entry.Fields["field2"])
	assert.Equal(t, 19.25, *entry.Fields["field2"])
	assert.Nil(t, entry.Fields["field3"])
}

func TestFetchLatestEntryEmptyChannel(t *testing.T) {
	fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "-1")
	})
	client := newTestClient(fake.server.URL, nil, nil)

	_, err := client.FetchLatestEntry(context.Background(), "escola6")
	var empty *telemetry.NoEntriesError
	require.True(t, errors.As(err, &empty))
	assert.Equal(t, "escola6", empty.StationID)
	assert.False(t, telemetry.IsFetchFailure(err))
}

func TestFetchChannelMetadata(t *testing.T) {
	fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/3185873.json", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"id":3185873,"name":"","description":"Castellví","updated_at":"2025-12-24T10:00:00Z","last_entry_id":null}`)
	})
	client := newTestClient(fake.server.URL, nil, nil)

	info, err := client.FetchChannelMetadata(context.Background(), "escola6")
	require.NoError(t, err)

	assert.Equal(t, "3185873", info.ID)
	assert.Equal(t, "Escola El Castellot", info.Name)
	assert.Equal(t, "Castellví", info.Description)
	require.NotNil(t, info.UpdatedAt)
	assert.Zero(t, info.LastEntryID)
}

func TestCheckStationLiveness(t *testing.T) {
	now := time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC)

	t.Run("online", func(t *testing.T) {
		fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"entry_id":1,"created_at":"2025-12-24T09:50:00Z","field2":"20"}`)
		})
		client := newTestClient(fake.server.URL, nil, func() time.Time { return now })

		status := client.CheckStationLiveness(context.Background(), "escola6", 30*time.Minute)
		assert.True(t, status.Online)
		assert.Equal(t, 10, status.MinutesSinceUpdate)
		assert.Empty(t, status.Error)
	})

	t.Run("offline", func(t *testing.T) {
		fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"entry_id":1,"created_at":"2025-12-24T08:00:00Z","field2":"20"}`)
		})
		client := newTestClient(fake.server.URL, nil, func() time.Time { return now })

		status := client.CheckStationLiveness(context.Background(), "escola6", 30*time.Minute)
		assert.False(t, status.Online)
		assert.Equal(t, 120, status.MinutesSinceUpdate)
	})

	t.Run("fails soft", func(t *testing.T) {
		fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		client := newTestClient(fake.server.URL, nil, func() time.Time { return now })

		status := client.CheckStationLiveness(context.Background(), "escola6", 30*time.Minute)
		assert.False(t, status.Online)
		assert.Nil(t, status.LastUpdate)
		assert.Contains(t, status.Error, "500")
	})
}

func TestFetchRecentBypassesCache(t *testing.T) {
	base := time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC)
	fake := newFakeThingSpeak(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("results"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"channel": map[string]interface{}{"id": 3185873},
			"feeds":   alternatingFeeds(base, -1),
		})
	})
	c := cache.New(time.Minute, nil)
	client := newTestClient(fake.server.URL, c, nil)

	snap, err := client.FetchRecent(context.Background(), "escola6", 100)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 10)
	assert.Equal(t, 0, c.Len())
}
