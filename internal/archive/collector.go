package archive

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

// DefaultCollectResults is how many recent feeds a collection run asks for.
const DefaultCollectResults = 100

// FeedFetcher is the part of the live client the collector needs.
type FeedFetcher interface {
	FetchRecent(ctx context.Context, stationID string, results int) (*telemetry.StationSnapshot, error)
	FetchChannelMetadata(ctx context.Context, stationID string) (telemetry.ChannelInfo, error)
}

// StationReport is the outcome of collecting one station.
type StationReport struct {
	StationID string         `json:"stationId"`
	Fetched   int            `json:"fetched"`
	Added     map[string]int `json:"added,omitempty"`
	Pruned    []string       `json:"pruned,omitempty"`
	Skipped   bool           `json:"skipped,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Report is the outcome of a collection run.
type Report struct {
	StartedAt time.Time       `json:"startedAt"`
	Stations  []StationReport `json:"stations"`
	Index     *Index          `json:"-"`
}

// Collector pulls recent feeds of every configured station into the archive.
type Collector struct {
	archive  *Archive
	fetcher  FeedFetcher
	stations *telemetry.Registry
	results  int
	cutoff   time.Time
	log      logrus.FieldLogger
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// Results is the number of recent feeds requested per station.
	Results int
	// Cutoff drops entries older than this instant when set.
	Cutoff time.Time
	Log    logrus.FieldLogger
}

// NewCollector creates a collector writing into archive.
func NewCollector(archive *Archive, fetcher FeedFetcher, stations *telemetry.Registry, cfg CollectorConfig) *Collector {
	if cfg.Results <= 0 {
		cfg.Results = DefaultCollectResults
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Collector{
		archive:  archive,
		fetcher:  fetcher,
		stations: stations,
		results:  cfg.Results,
		cutoff:   cfg.Cutoff,
		log:      cfg.Log,
	}
}

// Run collects every station with credentials, then rebuilds the index.
// A failing station is reported and does not stop the others.
func (c *Collector) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: c.archive.now()}

	for _, st := range c.stations.All() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Stations = append(report.Stations, c.collect(ctx, st))
	}

	index, err := c.archive.WriteIndex()
	if err != nil {
		return report, err
	}
	report.Index = index
	return report, nil
}

func (c *Collector) collect(ctx context.Context, st telemetry.Station) StationReport {
	out := StationReport{StationID: st.ID}
	log := c.log.WithField("station", st.ID)

	if !st.ThingSpeak.Configured() {
		log.Debug("no channel credentials, skipping")
		out.Skipped = true
		return out
	}

	snap, err := c.fetcher.FetchRecent(ctx, st.ID, c.results)
	if err != nil {
		log.WithError(err).Warn("collect failed")
		out.Error = err.Error()
		return out
	}

	entries := snap.Entries
	if !c.cutoff.IsZero() {
		kept := make([]telemetry.NormalizedEntry, 0, len(entries))
		for _, e := range entries {
			if !e.Timestamp.Before(c.cutoff) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	out.Fetched = len(entries)

	added, err := c.archive.Append(st.ID, entries)
	out.Added = added
	if err != nil {
		log.WithError(err).Error("archive append failed")
		out.Error = err.Error()
		return out
	}

	if info, err := c.fetcher.FetchChannelMetadata(ctx, st.ID); err == nil {
		if err := c.archive.WriteChannelInfo(st.ID, info); err != nil {
			log.WithError(err).Warn("failed to write channel info")
		}
	} else {
		log.WithError(err).Debug("channel metadata unavailable")
	}

	pruned, err := c.archive.Prune(st.ID)
	out.Pruned = pruned
	if err != nil {
		log.WithError(err).Warn("prune failed")
	}

	log.WithFields(logrus.Fields{"fetched": out.Fetched, "added": added}).Info("station collected")
	return out
}
