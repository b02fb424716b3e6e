package telemetry

import (
	"context"
	"sort"
	"time"
)

// Source abstracts a telemetry data source (live ThingSpeak or demo).
type Source interface {
	Name() string
	FetchStationData(ctx context.Context, stationID string, start, end *time.Time) (*StationSnapshot, error)
	FetchLatestEntry(ctx context.Context, stationID string) (NormalizedEntry, error)
	FetchChannelMetadata(ctx context.Context, stationID string) (ChannelInfo, error)
}

// SnapshotCache is the time-bounded store the live client writes through.
type SnapshotCache interface {
	Get(key string) (*StationSnapshot, bool)
	Put(key string, snap *StationSnapshot)
	Clear(keys ...string)
}

// SnapshotStore persists the last good snapshot per station.
type SnapshotStore interface {
	SaveSnapshot(stationID string, snap *StationSnapshot) error
	GetLatest(stationID string) (*StationSnapshot, time.Time, error)
}

// ArchiveReader loads snapshots from the dated archive files.
type ArchiveReader interface {
	LoadSnapshot(station Station, start, end time.Time) (*StationSnapshot, error)
}

// Registry is the immutable set of configured stations.
type Registry struct {
	byID  map[string]Station
	order []string
}

// NewRegistry indexes stations by id. Later duplicates replace earlier ones.
func NewRegistry(stations []Station) *Registry {
	r := &Registry{byID: make(map[string]Station, len(stations))}
	for _, st := range stations {
		if _, exists := r.byID[st.ID]; !exists {
			r.order = append(r.order, st.ID)
		}
		r.byID[st.ID] = st
	}
	return r
}

// Lookup returns the station with id.
func (r *Registry) Lookup(id string) (Station, bool) {
	st, ok := r.byID[id]
	return st, ok
}

// Resolve is Lookup returning an UnknownStationError when absent.
func (r *Registry) Resolve(id string) (Station, error) {
	st, ok := r.byID[id]
	if !ok {
		return Station{}, &UnknownStationError{StationID: id}
	}
	return st, nil
}

// All returns the stations in configuration order.
func (r *Registry) All() []Station {
	out := make([]Station, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Active returns the active stations sorted by id.
func (r *Registry) Active() []Station {
	var out []Station
	for _, st := range r.byID {
		if st.Active {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of configured stations.
func (r *Registry) Len() int {
	return len(r.order)
}

// CheckLiveness derives the online state of a station from its newest entry.
// It never fails; errors are reported in Liveness.Error.
func CheckLiveness(ctx context.Context, src Source, stationID string, maxInactivity time.Duration, now time.Time) Liveness {
	status := Liveness{StationID: stationID}

	latest, err := src.FetchLatestEntry(ctx, stationID)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	if latest.Timestamp.IsZero() {
		status.Error = "latest entry has no timestamp"
		return status
	}

	ts := latest.Timestamp
	since := now.Sub(ts)
	status.LastUpdate = &ts
	status.MinutesSinceUpdate = int(since.Round(time.Minute) / time.Minute)
	status.Online = since < maxInactivity

	return status
}
