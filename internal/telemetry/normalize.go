package telemetry

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Normalize coerces a raw feed entry into typed values for every field the
// station declares. Missing, empty and non-numeric values become nil.
func Normalize(raw RawEntry, station Station) NormalizedEntry {
	entry := NormalizedEntry{
		EntryID:   raw.EntryID,
		Timestamp: ParseTimestamp(raw.CreatedAt),
		Fields:    make(map[string]*float64, len(station.Fields)),
	}

	for _, f := range station.Fields {
		entry.Fields[f.Key] = ParseValue(raw.Fields[f.Key])
	}

	return entry
}

// ParseValue parses a dot-decimal number. It never fails: anything that is
// not a finite number yields nil.
func ParseValue(raw *string) *float64 {
	if raw == nil {
		return nil
	}
	s := strings.TrimSpace(*raw)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// ParseTimestamp parses ThingSpeak's created_at. Unparseable values give the
// zero time.
func ParseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05 MST", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// ComputeStats summarizes values given in chronological order. Current is
// the last value in input order. Returns nil for no values.
func ComputeStats(values []float64) *FieldStats {
	if len(values) == 0 {
		return nil
	}

	stats := &FieldStats{
		Min: values[0],
		Max: values[0],
	}
	var sum float64
	for _, v := range values {
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
		sum += v
		stats.Current = v
	}
	stats.Count = len(values)
	stats.Avg = sum / float64(len(values))

	return stats
}

// BuildSeries projects one field across entries, dropping nil values and
// keeping input order.
func BuildSeries(entries []NormalizedEntry, fieldKey string) FieldSeries {
	series := make(FieldSeries, 0, len(entries))
	for _, e := range entries {
		if v, ok := e.Value(fieldKey); ok {
			series = append(series, Point{Timestamp: e.Timestamp, Value: v})
		}
	}
	return series
}

// SortEntries orders entries by timestamp. The sort is stable so entries
// sharing a timestamp keep their arrival order.
func SortEntries(entries []NormalizedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

// Assemble builds a snapshot with per-field series and stats for every
// field the station declares. Entries must already be in ascending order.
func Assemble(channel ChannelInfo, station Station, entries []NormalizedEntry, source string, fetchedAt time.Time) *StationSnapshot {
	if entries == nil {
		entries = []NormalizedEntry{}
	}

	snap := &StationSnapshot{
		Channel:   channel,
		Station:   station,
		Entries:   entries,
		Series:    make(map[string]FieldSeries, len(station.Fields)),
		Stats:     make(map[string]*FieldStats, len(station.Fields)),
		Source:    source,
		FetchedAt: fetchedAt,
	}

	for _, key := range station.FieldKeys() {
		series := BuildSeries(entries, key)
		snap.Series[key] = series
		snap.Stats[key] = ComputeStats(series.Values())
	}

	return snap
}

// FilterByDateRange returns a new snapshot holding only the entries whose
// timestamp lies in [start, end], with series and stats recomputed.
// A zero start or end leaves that side unbounded. The input is not modified.
func FilterByDateRange(snap *StationSnapshot, start, end time.Time) *StationSnapshot {
	if snap == nil {
		return nil
	}

	filtered := make([]NormalizedEntry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		filtered = append(filtered, e)
	}

	return Assemble(snap.Channel, snap.Station, filtered, snap.Source, snap.FetchedAt)
}
