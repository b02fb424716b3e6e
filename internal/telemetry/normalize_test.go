package telemetry

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStation() Station {
	return Station{
		ID:   "escola6",
		Name: "Escola El Castellot",
		Fields: []FieldDescriptor{
			{Key: "field1", Name: "Pols", Type: FieldTypeDust},
			{Key: "field2", Name: "Temperatura", Type: FieldTypeTemperature},
			{Key: "field3", Name: "Humitat", Type: FieldTypeHumidity},
		},
		Active: true,
	}
}

func sp(s string) *string { return &s }

func fp(v float64) *float64 { return &v }

func TestNormalizeCoercesBadValuesToNil(t *testing.T) {
	tests := []struct {
		name string
		raw  *string
		want *float64
	}{
		{name: "missing", raw: nil, want: nil},
		{name: "empty", raw: sp(""), want: nil},
		{name: "blank", raw: sp("   "), want: nil},
		{name: "text", raw: sp("abc"), want: nil},
		{name: "comma decimal", raw: sp("21,5"), want: nil},
		{name: "trailing garbage", raw: sp("21.5abc"), want: nil},
		{name: "nan", raw: sp("NaN"), want: nil},
		{name: "inf", raw: sp("+Inf"), want: nil},
		{name: "number", raw: sp("21.5"), want: fp(21.5)},
		{name: "padded", raw: sp(" 7 "), want: fp(7)},
		{name: "negative", raw: sp("-3.25"), want: fp(-3.25)},
		{name: "zero", raw: sp("0"), want: fp(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := RawEntry{EntryID: 1, CreatedAt: "2025-12-24T10:00:00Z", Fields: map[string]*string{"field2": tt.raw}}
			got := Normalize(raw, testStation())

			assert.Equal(t, tt.want, got.Fields["field2"])
			if v := got.Fields["field2"]; v != nil {
				assert.False(t, math.IsNaN(*v))
			}
		})
	}
}

func TestNormalizeCoversEveryDeclaredField(t *testing.T) {
	raw := RawEntry{
		EntryID:   7,
		CreatedAt: "2025-12-24T10:00:00Z",
		Fields:    map[string]*string{"field2": sp("20"), "field8": sp("99")},
	}
	got := Normalize(raw, testStation())

	assert.Equal(t, int64(7), got.EntryID)
	assert.Equal(t, time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC), got.Timestamp)
	assert.Len(t, got.Fields, 3)
	assert.Contains(t, got.Fields, "field1")
	assert.Nil(t, got.Fields["field1"])
	assert.NotContains(t, got.Fields, "field8")
}

func TestRawEntryUnmarshal(t *testing.T) {
	data := `{"entry_id":12,"created_at":"2025-12-24T10:00:00Z","field1":"1.5","field2":22.25,"field3":null,"field4":""}`

	var raw RawEntry
	require.NoError(t, json.Unmarshal([]byte(data), &raw))

	assert.Equal(t, int64(12), raw.EntryID)
	assert.Equal(t, "1.5", *raw.Fields["field1"])
	assert.Equal(t, "22.25", *raw.Fields["field2"])
	assert.Nil(t, raw.Fields["field3"])
	assert.Equal(t, "", *raw.Fields["field4"])
	assert.NotContains(t, raw.Fields, "field5")
}

func TestComputeStats(t *testing.T) {
	assert.Nil(t, ComputeStats(nil))
	assert.Nil(t, ComputeStats([]float64{}))

	stats := ComputeStats([]float64{3, 9, 6, 1, 4})
	require.NotNil(t, stats)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 9.0, stats.Max)
	assert.InDelta(t, 4.6, stats.Avg, 1e-9)
	assert.Equal(t, 5, stats.Count)
	// Current is the last value, not the maximum.
	assert.Equal(t, 4.0, stats.Current)
}

func TestComputeStatsCurrentWithCollidingTimestamps(t *testing.T) {
	ts := time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC)
	entries := []NormalizedEntry{
		{EntryID: 1, Timestamp: ts, Fields: map[string]*float64{"field2": fp(30)}},
		{EntryID: 2, Timestamp: ts, Fields: map[string]*float64{"field2": fp(10)}},
	}
	SortEntries(entries)

	stats := ComputeStats(BuildSeries(entries, "field2").Values())
	assert.Equal(t, 10.0, stats.Current)
}

func TestSortEntriesOrdersOutOfOrderInput(t *testing.T) {
	base := time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC)
	entries := []NormalizedEntry{
		{EntryID: 3, Timestamp: base.Add(2 * time.Hour), Fields: map[string]*float64{"field2": fp(5)}},
		{EntryID: 1, Timestamp: base, Fields: map[string]*float64{"field2": fp(50)}},
		{EntryID: 2, Timestamp: base.Add(time.Hour), Fields: map[string]*float64{"field2": fp(20)}},
	}
	SortEntries(entries)

	assert.Equal(t, []int64{1, 2, 3}, []int64{entries[0].EntryID, entries[1].EntryID, entries[2].EntryID})
	assert.Equal(t, 5.0, ComputeStats(BuildSeries(entries, "field2").Values()).Current)
}

func TestBuildSeriesDropsNilsPerField(t *testing.T) {
	base := time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC)
	entries := []NormalizedEntry{
		{Timestamp: base, Fields: map[string]*float64{"field1": fp(1), "field2": nil}},
		{Timestamp: base.Add(time.Minute), Fields: map[string]*float64{"field1": nil, "field2": fp(2)}},
		{Timestamp: base.Add(2 * time.Minute), Fields: map[string]*float64{"field1": fp(3), "field2": fp(4)}},
	}

	f1 := BuildSeries(entries, "field1")
	f2 := BuildSeries(entries, "field2")

	assert.Equal(t, FieldSeries{{Timestamp: base, Value: 1}, {Timestamp: base.Add(2 * time.Minute), Value: 3}}, f1)
	assert.Equal(t, []float64{2, 4}, f2.Values())
	assert.Empty(t, BuildSeries(entries, "field7"))
}

func makeEntries(base time.Time, n int) []NormalizedEntry {
	entries := make([]NormalizedEntry, 0, n)
	for i := 0; i < n; i++ {
		var f2 *float64
		if i%3 != 0 {
			f2 = fp(float64(20 + i))
		}
		entries = append(entries, NormalizedEntry{
			EntryID:   int64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Fields:    map[string]*float64{"field1": nil, "field2": f2, "field3": fp(float64(60 - i))},
		})
	}
	return entries
}

func TestFilterByDateRangeMatchesDirectComputation(t *testing.T) {
	base := time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC)
	entries := makeEntries(base, 48)
	snap := Assemble(ChannelInfo{ID: "3185873"}, testStation(), entries, SourceThingSpeak, base)

	from := base.Add(10 * time.Hour)
	to := base.Add(20 * time.Hour)
	filtered := FilterByDateRange(snap, from, to)

	var inRange []NormalizedEntry
	for _, e := range entries {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			inRange = append(inRange, e)
		}
	}
	require.Len(t, filtered.Entries, 11)

	for _, key := range testStation().FieldKeys() {
		assert.Equal(t, ComputeStats(BuildSeries(inRange, key).Values()), filtered.Stats[key], key)
		assert.Equal(t, BuildSeries(inRange, key), filtered.Series[key], key)
	}
	assert.Nil(t, filtered.Stats["field1"])
}

func TestFilterByDateRangeDoesNotMutateSource(t *testing.T) {
	base := time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC)
	snap := Assemble(ChannelInfo{}, testStation(), makeEntries(base, 10), SourceThingSpeak, base)
	before := *snap.Stats["field3"]

	filtered := FilterByDateRange(snap, base.Add(2*time.Hour), base.Add(3*time.Hour))

	assert.NotSame(t, snap, filtered)
	assert.Len(t, snap.Entries, 10)
	assert.Equal(t, before, *snap.Stats["field3"])
	assert.Len(t, filtered.Entries, 2)
	assert.Equal(t, snap.Channel, filtered.Channel)
}

func TestFilterByDateRangeEmptyResult(t *testing.T) {
	base := time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC)
	snap := Assemble(ChannelInfo{}, testStation(), makeEntries(base, 5), SourceThingSpeak, base)

	filtered := FilterByDateRange(snap, base.Add(48*time.Hour), base.Add(72*time.Hour))
	assert.True(t, filtered.IsEmpty())
	for _, key := range testStation().FieldKeys() {
		assert.Nil(t, filtered.Stats[key])
	}
}

func TestAssembleEncodesAbsentStatsAsNull(t *testing.T) {
	snap := Assemble(ChannelInfo{}, testStation(), nil, SourceThingSpeak, time.Time{})

	data, err := json.Marshal(snap.Stats)
	require.NoError(t, err)
	assert.JSONEq(t, `{"field1":null,"field2":null,"field3":null}`, string(data))
	assert.NotNil(t, snap.Entries)
}
