package demo

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

// SampleInterval is the spacing of generated entries.
const SampleInterval = 15 * time.Minute

// DefaultWindow is the range generated when no start is given.
const DefaultWindow = 24 * time.Hour

// MaxSamples caps one generated range, matching ThingSpeak's per-request
// maximum.
const MaxSamples = 8000

// Rand is the random source used for jitter.
type Rand interface {
	Float64() float64
}

// lockedRand makes a *rand.Rand safe for concurrent requests.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// NewRand returns a goroutine-safe source seeded with seed.
func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

// Generator fabricates plausible station data. It implements
// telemetry.Source so callers cannot tell it apart from the live client.
type Generator struct {
	stations *telemetry.Registry
	rnd      Rand
	loc      *time.Location
	now      func() time.Time
	enabled  bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand injects the random source.
func WithRand(r Rand) Option {
	return func(g *Generator) { g.rnd = r }
}

// WithLocation sets the zone used for the diurnal cycle.
func WithLocation(loc *time.Location) Option {
	return func(g *Generator) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithEnabled records the configured demo flag for IsEnabled.
func WithEnabled(enabled bool) Option {
	return func(g *Generator) { g.enabled = enabled }
}

// NewGenerator creates a Generator. Without WithRand each generator is
// seeded from the clock, so repeated calls produce different data.
func NewGenerator(stations *telemetry.Registry, opts ...Option) *Generator {
	g := &Generator{
		stations: stations,
		loc:      time.Local,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.rnd == nil {
		g.rnd = NewRand(g.now().UnixNano())
	}
	return g
}

func (g *Generator) Name() string {
	return telemetry.SourceDemo
}

// IsEnabled reports the configured demo flag. The facade decides whether
// the generator is used.
func (g *Generator) IsEnabled() bool {
	return g.enabled
}

// FetchStationData implements telemetry.Source.
func (g *Generator) FetchStationData(ctx context.Context, stationID string, start, end *time.Time) (*telemetry.StationSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := g.now()
	if end != nil {
		e = *end
	}
	s := e.Add(-DefaultWindow)
	if start != nil {
		s = *start
	}
	return g.GenerateStationData(stationID, s, e)
}

// GenerateStationData produces one entry every SampleInterval from start to
// end inclusive.
func (g *Generator) GenerateStationData(stationID string, start, end time.Time) (*telemetry.StationSnapshot, error) {
	station, err := g.stations.Resolve(stationID)
	if err != nil {
		return nil, err
	}

	var samples int64
	if !end.Before(start) {
		samples = int64(end.Sub(start)/SampleInterval) + 1
	}
	if samples > MaxSamples {
		return nil, &telemetry.RangeTooLargeError{StationID: stationID, Samples: samples, Max: MaxSamples}
	}

	entries := make([]telemetry.NormalizedEntry, 0, samples)
	id := int64(1)
	for ts := start; !ts.After(end); ts = ts.Add(SampleInterval) {
		entries = append(entries, g.entry(station, ts, id))
		id++
	}

	startUTC, endUTC := start.UTC(), end.UTC()
	channel := telemetry.ChannelInfo{
		ID:          "demo_" + station.ID,
		Name:        station.Name,
		Description: station.Description,
		CreatedAt:   &startUTC,
		UpdatedAt:   &endUTC,
		LastEntryID: id - 1,
	}

	return telemetry.Assemble(channel, station, entries, telemetry.SourceDemo, g.now()), nil
}

// FetchLatestEntry returns a synthetic sample for the current slot.
func (g *Generator) FetchLatestEntry(ctx context.Context, stationID string) (telemetry.NormalizedEntry, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.NormalizedEntry{}, err
	}
	station, err := g.stations.Resolve(stationID)
	if err != nil {
		return telemetry.NormalizedEntry{}, err
	}

	now := g.now()
	slot := now.Truncate(SampleInterval)
	return g.entry(station, slot, slot.Unix()/int64(SampleInterval/time.Second)), nil
}

// FetchChannelMetadata describes the synthetic channel of a station.
func (g *Generator) FetchChannelMetadata(ctx context.Context, stationID string) (telemetry.ChannelInfo, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.ChannelInfo{}, err
	}
	station, err := g.stations.Resolve(stationID)
	if err != nil {
		return telemetry.ChannelInfo{}, err
	}
	return telemetry.ChannelInfo{
		ID:          "demo_" + station.ID,
		Name:        station.Name,
		Description: station.Description,
	}, nil
}

func (g *Generator) entry(station telemetry.Station, ts time.Time, id int64) telemetry.NormalizedEntry {
	hour := ts.In(g.loc).Hour()
	daylight := hour >= 7 && hour <= 20
	// 0 at 06:00, 1 at 18:00; the sine peaks at noon-to-afternoon.
	progress := float64(hour-6) / 12
	swing := math.Sin(progress * math.Pi)

	entry := telemetry.NormalizedEntry{
		EntryID:   id,
		Timestamp: ts.UTC(),
		Fields:    make(map[string]*float64, len(station.Fields)),
	}
	for _, f := range station.Fields {
		v := g.value(f.Type, swing, daylight)
		entry.Fields[f.Key] = &v
	}
	return entry
}

func (g *Generator) value(fieldType string, swing float64, daylight bool) float64 {
	tempVariation := swing * 8

	switch fieldType {
	case telemetry.FieldTypeTemperature:
		return round1(15 + tempVariation + g.jitter(2))
	case telemetry.FieldTypeHumidity:
		return round1(clamp(60-tempVariation*2+g.jitter(10), 0, 100))
	case telemetry.FieldTypePressure:
		return round1(1013 + g.jitter(10))
	case telemetry.FieldTypeLight:
		if !daylight {
			return 0
		}
		return math.Round(clamp(500+swing*400+g.jitter(100), 0, math.MaxFloat64))
	case telemetry.FieldTypeUV:
		if !daylight {
			return 0
		}
		return round1(clamp(3+swing*4+g.jitter(1), 0, 11))
	case telemetry.FieldTypeRain:
		if g.rnd.Float64() > 0.9 {
			return round1(math.Abs(g.jitter(5)))
		}
		return 0
	case telemetry.FieldTypeWind:
		v := round1(clamp(2+g.jitter(3), 0, math.MaxFloat64))
		if g.rnd.Float64() > 0.95 {
			v = round1(v + 5 + math.Abs(g.jitter(5)))
		}
		return v
	case telemetry.FieldTypeNoise:
		return round1(40 + g.jitter(15))
	case telemetry.FieldTypeDust:
		return round1(clamp(12+g.jitter(8), 0, math.MaxFloat64))
	case telemetry.FieldTypeAltitude:
		return round1(250 + g.jitter(2))
	default:
		return round1(g.jitter(1))
	}
}

// jitter returns a uniform value in [-max, max).
func (g *Generator) jitter(max float64) float64 {
	return (g.rnd.Float64() - 0.5) * 2 * max
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
