package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultLocalTTL is how long a persisted snapshot answers range-less reads.
const DefaultLocalTTL = 5 * time.Minute

// statusConcurrency bounds parallel liveness checks in AllStatuses.
const statusConcurrency = 4

// Service is the single entry point for station data. It routes each call
// to the live or the demo source and masks live failures with the last
// known snapshot when one exists.
type Service struct {
	stations *Registry
	live     Source
	demo     Source
	demoMode bool

	cache    SnapshotCache
	local    SnapshotStore
	localTTL time.Duration
	archive  ArchiveReader

	now func() time.Time
	log logrus.FieldLogger
}

// Option configures a Service.
type Option func(*Service)

// WithDemoMode routes every call to the demo source.
func WithDemoMode(enabled bool) Option {
	return func(s *Service) { s.demoMode = enabled }
}

// WithCache lets the service clear the live client's cache.
func WithCache(c SnapshotCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithLocalStore enables local snapshot reads and fallback.
func WithLocalStore(store SnapshotStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.local = store
		if ttl > 0 {
			s.localTTL = ttl
		}
	}
}

// WithArchive enables archive fallback when no local snapshot exists.
func WithArchive(reader ArchiveReader) Option {
	return func(s *Service) { s.archive = reader }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// NewService creates a new Service. live or demo may be nil when that mode
// is never used.
func NewService(stations *Registry, live, demo Source, opts ...Option) *Service {
	s := &Service{
		stations: stations,
		live:     live,
		demo:     demo,
		localTTL: DefaultLocalTTL,
		now:      time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DemoMode reports whether the service was configured for demo data.
func (s *Service) DemoMode() bool {
	return s.demoMode
}

// Stations returns all configured stations.
func (s *Service) Stations() []Station {
	return s.stations.All()
}

// Station resolves a station id.
func (s *Service) Station(id string) (Station, error) {
	return s.stations.Resolve(id)
}

func (s *Service) source(demo bool) Source {
	if demo || s.demoMode {
		return s.demo
	}
	return s.live
}

// GetStationData returns the snapshot for q.
//
// Demo queries go straight to the demo source. Live queries without a
// range are answered from the local snapshot while it is younger than the
// local TTL; otherwise the live source is asked, and range-less results are
// persisted.
// When the live source fails, the newest local snapshot (even stale) or the
// archive is returned instead. Unknown stations are never masked.
func (s *Service) GetStationData(ctx context.Context, q Query) (*StationSnapshot, error) {
	if q.Demo || s.demoMode {
		if s.demo == nil {
			return nil, ErrNoSource
		}
		return s.demo.FetchStationData(ctx, q.StationID, q.Start, q.End)
	}
	if s.live == nil {
		return nil, ErrNoSource
	}

	log := s.log.WithField("station", q.StationID)

	if !q.HasRange() && s.local != nil {
		snap, savedAt, err := s.local.GetLatest(q.StationID)
		if err == nil && s.now().Sub(savedAt) < s.localTTL {
			log.Debug("serving local snapshot")
			return asSource(snap, SourceLocal), nil
		}
	}

	snap, err := s.live.FetchStationData(ctx, q.StationID, q.Start, q.End)
	if err == nil {
		// Only range-less reads become the local snapshot.
		if !q.HasRange() {
			s.persist(q.StationID, snap)
		}
		return snap, nil
	}

	if IsUnknownStation(err) {
		return nil, err
	}

	log.WithError(err).Warn("live fetch failed, looking for fallback")

	if fallback := s.fallback(q); fallback != nil {
		log.WithField("source", fallback.Source).Info("serving fallback snapshot")
		return fallback, nil
	}

	return nil, err
}

// persist stores snap as the new local snapshot. Failures are logged only;
// they never affect the caller's result.
func (s *Service) persist(stationID string, snap *StationSnapshot) {
	if s.local == nil {
		return
	}
	if err := s.local.SaveSnapshot(stationID, snap); err != nil {
		s.log.WithField("station", stationID).WithError(err).Warn("failed to persist local snapshot")
	}
}

func (s *Service) fallback(q Query) *StationSnapshot {
	if s.local != nil {
		if snap, _, err := s.local.GetLatest(q.StationID); err == nil {
			return asSource(snap, SourceLocal)
		}
	}

	if s.archive == nil {
		return nil
	}
	station, ok := s.stations.Lookup(q.StationID)
	if !ok {
		return nil
	}

	var start, end time.Time
	if q.Start != nil {
		start = *q.Start
	}
	if q.End != nil {
		end = *q.End
	}
	snap, err := s.archive.LoadSnapshot(station, start, end)
	if err != nil {
		s.log.WithField("station", q.StationID).WithError(err).Debug("no archive fallback")
		return nil
	}
	return snap
}

// asSource returns a shallow copy of snap labelled with source, leaving the
// stored value untouched.
func asSource(snap *StationSnapshot, source string) *StationSnapshot {
	cp := *snap
	cp.Source = source
	return &cp
}

// FilterByDateRange narrows an already fetched snapshot without touching
// the network or the cache.
func (s *Service) FilterByDateRange(snap *StationSnapshot, start, end time.Time) *StationSnapshot {
	return FilterByDateRange(snap, start, end)
}

// LatestEntry returns the newest sample of a station.
func (s *Service) LatestEntry(ctx context.Context, stationID string, demo bool) (NormalizedEntry, error) {
	src := s.source(demo)
	if src == nil {
		return NormalizedEntry{}, ErrNoSource
	}
	return src.FetchLatestEntry(ctx, stationID)
}

// ChannelMetadata returns the channel description of a station.
func (s *Service) ChannelMetadata(ctx context.Context, stationID string, demo bool) (ChannelInfo, error) {
	src := s.source(demo)
	if src == nil {
		return ChannelInfo{}, ErrNoSource
	}
	return src.FetchChannelMetadata(ctx, stationID)
}

// StationStatus reports whether a station sent data within maxInactivity.
// It never fails.
func (s *Service) StationStatus(ctx context.Context, stationID string, maxInactivity time.Duration, demo bool) Liveness {
	src := s.source(demo)
	if src == nil {
		return Liveness{StationID: stationID, Error: ErrNoSource.Error()}
	}
	return CheckLiveness(ctx, src, stationID, maxInactivity, s.now())
}

// AllStatuses checks every active station concurrently.
func (s *Service) AllStatuses(ctx context.Context, maxInactivity time.Duration, demo bool) []Liveness {
	stations := s.stations.Active()
	out := make([]Liveness, len(stations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusConcurrency)
	for i, st := range stations {
		i, id := i, st.ID
		g.Go(func() error {
			out[i] = s.StationStatus(gctx, id, maxInactivity, demo)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// ClearCache drops cached live results.
func (s *Service) ClearCache() {
	if s.cache != nil {
		s.cache.Clear()
	}
}
