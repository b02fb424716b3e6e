package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/station-telemetry/internal/archive"
	"github.com/i474232898/station-telemetry/internal/telemetry"
)

const (
	defaultRefreshInterval = 60 * time.Second
	defaultJobTimeout      = 30 * time.Second
	refreshConcurrency     = 4
)

// StationFetcher refreshes a station through the data access facade.
type StationFetcher interface {
	GetStationData(ctx context.Context, q telemetry.Query) (*telemetry.StationSnapshot, error)
}

// ArchiveRunner runs one archive collection.
type ArchiveRunner interface {
	Run(ctx context.Context) (*archive.Report, error)
}

// Config configures a Scheduler.
type Config struct {
	RefreshInterval time.Duration
	// ArchiveInterval of 0 disables the archive job.
	ArchiveInterval time.Duration
	JobTimeout      time.Duration
	// DemoMode refreshes every station, credentials or not.
	DemoMode bool
	Log      logrus.FieldLogger
}

// Scheduler periodically refreshes active stations and archives their feeds.
// Outside demo mode, stations without channel credentials are not refreshed.
type Scheduler struct {
	scheduler *gocron.Scheduler
	fetcher   StationFetcher
	collector ArchiveRunner
	stations  []telemetry.Station
	cfg       Config
	log       logrus.FieldLogger
}

// New creates a new Scheduler. collector may be nil.
func New(stations []telemetry.Station, fetcher StationFetcher, collector ArchiveRunner, cfg Config) *Scheduler {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	log := cfg.Log.WithField("component", "scheduler")

	refreshable := stations
	if !cfg.DemoMode {
		refreshable = make([]telemetry.Station, 0, len(stations))
		for _, st := range stations {
			if !st.ThingSpeak.Configured() {
				log.WithField("station", st.ID).Debug("no channel credentials, not refreshing")
				continue
			}
			refreshable = append(refreshable, st)
		}
	}

	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		fetcher:   fetcher,
		collector: collector,
		stations:  refreshable,
		cfg:       cfg,
		log:       log,
	}
}

// Start schedules the jobs and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.stations) > 0 && s.fetcher != nil {
		if _, err := s.scheduler.Every(s.cfg.RefreshInterval).Tag("refresh").Do(s.refreshJob); err != nil {
			return err
		}
	} else {
		s.log.Info("no active stations; refresh job not scheduled")
	}

	if s.collector != nil && s.cfg.ArchiveInterval > 0 {
		if _, err := s.scheduler.Every(s.cfg.ArchiveInterval).Tag("archive").Do(s.archiveJob); err != nil {
			return err
		}
	}

	if len(s.scheduler.Jobs()) == 0 {
		return nil
	}
	s.scheduler.StartAsync()
	return nil
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.scheduler.Jobs())
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) refreshJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	s.RefreshOnce(ctx)
}

func (s *Scheduler) archiveJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	_, _ = s.ArchiveOnce(ctx)
}

// RefreshOnce fetches every station once and returns how many failed.
func (s *Scheduler) RefreshOnce(ctx context.Context) int {
	log := s.log.WithFields(logrus.Fields{"job": "refresh", "run": uuid.New().String()})
	log.Debug("running refresh job")

	failed := make([]bool, len(s.stations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for i, st := range s.stations {
		i, id := i, st.ID
		g.Go(func() error {
			if _, err := s.fetcher.GetStationData(gctx, telemetry.Query{StationID: id}); err != nil {
				log.WithField("station", id).WithError(err).Warn("refresh failed")
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	log.WithField("failed", n).Debug("completed refresh job")
	return n
}

// ArchiveOnce runs one archive collection.
func (s *Scheduler) ArchiveOnce(ctx context.Context) (*archive.Report, error) {
	log := s.log.WithFields(logrus.Fields{"job": "archive", "run": uuid.New().String()})
	if s.collector == nil {
		return nil, nil
	}

	log.Info("running archive job")
	report, err := s.collector.Run(ctx)
	if err != nil {
		log.WithError(err).Error("archive job failed")
		return report, err
	}
	log.WithField("stations", len(report.Stations)).Info("completed archive job")
	return report, nil
}
