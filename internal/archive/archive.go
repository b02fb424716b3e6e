package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

const (
	// DefaultRetention is how long month files are kept.
	DefaultRetention = 30 * 24 * time.Hour
	// recentWindow marks a station as having recent data in the index.
	recentWindow = time.Hour
)

// ErrNotFound is returned when no archive file covers a request.
var ErrNotFound = errors.New("no archived data")

// Archive is a directory of per-station, per-month JSON files:
//
//	<root>/<station>/YYYY-MM.json
//	<root>/<station>/channel-info.json
//	<root>/index.json
type Archive struct {
	root      string
	retention time.Duration
	now       func() time.Time
	log       logrus.FieldLogger

	mu sync.Mutex
}

// Option configures an Archive.
type Option func(*Archive)

// WithRetention sets how long month files are kept; 0 keeps everything.
func WithRetention(d time.Duration) Option {
	return func(a *Archive) { a.retention = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Archive) { a.log = log }
}

// New opens an archive rooted at dir. The directory is created lazily.
func New(root string, opts ...Option) *Archive {
	a := &Archive{
		root:      root,
		retention: DefaultRetention,
		now:       time.Now,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Root returns the archive directory.
func (a *Archive) Root() string {
	return a.root
}

// MonthKey returns the YYYY-MM file key of t, in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format(monthLayout)
}

func (a *Archive) stationDir(stationID string) string {
	return filepath.Join(a.root, stationID)
}

func (a *Archive) monthPath(stationID, month string) string {
	return filepath.Join(a.stationDir(stationID), month+".json")
}

// Append merges entries into the month files of a station. Entries whose
// entry_id is already archived are skipped. It returns the number of new
// records per month.
func (a *Archive) Append(stationID string, entries []telemetry.NormalizedEntry) (map[string]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byMonth := map[string][]Record{}
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			continue
		}
		month := MonthKey(e.Timestamp)
		byMonth[month] = append(byMonth[month], RecordFromEntry(e))
	}

	if err := os.MkdirAll(a.stationDir(stationID), 0o755); err != nil {
		return nil, fmt.Errorf("create station dir: %w", err)
	}

	added := map[string]int{}
	for month, records := range byMonth {
		path := a.monthPath(stationID, month)

		existing, err := readRecords(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			a.log.WithError(err).WithField("file", path).Warn("unreadable archive file, starting fresh")
			existing = nil
		}

		seen := make(map[int64]struct{}, len(existing))
		for _, r := range existing {
			seen[r.EntryID] = struct{}{}
		}

		merged := existing
		for _, r := range records {
			if _, dup := seen[r.EntryID]; dup {
				continue
			}
			seen[r.EntryID] = struct{}{}
			merged = append(merged, r)
			added[month]++
		}
		if added[month] == 0 {
			continue
		}

		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].Timestamp.Before(merged[j].Timestamp)
		})
		if err := writeJSON(path, merged); err != nil {
			return added, err
		}
	}

	return added, nil
}

// WriteChannelInfo stores the channel metadata of a station.
func (a *Archive) WriteChannelInfo(stationID string, info telemetry.ChannelInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.stationDir(stationID), 0o755); err != nil {
		return fmt.Errorf("create station dir: %w", err)
	}
	return writeJSON(filepath.Join(a.stationDir(stationID), channelInfoFile), channelInfoFrom(info))
}

// ReadChannelInfo loads the stored channel metadata of a station.
func (a *Archive) ReadChannelInfo(stationID string) (*ChannelInfo, error) {
	var info ChannelInfo
	if err := readJSON(filepath.Join(a.stationDir(stationID), channelInfoFile), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Months lists the archived months of a station in ascending order.
func (a *Archive) Months(stationID string) ([]string, error) {
	entries, err := os.ReadDir(a.stationDir(stationID))
	if err != nil {
		return nil, err
	}

	var months []string
	for _, e := range entries {
		if month, ok := monthOf(e); ok {
			months = append(months, month)
		}
	}
	sort.Strings(months)
	return months, nil
}

func monthOf(e os.DirEntry) (string, bool) {
	name := e.Name()
	if e.IsDir() || name == channelInfoFile || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	month := strings.TrimSuffix(name, ".json")
	if _, err := time.Parse(monthLayout, month); err != nil {
		return "", false
	}
	return month, true
}

// Prune removes month files that started before the retention window.
func (a *Archive) Prune(stationID string) ([]string, error) {
	if a.retention <= 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	months, err := a.Months(stationID)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cutoff := a.now().Add(-a.retention)
	var removed []string
	for _, month := range months {
		start, _ := time.Parse(monthLayout, month)
		if !start.Before(cutoff) {
			continue
		}
		if err := os.Remove(a.monthPath(stationID, month)); err != nil {
			return removed, fmt.Errorf("remove %s/%s: %w", stationID, month, err)
		}
		removed = append(removed, month)
	}
	return removed, nil
}

// LoadMonth reads one month file of a station.
func (a *Archive) LoadMonth(stationID, month string) ([]Record, error) {
	records, err := readRecords(a.monthPath(stationID, month))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return records, err
}

// LoadRange returns the records of a station within [start, end]. A zero
// start or end falls back to the current month's bound.
func (a *Archive) LoadRange(stationID string, start, end time.Time) ([]Record, error) {
	now := a.now().UTC()
	if start.IsZero() {
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if end.IsZero() {
		end = now
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	var out []Record
	found := false
	first := time.Date(start.UTC().Year(), start.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	for m := first; !m.After(end); m = m.AddDate(0, 1, 0) {
		records, err := a.LoadMonth(stationID, MonthKey(m))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		for _, r := range records {
			if !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
				out = append(out, r)
			}
		}
	}
	if !found {
		return nil, ErrNotFound
	}
	return out, nil
}

// LoadSnapshot assembles a snapshot of archived records. It implements
// telemetry.ArchiveReader.
func (a *Archive) LoadSnapshot(station telemetry.Station, start, end time.Time) (*telemetry.StationSnapshot, error) {
	records, err := a.LoadRange(station.ID, start, end)
	if err != nil {
		return nil, err
	}

	entries := make([]telemetry.NormalizedEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, r.Entry(station))
	}
	telemetry.SortEntries(entries)

	channel := telemetry.ChannelInfo{
		ID:          station.ThingSpeak.ChannelID,
		Name:        station.Name,
		Description: station.Description,
	}
	if info, err := a.ReadChannelInfo(station.ID); err == nil {
		channel = info.Telemetry()
	}

	return telemetry.Assemble(channel, station, entries, telemetry.SourceArchive, a.now()), nil
}

// BuildIndex summarizes every station directory of the archive.
func (a *Archive) BuildIndex() (*Index, error) {
	now := a.now().UTC()
	index := &Index{LastUpdate: now, Stations: map[string]StationIndex{}}

	dirs, err := os.ReadDir(a.root)
	if errors.Is(err, os.ErrNotExist) {
		return index, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id := d.Name()
		months, err := a.Months(id)
		if err != nil {
			return nil, err
		}

		si := StationIndex{AvailableMonths: months}
		if si.AvailableMonths == nil {
			si.AvailableMonths = []string{}
		}
		if info, err := a.ReadChannelInfo(id); err == nil {
			si.ChannelInfo = info
		}

		for _, month := range months {
			records, err := a.LoadMonth(id, month)
			if err != nil {
				a.log.WithError(err).WithFields(logrus.Fields{"station": id, "month": month}).Warn("skipping unreadable month")
				continue
			}
			si.Stats.TotalRecords += len(records)
			for _, r := range records {
				ts := r.Timestamp
				if si.Stats.EarliestDate == nil || ts.Before(*si.Stats.EarliestDate) {
					si.Stats.EarliestDate = &ts
				}
				if si.Stats.LatestDate == nil || ts.After(*si.Stats.LatestDate) {
					si.Stats.LatestDate = &ts
				}
			}
		}
		if latest := si.Stats.LatestDate; latest != nil {
			si.RecentData = now.Sub(*latest) <= recentWindow
		}

		index.Stations[id] = si
	}

	return index, nil
}

// WriteIndex rebuilds index.json.
func (a *Archive) WriteIndex() (*Index, error) {
	index, err := a.BuildIndex()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	if err := writeJSON(filepath.Join(a.root, indexFile), index); err != nil {
		return nil, err
	}
	return index, nil
}

// ReadIndex loads index.json.
func (a *Archive) ReadIndex() (*Index, error) {
	var index Index
	err := readJSON(filepath.Join(a.root, indexFile), &index)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &index, nil
}

func readRecords(path string) ([]Record, error) {
	var records []Record
	if err := readJSON(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
