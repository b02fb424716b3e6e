package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jinzhu/configor"
	"github.com/joho/godotenv"
	"github.com/leebenson/conform"
	"github.com/sirupsen/logrus"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

type AppConfig struct {
	Port string

	// Stations loaded from StationsFile, with credential overrides applied.
	StationsFile string
	Stations     []telemetry.Station

	ThingSpeakBaseURL    string
	ThingSpeakResults    int
	ThingSpeakMaxRetries int
	HTTPTimeout          time.Duration

	CacheTTL time.Duration

	DemoMode     bool
	DemoTimezone string

	RefreshInterval       time.Duration
	LivenessMaxInactivity time.Duration

	// Local snapshot store retention.
	StoreMaxHistory int           // max number of snapshots per station (0 = unlimited)
	StoreMaxAge     time.Duration // max age of snapshots (0 = unlimited)
	StateFile       string

	ArchiveDir       string
	ArchiveInterval  time.Duration
	ArchiveResults   int
	ArchiveRetention time.Duration
	ArchiveCutoff    time.Time

	LogLevel string
	LogFile  string
}

// StationsFile is the on-disk station list.
type StationsFile struct {
	Stations []telemetry.Station `json:"stations" yaml:"stations"`
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debugf("no .env file loaded: %v", err)
	}
	cfg := &AppConfig{}
	var err error

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.StationsFile = getenvDefault("STATIONS_FILE", "configs/stations.yaml")

	cfg.ThingSpeakBaseURL = getenvDefault("THINGSPEAK_BASE_URL", "https://api.thingspeak.com")
	cfg.ThingSpeakResults = getenvInt("THINGSPEAK_RESULTS", 8000)
	cfg.ThingSpeakMaxRetries = getenvInt("THINGSPEAK_MAX_RETRIES", 0)
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "15s"); err != nil {
		return nil, err
	}

	ttlMS := getenvInt("CACHE_TTL_MS", 300000)
	if ttlMS <= 0 {
		return nil, fmt.Errorf("invalid CACHE_TTL_MS: %d", ttlMS)
	}
	cfg.CacheTTL = time.Duration(ttlMS) * time.Millisecond

	cfg.DemoMode = getenvBool("DEMO_MODE", false)
	cfg.DemoTimezone = getenvDefault("DEMO_TIMEZONE", "Europe/Madrid")
	if _, err := time.LoadLocation(cfg.DemoTimezone); err != nil {
		return nil, fmt.Errorf("invalid DEMO_TIMEZONE: %w", err)
	}

	if cfg.RefreshInterval, err = getenvDuration("REFRESH_INTERVAL", "60s"); err != nil {
		return nil, err
	}
	if cfg.LivenessMaxInactivity, err = getenvDuration("LIVENESS_MAX_INACTIVITY", "30m"); err != nil {
		return nil, err
	}

	cfg.StoreMaxHistory = getenvInt("STORE_MAX_HISTORY", 10)
	if cfg.StoreMaxAge, err = getenvDuration("STORE_MAX_AGE", "24h"); err != nil {
		return nil, err
	}
	cfg.StateFile = os.Getenv("STATE_FILE")

	cfg.ArchiveDir = getenvDefault("ARCHIVE_DIR", "data")
	if cfg.ArchiveInterval, err = getenvDuration("ARCHIVE_INTERVAL", "1h"); err != nil {
		return nil, err
	}
	cfg.ArchiveResults = getenvInt("ARCHIVE_RESULTS", 100)
	if cfg.ArchiveRetention, err = getenvDuration("ARCHIVE_RETENTION", "720h"); err != nil {
		return nil, err
	}
	if v := os.Getenv("ARCHIVE_CUTOFF"); v != "" {
		cutoff, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid ARCHIVE_CUTOFF: %w", err)
		}
		cfg.ArchiveCutoff = cutoff
	}

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFile = os.Getenv("LOG_FILE")

	stations, err := LoadStations(cfg.StationsFile)
	if err != nil {
		return nil, err
	}
	cfg.Stations = stations

	return cfg, nil
}

// LoadStations reads and validates the station file at path, then applies
// <ID>_CHANNEL_ID and <ID>_API_KEY environment overrides.
func LoadStations(path string) ([]telemetry.Station, error) {
	var file StationsFile
	if err := configor.New(&configor.Config{Silent: true}).Load(&file, path); err != nil {
		return nil, fmt.Errorf("load stations from %s: %w", path, err)
	}
	if len(file.Stations) == 0 {
		return nil, fmt.Errorf("no stations configured in %s", path)
	}

	validate := validator.New()
	seen := make(map[string]struct{}, len(file.Stations))

	for i := range file.Stations {
		st := &file.Stations[i]
		if err := conform.Strings(st); err != nil {
			return nil, fmt.Errorf("station %d: %w", i, err)
		}
		for j := range st.Fields {
			if err := conform.Strings(&st.Fields[j]); err != nil {
				return nil, fmt.Errorf("station %s: %w", st.ID, err)
			}
		}
		applyCredentialOverrides(st)

		if err := validate.Struct(st); err != nil {
			return nil, fmt.Errorf("invalid station %q: %w", st.ID, err)
		}
		if _, dup := seen[st.ID]; dup {
			return nil, fmt.Errorf("duplicate station id %q", st.ID)
		}
		seen[st.ID] = struct{}{}

		if err := checkFieldKeys(*st); err != nil {
			return nil, err
		}
	}

	return file.Stations, nil
}

func applyCredentialOverrides(st *telemetry.Station) {
	prefix := envPrefix(st.ID)
	if v := strings.TrimSpace(os.Getenv(prefix + "_CHANNEL_ID")); v != "" {
		st.ThingSpeak.ChannelID = v
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "_API_KEY")); v != "" {
		st.ThingSpeak.ReadAPIKey = v
	}
}

// envPrefix turns a station id into an env var prefix: escola-6 -> ESCOLA_6.
func envPrefix(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}

func checkFieldKeys(st telemetry.Station) error {
	keys := make(map[string]struct{}, len(st.Fields))
	for _, f := range st.Fields {
		n, err := strconv.Atoi(strings.TrimPrefix(f.Key, "field"))
		if err != nil || n < 1 || n > telemetry.MaxFields {
			return fmt.Errorf("station %s: invalid field key %q", st.ID, f.Key)
		}
		if _, dup := keys[f.Key]; dup {
			return fmt.Errorf("station %s: duplicate field key %q", st.ID, f.Key)
		}
		keys[f.Key] = struct{}{}
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
