package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Field types understood by the demo generator and the dashboard.
const (
	FieldTypeTemperature = "temperature"
	FieldTypeHumidity    = "humidity"
	FieldTypePressure    = "pressure"
	FieldTypeLight       = "light"
	FieldTypeUV          = "uv"
	FieldTypeWind        = "wind"
	FieldTypeRain        = "rain"
	FieldTypeDust        = "dust"
	FieldTypeNoise       = "noise"
	FieldTypeAltitude    = "altitude"
)

// Snapshot sources.
const (
	SourceThingSpeak = "thingspeak"
	SourceDemo       = "demo"
	SourceLocal      = "local"
	SourceArchive    = "archive"
)

// MaxFields is the number of value slots a ThingSpeak feed can carry.
const MaxFields = 8

// FieldKey returns the stable key for the n-th field slot (1-based).
func FieldKey(n int) string {
	return "field" + strconv.Itoa(n)
}

// FieldDescriptor describes one sensor channel of a station.
type FieldDescriptor struct {
	Key  string `json:"key" yaml:"key" validate:"required,startswith=field"`
	Name string `json:"name" yaml:"name" conform:"trim" validate:"required"`
	Unit string `json:"unit" yaml:"unit" conform:"trim"`
	Icon string `json:"icon,omitempty" yaml:"icon"`
	Type string `json:"type" yaml:"type" conform:"trim,lower"`
}

// Coordinates are WGS84 degrees.
type Coordinates struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// ChannelCredentials locate a station's ThingSpeak channel.
// The read key is never sent to API clients.
type ChannelCredentials struct {
	ChannelID  string `json:"channelId" yaml:"channelId" conform:"trim"`
	ReadAPIKey string `json:"-" yaml:"readApiKey" conform:"trim"`
}

// Configured reports whether the channel can be queried.
func (c ChannelCredentials) Configured() bool {
	return c.ChannelID != "" && c.ReadAPIKey != ""
}

// Station is a static, configured weather station.
type Station struct {
	ID          string             `json:"id" yaml:"id" conform:"trim" validate:"required"`
	Name        string             `json:"name" yaml:"name" conform:"trim" validate:"required"`
	Description string             `json:"description,omitempty" yaml:"description" conform:"trim"`
	Location    string             `json:"location,omitempty" yaml:"location" conform:"trim"`
	Coordinates Coordinates        `json:"coordinates" yaml:"coordinates"`
	ThingSpeak  ChannelCredentials `json:"thingspeak" yaml:"thingspeak"`
	Fields      []FieldDescriptor  `json:"fields" yaml:"fields" validate:"required,min=1,dive"`
	Active      bool               `json:"active" yaml:"active"`
}

// FieldKeys returns the declared field keys in configuration order.
func (s Station) FieldKeys() []string {
	keys := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		keys = append(keys, f.Key)
	}
	return keys
}

// Field returns the descriptor for key.
func (s Station) Field(key string) (FieldDescriptor, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// ChannelInfo is the descriptive metadata of a ThingSpeak channel.
type ChannelInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Latitude    string            `json:"latitude,omitempty"`
	Longitude   string            `json:"longitude,omitempty"`
	CreatedAt   *time.Time        `json:"created_at,omitempty"`
	UpdatedAt   *time.Time        `json:"updated_at,omitempty"`
	LastEntryID int64             `json:"last_entry_id,omitempty"`
	FieldNames  map[string]string `json:"fieldNames,omitempty"`
}

// RawEntry is one feed sample as received from ThingSpeak. Field values
// are kept as text; nil means the value was absent or JSON null.
type RawEntry struct {
	EntryID   int64
	CreatedAt string
	Fields    map[string]*string
}

// UnmarshalJSON accepts field values encoded as strings, numbers or null.
func (r *RawEntry) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	*r = RawEntry{Fields: make(map[string]*string, MaxFields)}

	if v, ok := obj["entry_id"]; ok && !isJSONNull(v) {
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("entry_id: %w", err)
		}
		id, err := n.Int64()
		if err != nil {
			return fmt.Errorf("entry_id: %w", err)
		}
		r.EntryID = id
	}
	if v, ok := obj["created_at"]; ok && !isJSONNull(v) {
		if err := json.Unmarshal(v, &r.CreatedAt); err != nil {
			return fmt.Errorf("created_at: %w", err)
		}
	}

	for i := 1; i <= MaxFields; i++ {
		key := FieldKey(i)
		v, ok := obj[key]
		if !ok || isJSONNull(v) {
			continue
		}
		s := rawText(v)
		r.Fields[key] = &s
	}
	return nil
}

// rawText turns a JSON scalar into its textual value. Strings are unquoted,
// anything else is kept verbatim so coercion can decide.
func rawText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(v))
}

func isJSONNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// NormalizedEntry is a RawEntry coerced to typed values.
type NormalizedEntry struct {
	EntryID   int64               `json:"entryId"`
	Timestamp time.Time           `json:"timestamp"`
	Fields    map[string]*float64 `json:"fields"`
}

// Value returns the value of key and whether it is present.
func (e NormalizedEntry) Value(key string) (float64, bool) {
	v := e.Fields[key]
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Point is one non-null sample of a field.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// FieldSeries is the ascending sequence of non-null samples of one field.
type FieldSeries []Point

// Values returns the sample values in series order.
func (s FieldSeries) Values() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Value
	}
	return out
}

// FieldStats summarizes a FieldSeries. Current is the chronologically last
// value, not the maximum.
type FieldStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
	Count   int     `json:"count"`
	Current float64 `json:"current"`
}

// StationSnapshot is the normalized result of one fetch for a station.
type StationSnapshot struct {
	Channel   ChannelInfo            `json:"channel"`
	Station   Station                `json:"station"`
	Entries   []NormalizedEntry      `json:"entries"`
	Series    map[string]FieldSeries `json:"series"`
	Stats     map[string]*FieldStats `json:"stats"`
	Source    string                 `json:"source"`
	FetchedAt time.Time              `json:"fetchedAt"`
}

// IsEmpty reports a successful fetch that returned no entries.
func (s *StationSnapshot) IsEmpty() bool {
	return s == nil || len(s.Entries) == 0
}

// Latest returns the most recent entry.
func (s *StationSnapshot) Latest() (NormalizedEntry, bool) {
	if s.IsEmpty() {
		return NormalizedEntry{}, false
	}
	return s.Entries[len(s.Entries)-1], true
}

// Liveness is the online/offline view of a station.
type Liveness struct {
	StationID          string     `json:"stationId"`
	Online             bool       `json:"online"`
	LastUpdate         *time.Time `json:"lastUpdate"`
	MinutesSinceUpdate int        `json:"minutesSinceUpdate"`
	Error              string     `json:"error,omitempty"`
}

// Query selects the data returned by the facade.
type Query struct {
	StationID string
	Start     *time.Time
	End       *time.Time
	// Demo forces the demo source for this call.
	Demo bool
}

// HasRange reports whether an explicit date range was requested.
func (q Query) HasRange() bool {
	return q.Start != nil || q.End != nil
}
