package archive

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

const (
	channelInfoFile = "channel-info.json"
	indexFile       = "index.json"
	monthLayout     = "2006-01"
)

// Record is one archived sample as stored in a YYYY-MM.json file.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	EntryID   int64     `json:"entry_id"`
	Field1    *float64  `json:"field1"`
	Field2    *float64  `json:"field2"`
	Field3    *float64  `json:"field3"`
	Field4    *float64  `json:"field4"`
	Field5    *float64  `json:"field5"`
	Field6    *float64  `json:"field6"`
	Field7    *float64  `json:"field7"`
	Field8    *float64  `json:"field8"`
}

func (r *Record) slots() [telemetry.MaxFields]**float64 {
	return [telemetry.MaxFields]**float64{&r.Field1, &r.Field2, &r.Field3, &r.Field4, &r.Field5, &r.Field6, &r.Field7, &r.Field8}
}

// RecordFromEntry converts a normalized entry to its archived form.
func RecordFromEntry(e telemetry.NormalizedEntry) Record {
	r := Record{Timestamp: e.Timestamp.UTC(), EntryID: e.EntryID}
	for i, slot := range r.slots() {
		if v := e.Fields[telemetry.FieldKey(i+1)]; v != nil {
			val := *v
			*slot = &val
		}
	}
	return r
}

// Entry converts the record back for the fields the station declares.
func (r Record) Entry(station telemetry.Station) telemetry.NormalizedEntry {
	values := make(map[string]*float64, telemetry.MaxFields)
	for i, slot := range r.slots() {
		values[telemetry.FieldKey(i+1)] = *slot
	}

	e := telemetry.NormalizedEntry{
		EntryID:   r.EntryID,
		Timestamp: r.Timestamp,
		Fields:    make(map[string]*float64, len(station.Fields)),
	}
	for _, key := range station.FieldKeys() {
		e.Fields[key] = values[key]
	}
	return e
}

// ChannelInfo is the channel-info.json document.
type ChannelInfo struct {
	ID          json.RawMessage `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Latitude    string          `json:"latitude,omitempty"`
	Longitude   string          `json:"longitude,omitempty"`
	CreatedAt   *time.Time      `json:"created_at"`
	UpdatedAt   *time.Time      `json:"updated_at"`
	LastEntryID int64           `json:"last_entry_id"`
	Field1      string          `json:"field1,omitempty"`
	Field2      string          `json:"field2,omitempty"`
	Field3      string          `json:"field3,omitempty"`
	Field4      string          `json:"field4,omitempty"`
	Field5      string          `json:"field5,omitempty"`
	Field6      string          `json:"field6,omitempty"`
	Field7      string          `json:"field7,omitempty"`
	Field8      string          `json:"field8,omitempty"`
}

func (c *ChannelInfo) names() [telemetry.MaxFields]*string {
	return [telemetry.MaxFields]*string{&c.Field1, &c.Field2, &c.Field3, &c.Field4, &c.Field5, &c.Field6, &c.Field7, &c.Field8}
}

// channelInfoFrom converts channel metadata; numeric ids stay numbers.
func channelInfoFrom(info telemetry.ChannelInfo) ChannelInfo {
	out := ChannelInfo{
		Name:        info.Name,
		Description: info.Description,
		Latitude:    info.Latitude,
		Longitude:   info.Longitude,
		CreatedAt:   info.CreatedAt,
		UpdatedAt:   info.UpdatedAt,
		LastEntryID: info.LastEntryID,
	}
	if _, err := strconv.ParseInt(info.ID, 10, 64); err == nil {
		out.ID = json.RawMessage(info.ID)
	} else {
		out.ID, _ = json.Marshal(info.ID)
	}
	for i, name := range out.names() {
		*name = info.FieldNames[telemetry.FieldKey(i+1)]
	}
	return out
}

// Telemetry converts the document back to channel metadata.
func (c ChannelInfo) Telemetry() telemetry.ChannelInfo {
	info := telemetry.ChannelInfo{
		ID:          idText(c.ID),
		Name:        c.Name,
		Description: c.Description,
		Latitude:    c.Latitude,
		Longitude:   c.Longitude,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		LastEntryID: c.LastEntryID,
	}
	names := map[string]string{}
	for i, name := range c.names() {
		if *name != "" {
			names[telemetry.FieldKey(i+1)] = *name
		}
	}
	if len(names) > 0 {
		info.FieldNames = names
	}
	return info
}

func idText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Index is the top-level index.json summarizing the archive.
type Index struct {
	LastUpdate time.Time               `json:"lastUpdate"`
	Stations   map[string]StationIndex `json:"schools"`
}

// StationIndex summarizes one station directory.
type StationIndex struct {
	AvailableMonths []string     `json:"availableMonths"`
	ChannelInfo     *ChannelInfo `json:"channelInfo"`
	// RecentData is true when the latest record is at most an hour old.
	RecentData bool       `json:"recentData"`
	Stats      IndexStats `json:"stats"`
}

// IndexStats are record counts and bounds for a station.
type IndexStats struct {
	TotalRecords int        `json:"totalRecords"`
	EarliestDate *time.Time `json:"earliestDate"`
	LatestDate   *time.Time `json:"latestDate"`
}
