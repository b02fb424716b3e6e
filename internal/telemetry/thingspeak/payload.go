package thingspeak

import (
	"bytes"
	"encoding/json"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

type feedsResponse struct {
	Channel channelPayload       `json:"channel"`
	Feeds   []telemetry.RawEntry `json:"feeds"`
}

type channelPayload struct {
	ID          flexString `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Latitude    flexString `json:"latitude"`
	Longitude   flexString `json:"longitude"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
	LastEntryID *int64     `json:"last_entry_id"`
	Field1      string     `json:"field1"`
	Field2      string     `json:"field2"`
	Field3      string     `json:"field3"`
	Field4      string     `json:"field4"`
	Field5      string     `json:"field5"`
	Field6      string     `json:"field6"`
	Field7      string     `json:"field7"`
	Field8      string     `json:"field8"`
}

// toChannelInfo maps the payload, falling back to the configured station
// name and description when the channel does not carry them.
func (p channelPayload) toChannelInfo(station telemetry.Station) telemetry.ChannelInfo {
	info := telemetry.ChannelInfo{
		ID:          string(p.ID),
		Name:        p.Name,
		Description: p.Description,
		Latitude:    string(p.Latitude),
		Longitude:   string(p.Longitude),
	}
	if info.ID == "" {
		info.ID = station.ThingSpeak.ChannelID
	}
	if info.Name == "" {
		info.Name = station.Name
	}
	if info.Description == "" {
		info.Description = station.Description
	}
	if ts := telemetry.ParseTimestamp(p.CreatedAt); !ts.IsZero() {
		info.CreatedAt = &ts
	}
	if ts := telemetry.ParseTimestamp(p.UpdatedAt); !ts.IsZero() {
		info.UpdatedAt = &ts
	}
	if p.LastEntryID != nil {
		info.LastEntryID = *p.LastEntryID
	}

	names := map[string]string{}
	for i, n := range []string{p.Field1, p.Field2, p.Field3, p.Field4, p.Field5, p.Field6, p.Field7, p.Field8} {
		if n != "" {
			names[telemetry.FieldKey(i+1)] = n
		}
	}
	if len(names) > 0 {
		info.FieldNames = names
	}

	return info
}

// flexString decodes a JSON string, number or null into text.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}
