package upstream

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type recordingsResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Entries []recordingEntry `json:"entries"`
	} `json:"data"`
}

type recordingEntry struct {
	RecordingID flexString `json:"recording_id"`
	LeadID      flexString `json:"lead_id"`
	StartTime   string     `json:"start_time"`
	EndTime     string     `json:"end_time"`
	Seconds     flexInt    `json:"seconds"`
	URL         string     `json:"url"`
}

// flexString accepts JSON strings and numbers.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*s = flexString(value)
		return nil
	}
	*s = flexString(string(data))
	return nil
}

// flexInt accepts numbers, numeric strings and null. Unparseable values read as 0.
type flexInt int

func (i *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*i = 0
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*i = 0
		return nil
	}
	*i = flexInt(value)
	return nil
}

const upstreamTimeLayout = "2006-01-02 15:04:05"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000000",
}

func parseTimestamp(value string, location *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.ParseInLocation(layout, value, location)
		if err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}
