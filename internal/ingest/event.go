package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"availability-backend/internal/model"
)

type wireEvent struct {
	DeviceID  string          `json:"deviceId"`
	SiteID    string          `json:"siteId"`
	Category  string          `json:"category"`
	Status    string          `json:"status"`
	Timestamp json.RawMessage `json:"timestamp"`
	Sequence  *int64          `json:"sequence,omitempty"`
}

// DecodeEvent parses the inbound event JSON. The timestamp may be an RFC 3339
// string or Unix seconds.
func DecodeEvent(raw []byte) (model.StatusEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.StatusEvent{}, fmt.Errorf("malformed status event: %w", err)
	}
	status, err := model.ParseStatus(w.Status)
	if err != nil {
		return model.StatusEvent{}, err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return model.StatusEvent{}, err
	}
	return model.StatusEvent{
		DeviceID:  w.DeviceID,
		SiteID:    w.SiteID,
		Category:  w.Category,
		Status:    status,
		Timestamp: ts,
		Sequence:  w.Sequence,
	}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return ts.UTC(), nil
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
	}
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), nil
}
