package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/padorange/hubeau/internal/models"
)

// TimeFormat is the timestamp layout used by the Hub'Eau API.
const TimeFormat = "2006-01-02T15:04:05Z"

// MillimetersToMeters converts a raw source height. Division keeps the result
// equal to the decimal literal (1234 -> 1.234).
func MillimetersToMeters(mm float64) float64 {
	return mm / 1000
}

// ParseTimestamp parses an API timestamp to UTC with second precision.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Second), nil
}

// FormatTimestamp renders a timestamp the way the API expects query dates.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// BuildStation converts a referential entry into stored station metadata.
func BuildStation(p models.StationPayload, refreshedAt time.Time) models.Station {
	st := models.Station{
		Code:            strings.TrimSpace(p.Code),
		Name:            strings.TrimSpace(p.Name),
		SiteCode:        p.SiteCode,
		SiteName:        p.SiteName,
		CommuneCode:     p.CommuneCode,
		DepartmentCode:  p.DepartmentCode,
		RegionCode:      p.RegionCode,
		WatercourseCode: p.WatercourseCode,
		WatercourseName: p.WatercourseName,
		Projection:      p.Projection.String(),
		Comment:         p.Comment,
		Type:            p.Type,
		RefreshedAt:     refreshedAt.UTC().Truncate(time.Second),
	}
	if p.Longitude != nil {
		st.Longitude = *p.Longitude
	}
	if p.Latitude != nil {
		st.Latitude = *p.Latitude
	}
	if p.InService != nil {
		st.InService = *p.InService
	}
	return st
}

// FilterNewItems keeps the items strictly newer than floor that are not in seen.
// Kept items are added to seen, so duplicates inside the same page are dropped too.
func FilterNewItems(items []models.Item, floor time.Time, seen map[int64]struct{}) []models.Item {
	out := make([]models.Item, 0, len(items))
	for _, it := range items {
		if !it.Timestamp.After(floor) {
			continue
		}
		key := it.Timestamp.Unix()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// BuildReadings converts raw items to meters.
func BuildReadings(items []models.Item) []models.Reading {
	readings := make([]models.Reading, 0, len(items))
	for _, it := range items {
		readings = append(readings, models.Reading{
			Timestamp: it.Timestamp.UTC().Truncate(time.Second),
			HeightM:   MillimetersToMeters(it.HeightMM),
		})
	}
	return readings
}

// MaxItemTimestamp returns the latest timestamp of items, or the zero time.
func MaxItemTimestamp(items []models.Item) time.Time {
	var latest time.Time
	for _, it := range items {
		if it.Timestamp.After(latest) {
			latest = it.Timestamp
		}
	}
	return latest
}

// MaxReadingTimestamp returns the latest timestamp of readings, or the zero time.
func MaxReadingTimestamp(readings []models.Reading) time.Time {
	var latest time.Time
	for _, r := range readings {
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}
	return latest
}

// FormatHeight prints a height in meters for logging.
func FormatHeight(m float64) string {
	return fmt.Sprintf("%.3f m", m)
}

// FormatTimePtr prints optional timestamps for logging.
func FormatTimePtr(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
