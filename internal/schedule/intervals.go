package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownInterval is returned for interval keys missing from Intervals.
var ErrUnknownInterval = errors.New("unknown interval")

// Interval is one entry of the custom interval table.
type Interval struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Seconds int64  `json:"seconds"`
}

func (i Interval) Duration() time.Duration { return time.Duration(i.Seconds) * time.Second }

const (
	minute = 60
	hour   = 60 * minute
	day    = 24 * hour
	week   = 7 * day
)

// Intervals is the fixed interval table. Keys are referenced by stored
// settings and must not change. A month is four weeks.
var Intervals = []Interval{
	{"interval_1_minute", "Every minute", minute},
	{"interval_2_minutes", "Every 2 minutes", 2 * minute},
	{"interval_3_minutes", "Every 3 minutes", 3 * minute},
	{"interval_5_minutes", "Every 5 minutes", 5 * minute},
	{"interval_10_minutes", "Every 10 minutes", 10 * minute},
	{"interval_15_minutes", "Every 15 minutes", 15 * minute},
	{"interval_20_minutes", "Every 20 minutes", 20 * minute},
	{"interval_30_minutes", "Every 30 minutes", 30 * minute},
	{"interval_45_minutes", "Every 45 minutes", 45 * minute},
	{"interval_1_hour", "Every hour", hour},
	{"interval_2_hours", "Every 2 hours", 2 * hour},
	{"interval_3_hours", "Every 3 hours", 3 * hour},
	{"interval_4_hours", "Every 4 hours", 4 * hour},
	{"interval_6_hours", "Every 6 hours", 6 * hour},
	{"interval_12_hours", "Twice a day", 12 * hour},
	{"interval_1_day", "Once a day", day},
	{"interval_2_days", "Every 2 days", 2 * day},
	{"interval_1_week", "Once a week", week},
	{"interval_2_weeks", "Every 2 weeks", 2 * week},
	{"interval_1_month", "Once a month", 4 * week},
}

var intervalByKey = func() map[string]Interval {
	m := make(map[string]Interval, len(Intervals))
	for _, iv := range Intervals {
		m[iv.Key] = iv
	}
	return m
}()

// LookupInterval resolves an interval key.
func LookupInterval(key string) (Interval, error) {
	iv, ok := intervalByKey[strings.TrimSpace(key)]
	if !ok {
		return Interval{}, fmt.Errorf("%w: %q", ErrUnknownInterval, key)
	}
	return iv, nil
}
