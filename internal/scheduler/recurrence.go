package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Pattern is the recurrence cadence a campaign's RecurrenceConfig selects.
type Pattern string

const (
	PatternDaily    Pattern = "daily"
	PatternWeekly   Pattern = "weekly"
	PatternBiweekly Pattern = "biweekly"
	PatternMonthly  Pattern = "monthly"
	PatternCustom   Pattern = "custom"
)

// RecurrenceConfig is the decoded form of campaigns.recurrence_json.
type RecurrenceConfig struct {
	Pattern         Pattern    `json:"pattern"`
	Interval        int        `json:"interval"`
	DaysOfWeek      []int      `json:"daysOfWeek,omitempty"` // 0=Sunday .. 6=Saturday
	DayOfMonth      int        `json:"dayOfMonth,omitempty"`
	Time            string     `json:"time,omitempty"` // "HH:MM", defaults to "00:00"
	Timezone        string     `json:"timezone,omitempty"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	MaxOccurrences  int        `json:"maxOccurrences,omitempty"`
}

// ParseRecurrenceConfig decodes a campaign's recurrence_json column. An
// empty string is not valid for a recurring campaign.
func ParseRecurrenceConfig(raw string) (RecurrenceConfig, error) {
	var cfg RecurrenceConfig
	if raw == "" {
		return cfg, fmt.Errorf("scheduler: empty recurrence config")
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("scheduler: invalid recurrence config: %w", err)
	}
	if cfg.Interval < 1 {
		cfg.Interval = 1
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.Time == "" {
		cfg.Time = "00:00"
	}
	return cfg, nil
}

// NextFire computes the next firing instant (in UTC) for a recurring
// campaign's config, given the instant it just fired at (from) and how
// many times it had fired before the current firing (occurrenceCount, not
// counting the current one). completed reports whether the campaign has exhausted its
// endDate or maxOccurrences and should transition to CampaignCompleted
// instead of being rescheduled.
func NextFire(cfg RecurrenceConfig, from time.Time, occurrenceCount int) (next time.Time, completed bool, err error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("scheduler: bad timezone %q: %w", cfg.Timezone, err)
	}
	fromLocal := from.In(loc)

	hour, minute, err := parseClock(cfg.Time)
	if err != nil {
		return time.Time{}, false, err
	}

	var candidate time.Time
	switch cfg.Pattern {
	case PatternDaily:
		candidate = fromLocal.AddDate(0, 0, cfg.Interval)

	case PatternWeekly:
		if len(cfg.DaysOfWeek) > 0 {
			candidate = nextWeekday(fromLocal, cfg.DaysOfWeek)
		} else {
			candidate = fromLocal.AddDate(0, 0, 7*cfg.Interval)
		}

	case PatternBiweekly:
		candidate = fromLocal.AddDate(0, 0, 14*cfg.Interval)

	case PatternMonthly:
		if cfg.DayOfMonth > 0 {
			// Step from the first of the month so a late day (e.g. the
			// 31st) cannot overflow into the month after the target.
			firstOfMonth := time.Date(fromLocal.Year(), fromLocal.Month(), 1, 0, 0, 0, 0, loc)
			candidate = setDayOfMonthClamped(firstOfMonth.AddDate(0, cfg.Interval, 0), cfg.DayOfMonth)
		} else {
			candidate = fromLocal.AddDate(0, cfg.Interval, 0)
		}

	case PatternCustom:
		// No richer cadence is specified for "custom"; fall back to a
		// plain interval-in-days step, same as daily.
		candidate = fromLocal.AddDate(0, 0, cfg.Interval)

	default:
		return time.Time{}, false, fmt.Errorf("scheduler: unknown recurrence pattern %q", cfg.Pattern)
	}

	candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), hour, minute, 0, 0, loc)

	// occurrenceCount counts firings strictly before this one; add the
	// firing that just happened to get the total fired so far.
	firedSoFar := occurrenceCount + 1
	if cfg.EndDate != nil && candidate.After(*cfg.EndDate) {
		return time.Time{}, true, nil
	}
	if cfg.MaxOccurrences > 0 && firedSoFar >= cfg.MaxOccurrences {
		return time.Time{}, true, nil
	}

	return candidate.UTC(), false, nil
}

// nextWeekday finds the nearest day strictly after from whose weekday is
// in days (each 0=Sunday..6=Saturday), wrapping to the following week if
// none of the set falls later in the current one.
func nextWeekday(from time.Time, days []int) time.Time {
	set := make(map[int]bool, len(days))
	for _, d := range days {
		set[((d%7)+7)%7] = true
	}
	sorted := make([]int, 0, len(days))
	for d := range set {
		sorted = append(sorted, d)
	}
	sort.Ints(sorted)

	for offset := 1; offset <= 7; offset++ {
		candidate := from.AddDate(0, 0, offset)
		if set[int(candidate.Weekday())] {
			return candidate
		}
	}
	// Unreachable when days is non-empty, but keeps the function total.
	return from.AddDate(0, 0, 7)
}

// setDayOfMonthClamped rewrites t's day-of-month to day, clamped to the
// last day of t's month (e.g. dayOfMonth=31 in February becomes the 28th
// or 29th).
func setDayOfMonthClamped(t time.Time, day int) time.Time {
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfMonth.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(t.Year(), t.Month(), day, t.Hour(), t.Minute(), t.Second(), 0, t.Location())
}

func parseClock(hhmm string) (hour, minute int, err error) {
	var h, m int
	n, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m)
	if err != nil || n != 2 || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("scheduler: invalid time %q, want HH:MM", hhmm)
	}
	return h, m, nil
}
