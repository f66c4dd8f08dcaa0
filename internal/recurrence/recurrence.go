// Package recurrence computes concrete fire times from a declarative
// weekday/time-of-day recurrence. All calculations are in UTC.
package recurrence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay parses an "HH:MM" token (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day: %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day out of range: %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

var weekdayTokens = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// cron dow tokens use the three-letter names, keyed by time.Weekday.
var cronDow = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// ParseDays parses a comma-separated weekday list ("mon,wed,fri").
// Tokens are case-insensitive and may carry surrounding whitespace;
// malformed tokens are skipped rather than failing the whole field.
func ParseDays(csv string) []time.Weekday {
	var days []time.Weekday
	seen := make(map[time.Weekday]bool)
	for _, token := range strings.Split(csv, ",") {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		day, ok := weekdayTokens[token]
		if !ok || seen[day] {
			continue
		}
		seen[day] = true
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days
}

// ParseTimes parses a comma-separated "HH:MM" list ("09:00,14:30").
// Malformed tokens are skipped.
func ParseTimes(csv string) []TimeOfDay {
	var times []TimeOfDay
	seen := make(map[TimeOfDay]bool)
	for _, token := range strings.Split(csv, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		t, err := ParseTimeOfDay(token)
		if err != nil || seen[t] {
			continue
		}
		seen[t] = true
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool {
		if times[i].Hour != times[j].Hour {
			return times[i].Hour < times[j].Hour
		}
		return times[i].Minute < times[j].Minute
	})
	return times
}

// FormatDays renders a weekday set back to its persisted CSV form.
func FormatDays(days []time.Weekday) string {
	tokens := make([]string, 0, len(days))
	for _, d := range days {
		tokens = append(tokens, cronDow[d])
	}
	return strings.Join(tokens, ",")
}

// FormatTimes renders a time-of-day set back to its persisted CSV form.
func FormatTimes(times []TimeOfDay) string {
	tokens := make([]string, 0, len(times))
	for _, t := range times {
		tokens = append(tokens, t.String())
	}
	return strings.Join(tokens, ",")
}

// Next returns the earliest instant strictly after the reference that falls
// on one of the given weekdays at one of the given times. Candidates at or
// before the reference advance by exactly one week. The second return value
// is false when either set is empty; that is a configuration state, not an
// error.
func Next(days []time.Weekday, times []TimeOfDay, after time.Time) (time.Time, bool) {
	if len(days) == 0 || len(times) == 0 {
		return time.Time{}, false
	}

	after = after.UTC()
	var next time.Time
	for _, day := range days {
		daysAhead := (int(day) - int(after.Weekday()) + 7) % 7
		date := after.AddDate(0, 0, daysAhead)
		for _, tod := range times {
			candidate := time.Date(date.Year(), date.Month(), date.Day(),
				tod.Hour, tod.Minute, 0, 0, time.UTC)
			if !candidate.After(after) {
				candidate = candidate.AddDate(0, 0, 7)
			}
			if next.IsZero() || candidate.Before(next) {
				next = candidate
			}
		}
	}
	return next, true
}

// CronSpecs renders the recurrence as cron expressions with a seconds field,
// one per time of day, e.g. "0 30 14 * * mon,wed". The union of the returned
// specs reproduces the recurrence exactly.
func CronSpecs(days []time.Weekday, times []TimeOfDay) []string {
	if len(days) == 0 || len(times) == 0 {
		return nil
	}
	dow := FormatDays(days)
	specs := make([]string, 0, len(times))
	for _, t := range times {
		specs = append(specs, fmt.Sprintf("0 %d %d * * %s", t.Minute, t.Hour, dow))
	}
	return specs
}
