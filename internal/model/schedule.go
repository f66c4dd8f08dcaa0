package model

import (
	"time"

	"github.com/dmercado/republish/internal/recurrence"
)

// Schedule is a named recurrence bound to a set of categories. The CSV
// fields are the persisted wire form; Days and Times are the typed form the
// calculator and registry operate on, parsed eagerly at the store boundary.
type Schedule struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`

	// Persisted recurrence fields, e.g. "mon,wed,fri" and "09:00,14:30".
	DaysOfWeek string `json:"days_of_week"`
	TimesOfDay string `json:"times_of_day"`

	Days  []time.Weekday         `json:"-"`
	Times []recurrence.TimeOfDay `json:"-"`

	CategoryIDs []string `json:"category_ids,omitempty"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseRecurrence refreshes the typed day/time sets from the CSV fields.
// Malformed tokens are dropped; an empty result simply leaves the schedule
// unarmed.
func (s *Schedule) ParseRecurrence() {
	s.Days = recurrence.ParseDays(s.DaysOfWeek)
	s.Times = recurrence.ParseTimes(s.TimesOfDay)
}

// Armable reports whether the schedule has everything a live timer needs.
func (s *Schedule) Armable() bool {
	return s.Active && len(s.Days) > 0 && len(s.Times) > 0 && len(s.CategoryIDs) > 0
}

// NextFire computes the next fire instant strictly after the reference.
func (s *Schedule) NextFire(after time.Time) (time.Time, bool) {
	return recurrence.Next(s.Days, s.Times, after)
}

// FireEvent identifies one concrete timer firing. It lives only on the wire
// between the registry and the run service.
type FireEvent struct {
	ScheduleID  string    `json:"schedule_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}
