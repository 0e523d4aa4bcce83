package scheduling

import "time"

// OpeningHours is the half-open range [Open, Close) for one weekday.
type OpeningHours struct {
	Open   TimeOfDay
	Close  TimeOfDay
	Closed bool
}

// ClinicHours holds the opening hours of each weekday, indexed by time.Weekday.
type ClinicHours [7]OpeningHours

// DefaultClinicHours: Monday to Friday 08:00-19:00, Saturday 08:00-14:00,
// closed on Sunday.
var DefaultClinicHours = ClinicHours{
	time.Sunday:    {Closed: true},
	time.Monday:    {Open: NewTimeOfDay(8, 0), Close: NewTimeOfDay(19, 0)},
	time.Tuesday:   {Open: NewTimeOfDay(8, 0), Close: NewTimeOfDay(19, 0)},
	time.Wednesday: {Open: NewTimeOfDay(8, 0), Close: NewTimeOfDay(19, 0)},
	time.Thursday:  {Open: NewTimeOfDay(8, 0), Close: NewTimeOfDay(19, 0)},
	time.Friday:    {Open: NewTimeOfDay(8, 0), Close: NewTimeOfDay(19, 0)},
	time.Saturday:  {Open: NewTimeOfDay(8, 0), Close: NewTimeOfDay(14, 0)},
}

// For returns the opening hours of day.
func (h ClinicHours) For(day time.Weekday) OpeningHours {
	return h[day]
}

// Clip narrows [start, end) to the opening hours of day. ok is false when
// the clinic is closed that day, when start is at or after closing, or when
// nothing of the range is left.
func (h ClinicHours) Clip(day time.Weekday, start, end TimeOfDay) (TimeOfDay, TimeOfDay, bool) {
	oh := h[day]
	if oh.Closed {
		return 0, 0, false
	}
	if start < oh.Open {
		start = oh.Open
	}
	if end > oh.Close {
		end = oh.Close
	}
	if start >= oh.Close || start >= end {
		return 0, 0, false
	}
	return start, end, true
}

// Contains reports whether [start, end) lies entirely inside the opening
// hours of day.
func (h ClinicHours) Contains(day time.Weekday, start, end TimeOfDay) bool {
	oh := h[day]
	return !oh.Closed && start >= oh.Open && end <= oh.Close && start < end
}
