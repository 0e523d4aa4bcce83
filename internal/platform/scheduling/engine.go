package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// SlotDuration is the length of every generated slot, in minutes.
	SlotDuration = 30

	// DefaultWindowDays is the rolling lookahead used when callers pass a
	// non-positive day count. Today counts as the first day.
	DefaultWindowDays = 15
)

// Errors returned by the slot engine.
var (
	ErrNoScheduleConfigured    = errors.New("specialist has no active schedule for this specialty")
	ErrAvailabilityFetchFailed = errors.New("availability fetch failed")
	ErrAppointmentFetchFailed  = errors.New("appointment fetch failed")
)

// Status is the lifecycle state of an appointment.
type Status int

const (
	StatusRequested Status = 1
	StatusAccepted  Status = 2
	StatusRejected  Status = 3
	StatusCompleted Status = 4
	StatusCancelled Status = 5
	StatusNoShow    Status = 6
)

// OccupiesCalendar reports whether an appointment in this state blocks its
// time range for new bookings.
func (s Status) OccupiesCalendar() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusCompleted:
		return true
	}
	return false
}

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusNoShow:
		return "no_show"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Window is a weekly recurring block during which a specialist accepts
// appointments for one specialty. The range is half-open: [Start, End).
type Window struct {
	SpecialistID uuid.UUID
	SpecialtyID  int
	DayOfWeek    time.Weekday
	Start        TimeOfDay
	End          TimeOfDay
	Active       bool
}

// BookedAppointment is an existing appointment as seen by conflict detection.
// Only the calendar fields of Date are used.
type BookedAppointment struct {
	ID              uuid.UUID
	SpecialistID    uuid.UUID
	Date            time.Time
	Time            TimeOfDay
	DurationMinutes int
	Status          Status
}

// TimeSlot is a candidate 30-minute appointment start.
type TimeSlot struct {
	Date            time.Time
	Time            TimeOfDay
	DurationMinutes int
	Available       bool
}

func (s TimeSlot) Start() time.Time { return s.Time.On(s.Date) }

func (s TimeSlot) End() time.Time {
	return s.Start().Add(time.Duration(s.DurationMinutes) * time.Minute)
}

func (s TimeSlot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date            string    `json:"date"`
		Time            TimeOfDay `json:"time"`
		DayName         string    `json:"day_name"`
		DurationMinutes int       `json:"duration_minutes"`
		Available       bool      `json:"available"`
	}{
		Date:            s.Date.Format(DateLayout),
		Time:            s.Time,
		DayName:         DayName(s.Date.Weekday()),
		DurationMinutes: s.DurationMinutes,
		Available:       s.Available,
	})
}

// DaySlots is one date and the slots generated for it.
type DaySlots struct {
	Date  time.Time
	Slots []TimeSlot
}

func (d DaySlots) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date    string     `json:"date"`
		DayName string     `json:"day_name"`
		Slots   []TimeSlot `json:"slots"`
	}{
		Date:    d.Date.Format(DateLayout),
		DayName: DayName(d.Date.Weekday()),
		Slots:   d.Slots,
	})
}

// WindowSource returns the active weekly windows of a specialist for one
// specialty.
type WindowSource interface {
	ListActiveWindows(ctx context.Context, specialistID uuid.UUID, specialtyID int) ([]Window, error)
}

// AppointmentSource returns every appointment of a specialist, regardless of
// status. Implementations must read from the store on every call.
type AppointmentSource interface {
	ListAppointmentsForSpecialist(ctx context.Context, specialistID uuid.UUID) ([]BookedAppointment, error)
}

// Engine turns weekly availability windows into bookable slots and checks
// them against existing appointments. It holds no per-request state and is
// safe for concurrent use.
type Engine struct {
	windows      WindowSource
	appointments AppointmentSource
	clock        Clock
	hours        ClinicHours
	loc          *time.Location
	logger       zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithClinicHours(h ClinicHours) Option { return func(e *Engine) { e.hours = h } }

// WithLocation sets the clinic time zone used to resolve "today" and to
// place slots and appointments on the calendar.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates an Engine over the given sources.
func NewEngine(windows WindowSource, appointments AppointmentSource, opts ...Option) *Engine {
	e := &Engine{
		windows:      windows,
		appointments: appointments,
		clock:        SystemClock{},
		hours:        DefaultClinicHours,
		loc:          time.Local,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Location returns the clinic time zone.
func (e *Engine) Location() *time.Location { return e.loc }

// Clock returns the engine's time source.
func (e *Engine) Clock() Clock { return e.clock }

// Hours returns the clinic opening hours the engine clips windows to.
func (e *Engine) Hours() ClinicHours { return e.hours }

// GenerateSlots returns the available slots of a specialist for one
// specialty over the next windowDays days, today included. Slots are ordered
// by date, then by the order windows were returned, then by time.
//
// When the specialist has no active window for the specialty the result is
// an empty slice and ErrNoScheduleConfigured. When appointments cannot be
// read every candidate is treated as taken and the error is returned.
func (e *Engine) GenerateSlots(ctx context.Context, specialistID uuid.UUID, specialtyID int, windowDays int) ([]TimeSlot, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}

	windows, err := e.windows.ListActiveWindows(ctx, specialistID, specialtyID)
	if err != nil {
		return []TimeSlot{}, fmt.Errorf("%w: %w", ErrAvailabilityFetchFailed, err)
	}
	windows = activeWindows(windows)
	if len(windows) == 0 {
		return []TimeSlot{}, ErrNoScheduleConfigured
	}

	candidates := e.candidates(windows, windowDays)
	if err := e.CheckConflicts(ctx, specialistID, candidates); err != nil {
		return []TimeSlot{}, err
	}

	available := make([]TimeSlot, 0, len(candidates))
	for _, s := range candidates {
		if s.Available {
			available = append(available, s)
		}
	}

	e.logger.Debug().
		Str("specialist_id", specialistID.String()).
		Int("specialty_id", specialtyID).
		Int("windows", len(windows)).
		Int("candidates", len(candidates)).
		Int("available", len(available)).
		Msg("slots generated")

	return available, nil
}

func activeWindows(windows []Window) []Window {
	out := make([]Window, 0, len(windows))
	for _, w := range windows {
		if w.Active && w.Start < w.End && w.DayOfWeek >= time.Sunday && w.DayOfWeek <= time.Saturday {
			out = append(out, w)
		}
	}
	return out
}

func (e *Engine) candidates(windows []Window, days int) []TimeSlot {
	today := Today(e.clock, e.loc)
	y, m, d := today.Date()

	var slots []TimeSlot
	for offset := 0; offset < days; offset++ {
		date := time.Date(y, m, d+offset, 0, 0, 0, 0, e.loc)
		day := date.Weekday()
		if day == time.Sunday {
			continue
		}
		for _, w := range windows {
			if w.DayOfWeek != day {
				continue
			}
			start, end, ok := e.hours.Clip(day, w.Start, w.End)
			if !ok {
				continue
			}
			for t := start; t.Add(SlotDuration) <= end; t = t.Add(SlotDuration) {
				slots = append(slots, TimeSlot{
					Date:            date,
					Time:            t,
					DurationMinutes: SlotDuration,
					Available:       true,
				})
			}
		}
	}
	return slots
}

type interval struct {
	start, end time.Time
}

func (iv interval) overlaps(o interval) bool {
	return iv.start.Before(o.end) && iv.end.After(o.start)
}

func (e *Engine) occupied(appts []BookedAppointment) []interval {
	var out []interval
	for _, a := range appts {
		if !a.Status.OccupiesCalendar() {
			continue
		}
		duration := a.DurationMinutes
		if duration <= 0 {
			duration = SlotDuration
		}
		start := a.Time.On(CivilDate(a.Date, e.loc))
		out = append(out, interval{start: start, end: start.Add(time.Duration(duration) * time.Minute)})
	}
	return out
}

// CheckConflicts marks every slot that overlaps an occupying appointment of
// the specialist as unavailable, and every other slot as available. If the
// appointments cannot be read all slots are marked unavailable.
func (e *Engine) CheckConflicts(ctx context.Context, specialistID uuid.UUID, slots []TimeSlot) error {
	appts, err := e.appointments.ListAppointmentsForSpecialist(ctx, specialistID)
	if err != nil {
		for i := range slots {
			slots[i].Available = false
		}
		e.logger.Error().Err(err).
			Str("specialist_id", specialistID.String()).
			Int("slots", len(slots)).
			Msg("appointment lookup failed, marking all slots unavailable")
		return fmt.Errorf("%w: %w", ErrAppointmentFetchFailed, err)
	}

	busy := e.occupied(appts)
	taken := 0
	for i := range slots {
		slot := interval{start: slots[i].Start(), end: slots[i].End()}
		slots[i].Available = true
		for _, b := range busy {
			if slot.overlaps(b) {
				slots[i].Available = false
				taken++
				break
			}
		}
	}

	if len(busy) > 0 {
		e.logger.Debug().
			Str("specialist_id", specialistID.String()).
			Int("occupying", len(busy)).
			Int("taken", taken).
			Msg("conflicts checked")
	}
	return nil
}

// RevalidateBeforeBooking re-reads the specialist's appointments and reports
// whether slot is still free. It must be called immediately before writing a
// booking.
func (e *Engine) RevalidateBeforeBooking(ctx context.Context, specialistID uuid.UUID, slot TimeSlot) (bool, error) {
	if slot.DurationMinutes <= 0 {
		slot.DurationMinutes = SlotDuration
	}
	check := []TimeSlot{slot}
	if err := e.CheckConflicts(ctx, specialistID, check); err != nil {
		return false, err
	}
	return check[0].Available, nil
}

// GroupByDate groups slots by calendar date, keeping the order in which each
// date first appears.
func GroupByDate(slots []TimeSlot) []DaySlots {
	days := []DaySlots{}
	index := make(map[string]int)
	for _, s := range slots {
		key := s.Date.Format(DateLayout)
		i, ok := index[key]
		if !ok {
			i = len(days)
			index[key] = i
			days = append(days, DaySlots{Date: s.Date})
		}
		days[i].Slots = append(days[i].Slots, s)
	}
	return days
}
