package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/lock"
	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
)

var (
	ErrBookingConflict     = errors.New("the selected slot is no longer available")
	ErrSlotOutsideSchedule = errors.New("the selected slot is not offered by the specialist")
	ErrInvalidTransition   = errors.New("appointment cannot make that change in its current state")
	ErrConcurrentUpdate    = errors.New("appointment was modified concurrently")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrWindowNotFound      = errors.New("availability window not found")
	ErrWindowOverlap       = errors.New("availability window overlaps an existing one")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Config tunes the service. Zero values fall back to defaults.
type Config struct {
	Location   *time.Location
	Clock      slotengine.Clock
	Hours      *slotengine.ClinicHours
	WindowDays int
	LockTTL    time.Duration
	Logger     zerolog.Logger
}

type Service struct {
	windows      AvailabilityRepository
	appointments AppointmentRepository
	engine       *slotengine.Engine
	locker       lock.Locker
	events       events.Publisher
	windowDays   int
	lockTTL      time.Duration
	logger       zerolog.Logger
}

func NewService(windows AvailabilityRepository, appointments AppointmentRepository, locker lock.Locker, publisher events.Publisher, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = slotengine.SystemClock{}
	}
	if cfg.Hours == nil {
		cfg.Hours = &slotengine.DefaultClinicHours
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = slotengine.DefaultWindowDays
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}

	engine := slotengine.NewEngine(
		windowSource{repo: windows},
		appointmentSource{repo: appointments},
		slotengine.WithClock(cfg.Clock),
		slotengine.WithLocation(cfg.Location),
		slotengine.WithClinicHours(*cfg.Hours),
		slotengine.WithLogger(cfg.Logger),
	)

	return &Service{
		windows:      windows,
		appointments: appointments,
		engine:       engine,
		locker:       locker,
		events:       publisher,
		windowDays:   cfg.WindowDays,
		lockTTL:      cfg.LockTTL,
		logger:       cfg.Logger,
	}
}

// Engine exposes the slot engine the service books against.
func (s *Service) Engine() *slotengine.Engine { return s.engine }

// WindowDays is the booking horizon in days, today included.
func (s *Service) WindowDays() int { return s.windowDays }

// windowSource and appointmentSource adapt the repositories to the engine.
type windowSource struct{ repo AvailabilityRepository }

func (w windowSource) ListActiveWindows(ctx context.Context, specialistID uuid.UUID, specialtyID int) ([]slotengine.Window, error) {
	rows, err := w.repo.ListActive(ctx, specialistID, specialtyID)
	if err != nil {
		return nil, err
	}
	out := make([]slotengine.Window, len(rows))
	for i, r := range rows {
		out[i] = r.Window()
	}
	return out, nil
}

type appointmentSource struct{ repo AppointmentRepository }

func (a appointmentSource) ListAppointmentsForSpecialist(ctx context.Context, specialistID uuid.UUID) ([]slotengine.BookedAppointment, error) {
	rows, err := a.repo.ListForSpecialist(ctx, specialistID)
	if err != nil {
		return nil, err
	}
	out := make([]slotengine.BookedAppointment, len(rows))
	for i, r := range rows {
		out[i] = r.Booked()
	}
	return out, nil
}

// -- Availability windows --

func (s *Service) validateWindow(w *AvailabilityWindow) error {
	if w.SpecialistID == uuid.Nil {
		return invalid("specialist_id", "is required")
	}
	if w.SpecialtyID <= 0 {
		return invalid("specialty_id", "is required")
	}
	if w.DayOfWeek < 0 || w.DayOfWeek > 6 {
		return invalid("day_of_week", "must be between 0 (Sunday) and 6 (Saturday)")
	}
	day := time.Weekday(w.DayOfWeek)
	hours := s.engine.Hours().For(day)
	if hours.Closed {
		return invalid("day_of_week", "the clinic is closed on %s", strings.ToLower(day.String()))
	}
	if !w.StartTime.Valid() || !w.EndTime.Valid() {
		return invalid("start_time", "times must fall within a single day")
	}
	if w.StartTime >= w.EndTime {
		return invalid("start_time", "must be before end_time")
	}
	if w.StartTime < hours.Open {
		return invalid("start_time", "must be at or after %s", hours.Open)
	}
	if w.EndTime > hours.Close {
		return invalid("end_time", "must be at or before %s on %s", hours.Close, strings.ToLower(day.String()))
	}
	return nil
}

// CreateWindow adds an active weekly window after checking it against the
// clinic hours and the specialist's other windows for the same specialty
// and day.
func (s *Service) CreateWindow(ctx context.Context, w *AvailabilityWindow) error {
	if err := s.validateWindow(w); err != nil {
		return err
	}

	existing, err := s.windows.ListBySpecialist(ctx, w.SpecialistID)
	if err != nil {
		return fmt.Errorf("list availability: %w", err)
	}
	for _, other := range existing {
		if other.IsActive && other.SpecialtyID == w.SpecialtyID && other.DayOfWeek == w.DayOfWeek && w.overlaps(other) {
			return fmt.Errorf("%w: %s-%s", ErrWindowOverlap, other.StartTime, other.EndTime)
		}
	}

	w.IsActive = true
	if err := s.windows.Create(ctx, w); err != nil {
		return fmt.Errorf("create availability: %w", err)
	}
	return nil
}

func (s *Service) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	return s.windows.Delete(ctx, id)
}

func (s *Service) ListWindows(ctx context.Context, specialistID uuid.UUID) ([]*AvailabilityWindow, error) {
	return s.windows.ListBySpecialist(ctx, specialistID)
}

// -- Slots --

// AvailableSlots returns the bookable calendar grouped by date. A specialist
// without a schedule for the specialty is not an error: the result carries
// SlotsStatusNoSchedule and no days. days may shorten the booking horizon
// but never extend it, so every listed slot can be booked.
func (s *Service) AvailableSlots(ctx context.Context, specialistID uuid.UUID, specialtyID, days int) (*SlotsResult, error) {
	if days <= 0 {
		days = s.windowDays
	}
	if days > s.windowDays {
		return nil, invalid("days", "must be between 1 and %d", s.windowDays)
	}
	result := &SlotsResult{
		Status:       SlotsStatusOK,
		SpecialistID: specialistID,
		SpecialtyID:  specialtyID,
		Days:         []slotengine.DaySlots{},
	}

	slots, err := s.engine.GenerateSlots(ctx, specialistID, specialtyID, days)
	if errors.Is(err, slotengine.ErrNoScheduleConfigured) {
		result.Status = SlotsStatusNoSchedule
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.Days = slotengine.GroupByDate(slots)
	result.Total = len(slots)
	return result, nil
}

// -- Booking --

func (s *Service) requestedSlot(req BookingRequest) (slotengine.TimeSlot, error) {
	if req.PatientID == uuid.Nil {
		return slotengine.TimeSlot{}, invalid("patient_id", "is required")
	}
	if req.SpecialistID == uuid.Nil {
		return slotengine.TimeSlot{}, invalid("specialist_id", "is required")
	}
	if req.SpecialtyID <= 0 {
		return slotengine.TimeSlot{}, invalid("specialty_id", "is required")
	}
	date, err := slotengine.ParseDate(req.Date, s.engine.Location())
	if err != nil {
		return slotengine.TimeSlot{}, invalid("appointment_date", "must be YYYY-MM-DD")
	}
	at, err := slotengine.ParseTimeOfDay(req.Time)
	if err != nil {
		return slotengine.TimeSlot{}, invalid("appointment_time", "must be HH:MM")
	}
	slot := slotengine.TimeSlot{Date: date, Time: at, DurationMinutes: slotengine.SlotDuration, Available: true}
	if slot.Start().Before(s.engine.Clock().Now()) {
		return slotengine.TimeSlot{}, invalid("appointment_date", "must not be in the past")
	}
	return slot, nil
}

// offered reports whether slot is one the engine generates for the
// specialist: inside the booking horizon, inside a clipped active window and
// aligned to that window's 30 minute grid.
func (s *Service) offered(ctx context.Context, req BookingRequest, slot slotengine.TimeSlot) (bool, error) {
	today := slotengine.Today(s.engine.Clock(), s.engine.Location())
	horizon := today.AddDate(0, 0, s.windowDays)
	if slot.Date.Before(today) || !slot.Date.Before(horizon) {
		return false, nil
	}

	windows, err := s.windows.ListActive(ctx, req.SpecialistID, req.SpecialtyID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", slotengine.ErrAvailabilityFetchFailed, err)
	}
	day := slot.Date.Weekday()
	for _, w := range windows {
		if time.Weekday(w.DayOfWeek) != day || !w.IsActive {
			continue
		}
		start, end, ok := s.engine.Hours().Clip(day, w.StartTime, w.EndTime)
		if !ok {
			continue
		}
		if slot.Time >= start && slot.Time.Add(slotengine.SlotDuration) <= end &&
			int(slot.Time-start)%slotengine.SlotDuration == 0 {
			return true, nil
		}
	}
	return false, nil
}

// BookAppointment creates a Requested appointment for the chosen slot. The
// slot is re-checked against a fresh read of the specialist's appointments
// while holding a short per-slot lock; any doubt about availability refuses
// the booking.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (*Appointment, error) {
	slot, err := s.requestedSlot(req)
	if err != nil {
		return nil, err
	}

	ok, err := s.offered(ctx, req, slot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSlotOutsideSchedule
	}

	key := lock.SlotKey(req.SpecialistID, slot.Date.Format(slotengine.DateLayout), slot.Time.String())
	release, err := s.locker.Acquire(ctx, key, s.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrBookingConflict
	}
	if err != nil {
		return nil, fmt.Errorf("acquire booking lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("release booking lock")
		}
	}()

	free, err := s.engine.RevalidateBeforeBooking(ctx, req.SpecialistID, slot)
	if err != nil {
		return nil, err
	}
	if !free {
		return nil, ErrBookingConflict
	}

	appt := &Appointment{
		PatientID:       req.PatientID,
		SpecialistID:    req.SpecialistID,
		SpecialtyID:     req.SpecialtyID,
		StatusID:        slotengine.StatusRequested,
		AppointmentDate: DateOf(slot.Date),
		AppointmentTime: slot.Time,
		DurationMinutes: slotengine.SlotDuration,
	}
	if err := s.appointments.Create(ctx, appt); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrBookingConflict
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("specialist_id", appt.SpecialistID.String()).
		Str("date", appt.AppointmentDate.String()).
		Str("time", appt.AppointmentTime.String()).
		Msg("appointment requested")
	s.publish(ctx, appt.StatusID.String(), appt)
	return appt, nil
}

// -- Reads --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListSpecialistAppointments(ctx context.Context, specialistID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.ListBySpecialist(ctx, specialistID, limit, offset)
}

// ListAppointments pages through the whole clinic's appointments for the
// administration view. A zero status lists every status.
func (s *Service) ListAppointments(ctx context.Context, status slotengine.Status, limit, offset int) ([]*Appointment, int, error) {
	if status < 0 || status > slotengine.StatusNoShow {
		return nil, 0, invalid("status_id", "must be between 1 and %d", int(slotengine.StatusNoShow))
	}
	return s.appointments.ListAll(ctx, status, limit, offset)
}

// -- Transitions --

// transition moves an appointment from one of the allowed states. The state
// is checked on the current row and enforced again by the guarded update.
func (s *Service) transition(ctx context.Context, id uuid.UUID, event string, guard UpdateGuard, check func(*Appointment) error, upd AppointmentUpdate) (*Appointment, error) {
	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(current.StatusID, guard.FromStatuses) {
		return nil, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, current.StatusID)
	}
	if check != nil {
		if err := check(current); err != nil {
			return nil, err
		}
	}

	updated, err := s.appointments.Update(ctx, id, guard, upd)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("from", current.StatusID.String()).
		Str("to", updated.StatusID.String()).
		Str("event", event).
		Msg("appointment updated")
	s.publish(ctx, event, updated)
	return updated, nil
}

func statusIn(st slotengine.Status, set []slotengine.Status) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func statusPtr(s slotengine.Status) *slotengine.Status { return &s }

func required(field, value string) (*string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, invalid(field, "is required")
	}
	return &v, nil
}

// Accept confirms a requested appointment.
func (s *Service) Accept(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, "accepted",
		UpdateGuard{FromStatuses: []slotengine.Status{slotengine.StatusRequested}},
		nil,
		AppointmentUpdate{StatusID: statusPtr(slotengine.StatusAccepted)})
}

// Reject declines a requested appointment, which frees its slot.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	r, err := required("reason", reason)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, "rejected",
		UpdateGuard{FromStatuses: []slotengine.Status{slotengine.StatusRequested}},
		nil,
		AppointmentUpdate{StatusID: statusPtr(slotengine.StatusRejected), RejectionReason: r})
}

// Cancel withdraws a requested or accepted appointment, which frees its slot.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	r, err := required("reason", reason)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, "cancelled",
		UpdateGuard{FromStatuses: []slotengine.Status{slotengine.StatusRequested, slotengine.StatusAccepted}},
		nil,
		AppointmentUpdate{StatusID: statusPtr(slotengine.StatusCancelled), CancellationReason: r})
}

// Complete closes an accepted appointment with the specialist's review.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, review string) (*Appointment, error) {
	r, err := required("review", review)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, "completed",
		UpdateGuard{FromStatuses: []slotengine.Status{slotengine.StatusAccepted}},
		nil,
		AppointmentUpdate{StatusID: statusPtr(slotengine.StatusCompleted), SpecialistReview: r})
}

// Rate records the patient's 1-5 rating of a completed appointment, once.
func (s *Service) Rate(ctx context.Context, id uuid.UUID, rating int, comment string) (*Appointment, error) {
	if rating < 1 || rating > 5 {
		return nil, invalid("rating", "must be between 1 and 5")
	}
	upd := AppointmentUpdate{PatientRating: &rating}
	if c := strings.TrimSpace(comment); c != "" {
		upd.PatientFeedback = &c
	}
	return s.transition(ctx, id, "rated",
		UpdateGuard{FromStatuses: []slotengine.Status{slotengine.StatusCompleted}, RatingUnset: true},
		func(a *Appointment) error {
			if a.PatientRating != nil {
				return fmt.Errorf("%w: appointment already rated", ErrInvalidTransition)
			}
			return nil
		},
		upd)
}

// CompleteSurvey stores the patient's survey answers. It needs a completed
// appointment that already carries the specialist's review, and runs once.
func (s *Service) CompleteSurvey(ctx context.Context, id uuid.UUID, answers json.RawMessage) (*Appointment, error) {
	if len(answers) == 0 || !json.Valid(answers) {
		return nil, invalid("answers", "must be a JSON document")
	}
	done := true
	return s.transition(ctx, id, "survey_completed",
		UpdateGuard{FromStatuses: []slotengine.Status{slotengine.StatusCompleted}, SurveyPending: true},
		func(a *Appointment) error {
			if a.SpecialistReview == nil {
				return fmt.Errorf("%w: the specialist has not reviewed the appointment yet", ErrInvalidTransition)
			}
			if a.SurveyCompleted {
				return fmt.Errorf("%w: survey already completed", ErrInvalidTransition)
			}
			return nil
		},
		AppointmentUpdate{SurveyCompleted: &done, SurveyAnswers: answers})
}

func (s *Service) publish(ctx context.Context, event string, a *Appointment) {
	evt := events.Event{
		Name:          event,
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		SpecialistID:  a.SpecialistID,
		SpecialtyID:   a.SpecialtyID,
		Status:        a.StatusID.String(),
		Date:          a.AppointmentDate.String(),
		Time:          a.AppointmentTime.String(),
		OccurredAt:    s.engine.Clock().Now().UTC(),
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).
			Str("appointment_id", a.ID.String()).
			Str("event", evt.RoutingKey()).
			Msg("publish appointment event")
	}
}
