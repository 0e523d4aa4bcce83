package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
)

// Date is a calendar date without a time zone, encoded as YYYY-MM-DD.
type Date struct {
	time.Time
}

// DateOf keeps the calendar fields of t and drops everything else.
func DateOf(t time.Time) Date {
	return Date{slotengine.CivilDate(t, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := slotengine.ParseDate(s, time.UTC)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

func (d Date) String() string { return d.Format(slotengine.DateLayout) }

// Midnight returns the start of d in loc.
func (d Date) Midnight(loc *time.Location) time.Time {
	return slotengine.CivilDate(d.Time, loc)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	// Some backends render DATE columns with a zero time part.
	if i := strings.IndexByte(s, 'T'); i > 0 {
		s = s[:i]
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// AvailabilityWindow maps to the specialist_availability table.
type AvailabilityWindow struct {
	ID           uuid.UUID            `json:"id"`
	SpecialistID uuid.UUID            `json:"specialist_id"`
	SpecialtyID  int                  `json:"specialty_id"`
	DayOfWeek    int                  `json:"day_of_week"`
	StartTime    slotengine.TimeOfDay `json:"start_time"`
	EndTime      slotengine.TimeOfDay `json:"end_time"`
	IsActive     bool                 `json:"is_active"`
	CreatedAt    time.Time            `json:"created_at"`
}

// Window converts the row into the slot engine's representation.
func (w *AvailabilityWindow) Window() slotengine.Window {
	return slotengine.Window{
		SpecialistID: w.SpecialistID,
		SpecialtyID:  w.SpecialtyID,
		DayOfWeek:    time.Weekday(w.DayOfWeek),
		Start:        w.StartTime,
		End:          w.EndTime,
		Active:       w.IsActive,
	}
}

func (w *AvailabilityWindow) overlaps(o *AvailabilityWindow) bool {
	return w.StartTime < o.EndTime && w.EndTime > o.StartTime
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID                 uuid.UUID            `json:"id"`
	PatientID          uuid.UUID            `json:"patient_id"`
	SpecialistID       uuid.UUID            `json:"specialist_id"`
	SpecialtyID        int                  `json:"specialty_id"`
	StatusID           slotengine.Status    `json:"status_id"`
	AppointmentDate    Date                 `json:"appointment_date"`
	AppointmentTime    slotengine.TimeOfDay `json:"appointment_time"`
	DurationMinutes    int                  `json:"duration_minutes"`
	CancellationReason *string              `json:"cancellation_reason,omitempty"`
	RejectionReason    *string              `json:"rejection_reason,omitempty"`
	SpecialistReview   *string              `json:"specialist_review,omitempty"`
	PatientFeedback    *string              `json:"patient_feedback,omitempty"`
	PatientRating      *int                 `json:"patient_rating,omitempty"`
	SurveyCompleted    bool                 `json:"survey_completed"`
	SurveyAnswers      json.RawMessage      `json:"survey_answers,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// Booked converts the row into what conflict detection needs.
func (a *Appointment) Booked() slotengine.BookedAppointment {
	return slotengine.BookedAppointment{
		ID:              a.ID,
		SpecialistID:    a.SpecialistID,
		Date:            a.AppointmentDate.Time,
		Time:            a.AppointmentTime,
		DurationMinutes: a.DurationMinutes,
		Status:          a.StatusID,
	}
}

// AppointmentView is the HTTP representation, which adds the status name.
type AppointmentView struct {
	*Appointment
	Status string `json:"status"`
}

func (a *Appointment) View() AppointmentView {
	return AppointmentView{Appointment: a, Status: a.StatusID.String()}
}

// BookingRequest is a patient's request for one slot.
type BookingRequest struct {
	PatientID    uuid.UUID `json:"patient_id" validate:"required"`
	SpecialistID uuid.UUID `json:"specialist_id" validate:"required"`
	SpecialtyID  int       `json:"specialty_id" validate:"required,gt=0"`
	Date         string    `json:"appointment_date" validate:"required,datetime=2006-01-02"`
	Time         string    `json:"appointment_time" validate:"required"`
}

// AppointmentUpdate lists the columns a state change writes. Nil fields are
// left untouched.
type AppointmentUpdate struct {
	StatusID           *slotengine.Status
	CancellationReason *string
	RejectionReason    *string
	SpecialistReview   *string
	PatientFeedback    *string
	PatientRating      *int
	SurveyCompleted    *bool
	SurveyAnswers      json.RawMessage
}

// UpdateGuard restricts an update to rows still in the expected state, so
// concurrent changes cannot both succeed.
type UpdateGuard struct {
	FromStatuses  []slotengine.Status
	RatingUnset   bool
	SurveyPending bool
}

// Slot query result statuses.
const (
	SlotsStatusOK         = "ok"
	SlotsStatusNoSchedule = "no_schedule_configured"
)

// SlotsResult is the bookable calendar of one specialist and specialty.
type SlotsResult struct {
	Status       string                `json:"status"`
	SpecialistID uuid.UUID             `json:"specialist_id"`
	SpecialtyID  int                   `json:"specialty_id"`
	Days         []slotengine.DaySlots `json:"days"`
	Total        int                   `json:"total"`
}
