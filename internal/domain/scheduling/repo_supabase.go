package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"

	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
)

const (
	tableAvailability = "specialist_availability"
	tableAppointments = "appointments"
)

// postgrestClient is the part of *supa.Client the repositories use;
// *postgrest.Client satisfies it too.
type postgrestClient interface {
	From(table string) *postgrest.QueryBuilder
}

var _ postgrestClient = (*supa.Client)(nil)

func decodeRows[T any](data []byte) ([]*T, error) {
	items := []*T{}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode %T rows: %w", *new(T), err)
	}
	return items, nil
}

// decodeAppointments decodes appointment rows. PostgREST renders an unset
// survey_answers column as null, which pgx rows leave empty.
func decodeAppointments(data []byte) ([]*Appointment, error) {
	items, err := decodeRows[Appointment](data)
	if err != nil {
		return nil, err
	}
	for _, a := range items {
		if bytes.Equal(bytes.TrimSpace(a.SurveyAnswers), []byte("null")) {
			a.SurveyAnswers = nil
		}
	}
	return items, nil
}

// =========== Availability Repository ===========

type availabilityRepoSupabase struct{ client postgrestClient }

func NewAvailabilityRepoSupabase(client *supa.Client) AvailabilityRepository {
	return &availabilityRepoSupabase{client: client}
}

type windowInsert struct {
	ID           uuid.UUID `json:"id"`
	SpecialistID uuid.UUID `json:"specialist_id"`
	SpecialtyID  int       `json:"specialty_id"`
	DayOfWeek    int       `json:"day_of_week"`
	StartTime    string    `json:"start_time"`
	EndTime      string    `json:"end_time"`
	IsActive     bool      `json:"is_active"`
}

func (r *availabilityRepoSupabase) Create(_ context.Context, w *AvailabilityWindow) error {
	w.ID = uuid.New()
	row := windowInsert{
		ID:           w.ID,
		SpecialistID: w.SpecialistID,
		SpecialtyID:  w.SpecialtyID,
		DayOfWeek:    w.DayOfWeek,
		StartTime:    w.StartTime.String(),
		EndTime:      w.EndTime.String(),
		IsActive:     w.IsActive,
	}
	data, _, err := r.client.From(tableAvailability).Insert(row, false, "", "representation", "").Execute()
	if err != nil {
		return err
	}
	created, err := decodeRows[AvailabilityWindow](data)
	if err != nil {
		return err
	}
	if len(created) == 1 {
		w.CreatedAt = created[0].CreatedAt
	}
	return nil
}

func (r *availabilityRepoSupabase) GetByID(_ context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	data, _, err := r.client.From(tableAvailability).
		Select("*", "", false).
		Eq("id", id.String()).
		Execute()
	if err != nil {
		return nil, err
	}
	items, err := decodeRows[AvailabilityWindow](data)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrWindowNotFound
	}
	return items[0], nil
}

func (r *availabilityRepoSupabase) Delete(_ context.Context, id uuid.UUID) error {
	data, _, err := r.client.From(tableAvailability).
		Delete("representation", "").
		Eq("id", id.String()).
		Execute()
	if err != nil {
		return err
	}
	deleted, err := decodeRows[AvailabilityWindow](data)
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return ErrWindowNotFound
	}
	return nil
}

func (r *availabilityRepoSupabase) ListBySpecialist(_ context.Context, specialistID uuid.UUID) ([]*AvailabilityWindow, error) {
	data, _, err := r.client.From(tableAvailability).
		Select("*", "", false).
		Eq("specialist_id", specialistID.String()).
		Order("day_of_week", &postgrest.OrderOpts{Ascending: true}).
		Order("start_time", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, err
	}
	return decodeRows[AvailabilityWindow](data)
}

func (r *availabilityRepoSupabase) ListActive(_ context.Context, specialistID uuid.UUID, specialtyID int) ([]*AvailabilityWindow, error) {
	data, _, err := r.client.From(tableAvailability).
		Select("*", "", false).
		Eq("specialist_id", specialistID.String()).
		Eq("specialty_id", strconv.Itoa(specialtyID)).
		Eq("is_active", "true").
		Order("day_of_week", &postgrest.OrderOpts{Ascending: true}).
		Order("start_time", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, err
	}
	return decodeRows[AvailabilityWindow](data)
}

// =========== Appointment Repository ===========

type appointmentRepoSupabase struct{ client postgrestClient }

func NewAppointmentRepoSupabase(client *supa.Client) AppointmentRepository {
	return &appointmentRepoSupabase{client: client}
}

type appointmentInsert struct {
	ID              uuid.UUID `json:"id"`
	PatientID       uuid.UUID `json:"patient_id"`
	SpecialistID    uuid.UUID `json:"specialist_id"`
	SpecialtyID     int       `json:"specialty_id"`
	StatusID        int       `json:"status_id"`
	AppointmentDate string    `json:"appointment_date"`
	AppointmentTime string    `json:"appointment_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (r *appointmentRepoSupabase) Create(_ context.Context, a *Appointment) error {
	a.ID = uuid.New()
	row := appointmentInsert{
		ID:              a.ID,
		PatientID:       a.PatientID,
		SpecialistID:    a.SpecialistID,
		SpecialtyID:     a.SpecialtyID,
		StatusID:        int(a.StatusID),
		AppointmentDate: a.AppointmentDate.String(),
		AppointmentTime: a.AppointmentTime.String(),
		DurationMinutes: a.DurationMinutes,
	}
	data, _, err := r.client.From(tableAppointments).Insert(row, false, "", "representation", "").Execute()
	if err != nil {
		return err
	}
	created, err := decodeAppointments(data)
	if err != nil {
		return err
	}
	if len(created) == 1 {
		a.CreatedAt = created[0].CreatedAt
		a.UpdatedAt = created[0].UpdatedAt
	}
	return nil
}

func (r *appointmentRepoSupabase) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	data, _, err := r.client.From(tableAppointments).
		Select("*", "", false).
		Eq("id", id.String()).
		Execute()
	if err != nil {
		return nil, err
	}
	items, err := decodeAppointments(data)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrAppointmentNotFound
	}
	return items[0], nil
}

func (r *appointmentRepoSupabase) ListForSpecialist(_ context.Context, specialistID uuid.UUID) ([]*Appointment, error) {
	data, _, err := r.client.From(tableAppointments).
		Select("*", "", false).
		Eq("specialist_id", specialistID.String()).
		Order("appointment_date", &postgrest.OrderOpts{Ascending: true}).
		Order("appointment_time", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, err
	}
	return decodeAppointments(data)
}

func (r *appointmentRepoSupabase) list(filter func(*postgrest.FilterBuilder) *postgrest.FilterBuilder, limit, offset int) ([]*Appointment, int, error) {
	if limit <= 0 {
		return []*Appointment{}, 0, nil
	}
	query := filter(r.client.From(tableAppointments).Select("*", "exact", false))
	data, count, err := query.
		Order("appointment_date", &postgrest.OrderOpts{Ascending: false}).
		Order("appointment_time", &postgrest.OrderOpts{Ascending: false}).
		Range(offset, offset+limit-1, "").
		Execute()
	if err != nil {
		return nil, 0, err
	}
	items, err := decodeAppointments(data)
	if err != nil {
		return nil, 0, err
	}
	return items, int(count), nil
}

func eqFilter(column, value string) func(*postgrest.FilterBuilder) *postgrest.FilterBuilder {
	return func(q *postgrest.FilterBuilder) *postgrest.FilterBuilder { return q.Eq(column, value) }
}

func (r *appointmentRepoSupabase) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(eqFilter("patient_id", patientID.String()), limit, offset)
}

func (r *appointmentRepoSupabase) ListBySpecialist(_ context.Context, specialistID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(eqFilter("specialist_id", specialistID.String()), limit, offset)
}

func (r *appointmentRepoSupabase) ListAll(_ context.Context, status slotengine.Status, limit, offset int) ([]*Appointment, int, error) {
	if status == 0 {
		return r.list(func(q *postgrest.FilterBuilder) *postgrest.FilterBuilder { return q }, limit, offset)
	}
	return r.list(eqFilter("status_id", strconv.Itoa(int(status))), limit, offset)
}

// updateValues renders upd as the PATCH body PostgREST expects.
func updateValues(upd AppointmentUpdate) map[string]interface{} {
	values := map[string]interface{}{"updated_at": "now"}
	if upd.StatusID != nil {
		values["status_id"] = int(*upd.StatusID)
	}
	if upd.CancellationReason != nil {
		values["cancellation_reason"] = *upd.CancellationReason
	}
	if upd.RejectionReason != nil {
		values["rejection_reason"] = *upd.RejectionReason
	}
	if upd.SpecialistReview != nil {
		values["specialist_review"] = *upd.SpecialistReview
	}
	if upd.PatientFeedback != nil {
		values["patient_feedback"] = *upd.PatientFeedback
	}
	if upd.PatientRating != nil {
		values["patient_rating"] = *upd.PatientRating
	}
	if upd.SurveyCompleted != nil {
		values["survey_completed"] = *upd.SurveyCompleted
	}
	if upd.SurveyAnswers != nil {
		values["survey_answers"] = upd.SurveyAnswers
	}
	return values
}

func (r *appointmentRepoSupabase) Update(_ context.Context, id uuid.UUID, guard UpdateGuard, upd AppointmentUpdate) (*Appointment, error) {
	query := r.client.From(tableAppointments).
		Update(updateValues(upd), "representation", "").
		Eq("id", id.String())

	if len(guard.FromStatuses) > 0 {
		from := make([]string, len(guard.FromStatuses))
		for i, s := range guard.FromStatuses {
			from[i] = strconv.Itoa(int(s))
		}
		query = query.In("status_id", from)
	}
	if guard.RatingUnset {
		query = query.Is("patient_rating", "null")
	}
	if guard.SurveyPending {
		query = query.Eq("survey_completed", "false").Not("specialist_review", "is", "null")
	}

	data, _, err := query.Execute()
	if err != nil {
		return nil, err
	}
	items, err := decodeAppointments(data)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrConcurrentUpdate
	}
	return items[0], nil
}
