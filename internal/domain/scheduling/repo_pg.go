package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const microsPerMinute = 60 * 1000 * 1000

func toPGTime(t slotengine.TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * microsPerMinute, Valid: true}
}

func fromPGTime(t pgtype.Time) slotengine.TimeOfDay {
	return slotengine.TimeOfDay(t.Microseconds / microsPerMinute)
}

func toPGDate(d Date) pgtype.Date {
	return pgtype.Date{Time: d.Time, Valid: true}
}

// =========== Availability Repository ===========

type availabilityRepoPG struct{ db queryable }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{db: pool}
}

const windowCols = `id, specialist_id, specialty_id, day_of_week, start_time, end_time, is_active, created_at`

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	var start, end pgtype.Time
	err := row.Scan(&w.ID, &w.SpecialistID, &w.SpecialtyID, &w.DayOfWeek, &start, &end, &w.IsActive, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWindowNotFound
		}
		return nil, err
	}
	w.StartTime = fromPGTime(start)
	w.EndTime = fromPGTime(end)
	return &w, nil
}

func (r *availabilityRepoPG) Create(ctx context.Context, w *AvailabilityWindow) error {
	w.ID = uuid.New()
	return r.db.QueryRow(ctx, `
		INSERT INTO specialist_availability (id, specialist_id, specialty_id, day_of_week, start_time, end_time, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		w.ID, w.SpecialistID, w.SpecialtyID, w.DayOfWeek, toPGTime(w.StartTime), toPGTime(w.EndTime), w.IsActive,
	).Scan(&w.CreatedAt)
}

func (r *availabilityRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	return scanWindow(r.db.QueryRow(ctx, `SELECT `+windowCols+` FROM specialist_availability WHERE id = $1`, id))
}

func (r *availabilityRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM specialist_availability WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWindowNotFound
	}
	return nil
}

func (r *availabilityRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*AvailabilityWindow, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*AvailabilityWindow{}
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (r *availabilityRepoPG) ListBySpecialist(ctx context.Context, specialistID uuid.UUID) ([]*AvailabilityWindow, error) {
	return r.list(ctx, `SELECT `+windowCols+` FROM specialist_availability
		WHERE specialist_id = $1 ORDER BY day_of_week, start_time`, specialistID)
}

func (r *availabilityRepoPG) ListActive(ctx context.Context, specialistID uuid.UUID, specialtyID int) ([]*AvailabilityWindow, error) {
	return r.list(ctx, `SELECT `+windowCols+` FROM specialist_availability
		WHERE specialist_id = $1 AND specialty_id = $2 AND is_active
		ORDER BY day_of_week, start_time`, specialistID, specialtyID)
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ db queryable }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{db: pool}
}

const apptCols = `id, patient_id, specialist_id, specialty_id, status_id,
	appointment_date, appointment_time, duration_minutes,
	cancellation_reason, rejection_reason, specialist_review, patient_feedback,
	patient_rating, survey_completed, survey_answers, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status int
	var date pgtype.Date
	var at pgtype.Time
	var answers []byte
	err := row.Scan(&a.ID, &a.PatientID, &a.SpecialistID, &a.SpecialtyID, &status,
		&date, &at, &a.DurationMinutes,
		&a.CancellationReason, &a.RejectionReason, &a.SpecialistReview, &a.PatientFeedback,
		&a.PatientRating, &a.SurveyCompleted, &answers, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a.StatusID = slotengine.Status(status)
	a.AppointmentDate = DateOf(date.Time)
	a.AppointmentTime = fromPGTime(at)
	if len(answers) > 0 {
		a.SurveyAnswers = answers
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	return r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, specialist_id, specialty_id, status_id,
			appointment_date, appointment_time, duration_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.SpecialistID, a.SpecialtyID, int(a.StatusID),
		toPGDate(a.AppointmentDate), toPGTime(a.AppointmentTime), a.DurationMinutes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.db.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) collect(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	items := []*Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) ListForSpecialist(ctx context.Context, specialistID uuid.UUID) ([]*Appointment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE specialist_id = $1 ORDER BY appointment_date, appointment_time`, specialistID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *appointmentRepoPG) listBy(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+apptCols+` FROM appointments WHERE `+column+` = $1
		ORDER BY appointment_date DESC, appointment_time DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// statusFilter renders the optional status condition of ListAll.
func statusFilter(status slotengine.Status) (string, []interface{}) {
	if status == 0 {
		return "", nil
	}
	return " WHERE status_id = $1", []interface{}{int(status)}
}

func (r *appointmentRepoPG) ListAll(ctx context.Context, status slotengine.Status, limit, offset int) ([]*Appointment, int, error) {
	where, args := statusFilter(status)
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	rows, err := r.db.Query(ctx, `SELECT `+apptCols+` FROM appointments`+where+
		fmt.Sprintf(` ORDER BY appointment_date DESC, appointment_time DESC LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.listBy(ctx, "patient_id", patientID, limit, offset)
}

func (r *appointmentRepoPG) ListBySpecialist(ctx context.Context, specialistID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.listBy(ctx, "specialist_id", specialistID, limit, offset)
}

// updateSQL builds the guarded UPDATE statement. $1 is always the id.
func updateSQL(guard UpdateGuard, upd AppointmentUpdate) (string, []interface{}) {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{nil}
	idx := 2

	set := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, v)
		idx++
	}
	if upd.StatusID != nil {
		set("status_id", int(*upd.StatusID))
	}
	if upd.CancellationReason != nil {
		set("cancellation_reason", *upd.CancellationReason)
	}
	if upd.RejectionReason != nil {
		set("rejection_reason", *upd.RejectionReason)
	}
	if upd.SpecialistReview != nil {
		set("specialist_review", *upd.SpecialistReview)
	}
	if upd.PatientFeedback != nil {
		set("patient_feedback", *upd.PatientFeedback)
	}
	if upd.PatientRating != nil {
		set("patient_rating", *upd.PatientRating)
	}
	if upd.SurveyCompleted != nil {
		set("survey_completed", *upd.SurveyCompleted)
	}
	if upd.SurveyAnswers != nil {
		set("survey_answers", []byte(upd.SurveyAnswers))
	}

	where := []string{"id = $1"}
	if len(guard.FromStatuses) > 0 {
		from := make([]int32, len(guard.FromStatuses))
		for i, s := range guard.FromStatuses {
			from[i] = int32(s)
		}
		where = append(where, fmt.Sprintf("status_id = ANY($%d)", idx))
		args = append(args, from)
		idx++
	}
	if guard.RatingUnset {
		where = append(where, "patient_rating IS NULL")
	}
	if guard.SurveyPending {
		where = append(where, "survey_completed = FALSE", "specialist_review IS NOT NULL")
	}

	query := `UPDATE appointments SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + apptCols
	return query, args
}

func (r *appointmentRepoPG) Update(ctx context.Context, id uuid.UUID, guard UpdateGuard, upd AppointmentUpdate) (*Appointment, error) {
	query, args := updateSQL(guard, upd)
	args[0] = id
	a, err := scanAppointment(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrConcurrentUpdate
	}
	return a, err
}
