package scheduling

import (
	"context"

	"github.com/google/uuid"

	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
)

type AvailabilityRepository interface {
	Create(ctx context.Context, w *AvailabilityWindow) error
	GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// ListBySpecialist returns every window, ordered by day and start time.
	ListBySpecialist(ctx context.Context, specialistID uuid.UUID) ([]*AvailabilityWindow, error)
	ListActive(ctx context.Context, specialistID uuid.UUID, specialtyID int) ([]*AvailabilityWindow, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListForSpecialist returns all appointments regardless of status. It
	// must read from the store on every call.
	ListForSpecialist(ctx context.Context, specialistID uuid.UUID) ([]*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListBySpecialist(ctx context.Context, specialistID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	// ListAll pages through every appointment, newest first. A zero status
	// matches any status.
	ListAll(ctx context.Context, status slotengine.Status, limit, offset int) ([]*Appointment, int, error)
	// Update applies upd when the row matches guard and returns the new row.
	// It returns ErrConcurrentUpdate when no row matches.
	Update(ctx context.Context, id uuid.UUID, guard UpdateGuard, upd AppointmentUpdate) (*Appointment, error)
}
