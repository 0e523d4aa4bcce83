//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/lock"
	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
	"github.com/clinic/clinic/migrations"
)

// globalPool is shared by every test in the package. Tests isolate their
// rows by using a fresh specialist id.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := databaseURL(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skipping integration tests: %v\n", err)
		os.Exit(0)
	}

	pool, err := db.NewPool(ctx, connStr, 8, 1, "UTC")
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// databaseURL prefers TEST_DATABASE_URL and falls back to a throwaway
// postgres container.
func databaseURL(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url, func() {}, nil
	}
	return startPostgresContainer(ctx)
}

// Monday 2030-01-07 07:00 UTC, before clinic opening.
var testNow = time.Date(2030, 1, 7, 7, 0, 0, 0, time.UTC)

const testSpecialty = 3

type fixture struct {
	svc          *scheduling.Service
	windows      scheduling.AvailabilityRepository
	appointments scheduling.AppointmentRepository
	specialist   uuid.UUID
	patient      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		windows:      scheduling.NewAvailabilityRepoPG(globalPool),
		appointments: scheduling.NewAppointmentRepoPG(globalPool),
		specialist:   uuid.New(),
		patient:      uuid.New(),
	}
	f.svc = scheduling.NewService(f.windows, f.appointments, lock.NewLocalLocker(), events.NewLogPublisher(zerolog.Nop()), scheduling.Config{
		Location: time.UTC,
		Clock:    slotengine.FixedClock(testNow),
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = globalPool.Exec(ctx, `DELETE FROM appointments WHERE specialist_id = $1`, f.specialist)
		_, _ = globalPool.Exec(ctx, `DELETE FROM specialist_availability WHERE specialist_id = $1`, f.specialist)
	})
	return f
}

// mondayMorning opens Monday 09:00-12:00 for the fixture's specialist.
func (f *fixture) mondayMorning(t *testing.T) *scheduling.AvailabilityWindow {
	t.Helper()
	w := &scheduling.AvailabilityWindow{
		SpecialistID: f.specialist,
		SpecialtyID:  testSpecialty,
		DayOfWeek:    int(time.Monday),
		StartTime:    slotengine.NewTimeOfDay(9, 0),
		EndTime:      slotengine.NewTimeOfDay(12, 0),
	}
	if err := f.svc.CreateWindow(context.Background(), w); err != nil {
		t.Fatalf("create window: %v", err)
	}
	return w
}

func (f *fixture) booking(date, at string) scheduling.BookingRequest {
	return scheduling.BookingRequest{
		PatientID:    f.patient,
		SpecialistID: f.specialist,
		SpecialtyID:  testSpecialty,
		Date:         date,
		Time:         at,
	}
}
