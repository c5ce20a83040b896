package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// DoctorFilter narrows ListDoctors. Zero values match everything.
type DoctorFilter struct {
	Specialization string
	Available      *bool
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	// GetByID returns ErrDoctorNotFound when no profile exists.
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	// GetForUpdate is GetByID plus a row lock held until the surrounding
	// transaction ends. Appointment inserts for the doctor wait on it.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Doctor, error)
	// Update applies d when d.VersionID matches storage, bumping the version.
	Update(ctx context.Context, d *Doctor) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error)
}

type WindowRepository interface {
	// Create and Update return ErrWindowOverlap when storage rejects an overlap.
	Create(ctx context.Context, w *AvailabilityWindow) error
	GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error)
	Update(ctx context.Context, w *AvailabilityWindow) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*AvailabilityWindow, error)
}

type AppointmentRepository interface {
	// Create returns ErrSlotAlreadyBooked when another active appointment
	// holds the same doctor, date and time.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Update writes every mutable field if storage still holds
	// expectedVersion, else ErrStaleVersion.
	Update(ctx context.Context, a *Appointment, expectedVersion int) error
	// UpdateStatus moves from -> to only if the stored status is still from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
	// ExistsActive reports whether an active appointment other than exclude
	// occupies the slot.
	ExistsActive(ctx context.Context, doctorID uuid.UUID, date Date, t ClockTime, exclude uuid.UUID) (bool, error)
	ActiveTimes(ctx context.Context, doctorID uuid.UUID, date Date) ([]ClockTime, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	CountByStatus(ctx context.Context, doctorID uuid.UUID) (map[Status]int, error)
	// CountActiveFrom counts active appointments at or after (date, t).
	CountActiveFrom(ctx context.Context, doctorID uuid.UUID, date Date, t ClockTime) (int, error)
}

// Transactor runs fn atomically. Repository calls made with the ctx passed to
// fn join the transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
