package scheduling

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service manages doctor profiles, availability windows and appointment
// reads. Writes that affect availability invalidate the scheduler's index.
type Service struct {
	doctors DoctorRepository
	windows WindowRepository
	appts   AppointmentRepository
	tx      Transactor
	sched   *Scheduler
}

func NewService(doctors DoctorRepository, windows WindowRepository, appts AppointmentRepository, tx Transactor, sched *Scheduler) *Service {
	return &Service{doctors: doctors, windows: windows, appts: appts, tx: tx, sched: sched}
}

// -- Doctor profile --

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	f.Specialization = strings.TrimSpace(f.Specialization)
	return s.doctors.List(ctx, f, limit, offset)
}

// EnsureDoctorProfile returns the doctor's profile, creating one with
// defaults on first access.
func (s *Service) EnsureDoctorProfile(ctx context.Context, id uuid.UUID, displayName string) (*Doctor, error) {
	doc, err := s.doctors.GetByID(ctx, id)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrDoctorNotFound) {
		return nil, err
	}

	doc = newDoctorProfile(id, displayName)
	if err := s.doctors.Create(ctx, doc); err != nil {
		// Lost a race with a concurrent first access.
		if existing, getErr := s.doctors.GetByID(ctx, id); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return doc, nil
}

// DoctorUpdate carries the editable profile fields. Nil keeps the value.
type DoctorUpdate struct {
	VersionID       *int             `json:"version_id"`
	DisplayName     *string          `json:"display_name"`
	Specialization  *string          `json:"specialization"`
	ExperienceYears *int             `json:"experience_years"`
	ConsultationFee *decimal.Decimal `json:"consultation_fee"`
	Bio             *string          `json:"bio"`
	Available       *bool            `json:"available"`
	SlotMinutes     *int             `json:"slot_minutes"`
}

func (s *Service) UpdateDoctorProfile(ctx context.Context, id uuid.UUID, u DoctorUpdate) (*Doctor, error) {
	doc, err := s.doctors.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.VersionID != nil && *u.VersionID != doc.VersionID {
		return nil, ErrStaleVersion
	}

	if u.DisplayName != nil {
		doc.DisplayName = strings.TrimSpace(*u.DisplayName)
	}
	if u.Specialization != nil {
		doc.Specialization = strings.TrimSpace(*u.Specialization)
	}
	if u.ExperienceYears != nil {
		doc.ExperienceYears = *u.ExperienceYears
	}
	if u.ConsultationFee != nil {
		doc.ConsultationFee = *u.ConsultationFee
	}
	if u.Bio != nil {
		doc.Bio = *u.Bio
	}
	if u.Available != nil {
		doc.Available = *u.Available
	}
	if u.SlotMinutes != nil {
		doc.SlotMinutes = *u.SlotMinutes
	}
	if err := validateDoctor(doc); err != nil {
		return nil, err
	}

	if err := s.doctors.Update(ctx, doc); err != nil {
		return nil, err
	}
	s.sched.Index().Invalidate(id)
	return doc, nil
}

func validateDoctor(d *Doctor) error {
	if d.Specialization == "" {
		return validationErrorf("specialization is required")
	}
	if utf8.RuneCountInString(d.Specialization) > 100 {
		return validationErrorf("specialization exceeds 100 characters")
	}
	if d.ExperienceYears < 0 {
		return validationErrorf("experience_years must not be negative")
	}
	if d.ConsultationFee.IsNegative() {
		return validationErrorf("consultation_fee must not be negative")
	}
	if !d.ConsultationFee.Equal(d.ConsultationFee.Round(2)) {
		return validationErrorf("consultation_fee has more than two decimal places")
	}
	if d.ConsultationFee.GreaterThanOrEqual(maxConsultationFee) {
		return validationErrorf("consultation_fee is too large")
	}
	if d.Rating.IsNegative() || d.Rating.GreaterThan(maxRating) {
		return validationErrorf("rating must be between 0 and 5")
	}
	if d.SlotMinutes < 0 || d.SlotMinutes > 240 || (d.SlotMinutes > 0 && minutesPerDay%d.SlotMinutes != 0) {
		return validationErrorf("slot_minutes must be 0 or divide a day evenly, up to 240")
	}
	return nil
}

// DeleteDoctor removes the profile together with its windows and past
// appointments. It refuses while active appointments lie ahead, so patients
// are never left holding bookings with a doctor who no longer exists.
func (s *Service) DeleteDoctor(ctx context.Context, id uuid.UUID) error {
	now := s.sched.Now()
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// The row lock makes a booking that races this delete either land
		// before the count or fail its foreign key check after the delete.
		if _, err := s.doctors.GetForUpdate(ctx, id); err != nil {
			return err
		}
		n, err := s.appts.CountActiveFrom(ctx, id, DateOf(now), ClockOf(now))
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDoctorHasBookings
		}
		return s.doctors.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.sched.Index().Invalidate(id)
	return nil
}

// -- Availability windows --

// ListWindows returns every window, open or not, ordered by weekday and start.
func (s *Service) ListWindows(ctx context.Context, doctorID uuid.UUID) ([]*AvailabilityWindow, error) {
	if _, err := s.doctors.GetByID(ctx, doctorID); err != nil {
		return nil, err
	}
	return s.windows.ListByDoctor(ctx, doctorID)
}

func (s *Service) AddWindow(ctx context.Context, doctorID uuid.UUID, w *AvailabilityWindow) error {
	w.DoctorID = doctorID
	if err := validateWindow(w); err != nil {
		return err
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.doctors.GetByID(ctx, doctorID); err != nil {
			return err
		}
		if err := s.checkOverlap(ctx, w); err != nil {
			return err
		}
		w.ID = uuid.New()
		return s.windows.Create(ctx, w)
	})
	if err != nil {
		return err
	}
	s.sched.Index().Invalidate(doctorID)
	return nil
}

func (s *Service) UpdateWindow(ctx context.Context, doctorID uuid.UUID, w *AvailabilityWindow) error {
	w.DoctorID = doctorID
	if err := validateWindow(w); err != nil {
		return err
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := s.windows.GetByID(ctx, w.ID)
		if err != nil {
			return err
		}
		if existing.DoctorID != doctorID {
			return ErrWindowNotFound
		}
		if err := s.checkOverlap(ctx, w); err != nil {
			return err
		}
		return s.windows.Update(ctx, w)
	})
	if err != nil {
		return err
	}
	s.sched.Index().Invalidate(doctorID)
	return nil
}

func (s *Service) DeleteWindow(ctx context.Context, doctorID, windowID uuid.UUID) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := s.windows.GetByID(ctx, windowID)
		if err != nil {
			return err
		}
		if existing.DoctorID != doctorID {
			return ErrWindowNotFound
		}
		return s.windows.Delete(ctx, windowID)
	})
	if err != nil {
		return err
	}
	s.sched.Index().Invalidate(doctorID)
	return nil
}

func (s *Service) checkOverlap(ctx context.Context, w *AvailabilityWindow) error {
	existing, err := s.windows.ListByDoctor(ctx, w.DoctorID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID != w.ID && w.Overlaps(other) {
			return ErrWindowOverlap
		}
	}
	return nil
}

// -- Appointments --

// GetAppointment returns the appointment to either party or an admin. Anyone
// else sees ErrAppointmentNotFound.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.partyOf(actor) == partyNone {
		return nil, ErrAppointmentNotFound
	}
	return a, nil
}

// ListPatientAppointments orders by date then time, newest first.
func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appts.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) Dashboard(ctx context.Context, doctorID uuid.UUID, limit, offset int) (*Dashboard, error) {
	doc, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	items, total, err := s.appts.ListByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, err
	}
	counts, err := s.appts.CountByStatus(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	for _, st := range AllStatuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	if items == nil {
		items = []*Appointment{}
	}
	return &Dashboard{Doctor: doc, Appointments: items, Total: total, Counts: counts}, nil
}
