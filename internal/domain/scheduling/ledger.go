package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// slotLocks serialises work on one (doctor, date, time) key inside this
// process. The storage unique index still arbitrates between processes.
type slotLocks struct {
	mu    sync.Mutex
	locks map[slotKey]*slotLock
}

type slotKey struct {
	doctor uuid.UUID
	date   Date
	time   ClockTime
}

type slotLock struct {
	sync.Mutex
	refs int
}

func newSlotLocks() *slotLocks {
	return &slotLocks{locks: make(map[slotKey]*slotLock)}
}

// lock blocks until key is free and returns the release func.
func (s *slotLocks) lock(key slotKey) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &slotLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *slotLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

// Ledger is the authoritative record of appointments: it detects slot
// conflicts, reserves slots and drives the status state machine.
type Ledger struct {
	appts  AppointmentRepository
	tx     Transactor
	locks  *slotLocks
	loc    *time.Location
	now    func() time.Time
	notify *notifier
}

type ReserveRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      Date
	Time      ClockTime
	Type      AppointmentType
	Reason    string
}

// Conflicts reports whether an active appointment occupies the slot.
func (l *Ledger) Conflicts(ctx context.Context, doctorID uuid.UUID, date Date, t ClockTime) (bool, error) {
	return l.appts.ExistsActive(ctx, doctorID, date, t, uuid.Nil)
}

// Reserve inserts a pending appointment if the slot is free. Concurrent
// reservations of the same slot yield exactly one winner; the others get
// ErrSlotAlreadyBooked.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (*Appointment, error) {
	unlock := l.locks.lock(slotKey{req.DoctorID, req.Date, req.Time})
	defer unlock()

	var appt *Appointment
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		taken, err := l.appts.ExistsActive(ctx, req.DoctorID, req.Date, req.Time, uuid.Nil)
		if err != nil {
			return fmt.Errorf("check slot: %w", err)
		}
		if taken {
			return ErrSlotAlreadyBooked
		}

		a := &Appointment{
			ID:        uuid.New(),
			PatientID: req.PatientID,
			DoctorID:  req.DoctorID,
			Date:      req.Date,
			Time:      req.Time,
			Type:      req.Type,
			Reason:    req.Reason,
			Status:    StatusPending,
		}
		if err := l.appts.Create(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// move rewrites a with a possibly different slot, holding the lock for the
// destination slot. expectedVersion guards against a stale client.
func (l *Ledger) move(ctx context.Context, a *Appointment, expectedVersion int) error {
	unlock := l.locks.lock(slotKey{a.DoctorID, a.Date, a.Time})
	defer unlock()

	return l.tx.WithinTx(ctx, func(ctx context.Context) error {
		taken, err := l.appts.ExistsActive(ctx, a.DoctorID, a.Date, a.Time, a.ID)
		if err != nil {
			return fmt.Errorf("check slot: %w", err)
		}
		if taken {
			return ErrSlotAlreadyBooked
		}
		return l.appts.Update(ctx, a, expectedVersion)
	})
}

// Transition applies a status change on behalf of actor. Cancelling an
// already cancelled appointment succeeds without writing.
func (l *Ledger) Transition(ctx context.Context, actor Actor, appointmentID uuid.UUID, to Status) (*Appointment, error) {
	var (
		updated *Appointment
		from    Status
	)
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := l.appts.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		p := a.partyOf(actor)
		if p == partyNone {
			return ErrAppointmentNotFound
		}
		if a.Status == StatusCancelled && to == StatusCancelled {
			updated = a
			return nil
		}
		if err := checkTransition(p, a.Status, to, a.StartsAt(l.loc), l.now()); err != nil {
			return err
		}

		from = a.Status
		updated, err = l.appts.UpdateStatus(ctx, a.ID, from, to)
		return err
	})
	if err != nil {
		return nil, err
	}
	if from != "" {
		l.notify.transitioned(ctx, updated, from)
	}
	return updated, nil
}

// Cancel frees the appointment's slot.
func (l *Ledger) Cancel(ctx context.Context, actor Actor, appointmentID uuid.UUID) (*Appointment, error) {
	return l.Transition(ctx, actor, appointmentID, StatusCancelled)
}

// checkTransition enforces the lifecycle:
//
//	pending   -> confirmed  doctor
//	pending   -> cancelled  patient or doctor, before the start time
//	confirmed -> cancelled  patient or doctor, before the start time
//	confirmed -> completed  doctor, at or after the start time
//
// cancelled and completed are terminal. Admins act as either party.
func checkTransition(p party, from, to Status, start, now time.Time) error {
	if from.Terminal() {
		return &InvalidTransitionError{From: from, To: to, Reason: fmt.Sprintf("%s is final", from)}
	}

	switch {
	case from == StatusPending && to == StatusConfirmed:
		if p != partyDoctor && p != partyAdmin {
			return forbiddenf("only the doctor can confirm an appointment")
		}
	case from.Active() && to == StatusCancelled:
		if !now.Before(start) {
			return fmt.Errorf("%w: appointments can only be cancelled before they start", ErrPastDateTime)
		}
	case from == StatusConfirmed && to == StatusCompleted:
		if p != partyDoctor && p != partyAdmin {
			return forbiddenf("only the doctor can complete an appointment")
		}
		if now.Before(start) {
			return &InvalidTransitionError{From: from, To: to, Reason: "appointment has not started yet"}
		}
	default:
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
