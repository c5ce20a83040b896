package scheduling

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medweb/medweb/internal/platform/websocket"
)

// Options tune the Scheduler. Zero values fall back to the defaults noted.
type Options struct {
	// Location interprets appointment dates and times. Default UTC.
	Location *time.Location
	// SlotStep applies to doctors without their own slot length. Default 30m.
	SlotStep time.Duration
	// HorizonDays limits how far ahead bookings are accepted; 0 disables it.
	HorizonDays int
	// IndexTTL bounds how long cached availability may be served.
	IndexTTL time.Duration
	Now      func() time.Time
	Logger   zerolog.Logger
	Events   websocket.EventPublisher
	Metrics  Recorder
}

const defaultSlotStep = 30 * time.Minute

// Scheduler is the booking entry point. It combines the availability index
// with the ledger to list free slots and to book and move appointments.
type Scheduler struct {
	index    *AvailabilityIndex
	ledger   *Ledger
	appts    AppointmentRepository
	loc      *time.Location
	slotStep time.Duration
	horizon  int
	now      func() time.Time
	logger   zerolog.Logger
	notify   *notifier
}

func NewScheduler(doctors DoctorRepository, windows WindowRepository, appts AppointmentRepository, tx Transactor, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SlotStep <= 0 {
		opts.SlotStep = defaultSlotStep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}

	n := &notifier{events: opts.Events, metrics: opts.Metrics, logger: opts.Logger, now: opts.Now}
	index := NewAvailabilityIndex(doctors, windows, opts.IndexTTL)
	index.now = opts.Now

	return &Scheduler{
		index: index,
		ledger: &Ledger{
			appts:  appts,
			tx:     tx,
			locks:  newSlotLocks(),
			loc:    opts.Location,
			now:    opts.Now,
			notify: n,
		},
		appts:    appts,
		loc:      opts.Location,
		slotStep: opts.SlotStep,
		horizon:  opts.HorizonDays,
		now:      opts.Now,
		logger:   opts.Logger,
		notify:   n,
	}
}

func (s *Scheduler) Index() *AvailabilityIndex { return s.index }
func (s *Scheduler) Ledger() *Ledger            { return s.ledger }
func (s *Scheduler) Location() *time.Location   { return s.loc }

// Now is the current time in the clinic zone.
func (s *Scheduler) Now() time.Time { return s.now().In(s.loc) }

// FreeSlots lists bookable start times for the doctor on date, ascending.
// Times already past, and dates outside the booking horizon, yield nothing.
func (s *Scheduler) FreeSlots(ctx context.Context, doctorID uuid.UUID, date Date) ([]ClockTime, error) {
	doc, err := s.index.Doctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	windows, err := s.index.Windows(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}

	free := []ClockTime{}
	now := s.Now()
	today := DateOf(now)
	if len(windows) == 0 || date.Before(today) || s.beyondHorizon(date, today) {
		return free, nil
	}

	taken, err := s.appts.ActiveTimes(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	occupied := make(map[ClockTime]bool, len(taken))
	for _, t := range taken {
		occupied[t] = true
	}

	step := doc.slotStep(s.slotStep)
	for _, w := range windows {
		for _, t := range Catalog(w.StartTime, w.EndTime, step) {
			if occupied[t] || t.On(date, s.loc).Before(now) {
				continue
			}
			free = append(free, t)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i] < free[j] })
	return free, nil
}

type BookRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      Date
	Time      ClockTime
	Type      AppointmentType
	Reason    string
}

// Book re-validates the requested slot against current availability and
// bookings, then reserves it in the ledger.
func (s *Scheduler) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	appt, err := s.book(ctx, req)
	s.notify.booking(ctx, appt, err)
	return appt, err
}

func (s *Scheduler) book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if req.PatientID == uuid.Nil {
		return nil, validationErrorf("patient is required")
	}
	if req.Type == "" {
		req.Type = TypeClinic
	}
	if _, err := ParseAppointmentType(string(req.Type)); err != nil {
		return nil, err
	}
	if err := validateReason(req.Reason); err != nil {
		return nil, err
	}
	if err := s.checkSlot(ctx, req.DoctorID, req.Date, req.Time, uuid.Nil); err != nil {
		return nil, err
	}
	return s.ledger.Reserve(ctx, ReserveRequest(req))
}

// checkSlot runs the booking checks in order: doctor exists, slot not in the
// past, within the horizon, doctor available, time offered by a window, slot
// not held by an active appointment other than exclude.
func (s *Scheduler) checkSlot(ctx context.Context, doctorID uuid.UUID, date Date, t ClockTime, exclude uuid.UUID) error {
	doc, err := s.index.Doctor(ctx, doctorID)
	if err != nil {
		return err
	}

	now := s.Now()
	if t.On(date, s.loc).Before(now) {
		return ErrPastDateTime
	}
	if s.beyondHorizon(date, DateOf(now)) {
		return validationErrorf("appointments can be booked at most %d days ahead", s.horizon)
	}
	if !doc.Available {
		return ErrDoctorUnavailable
	}

	windows, err := s.index.Windows(ctx, doctorID, date)
	if err != nil {
		return err
	}
	step := doc.slotStep(s.slotStep)
	offered := false
	for _, w := range windows {
		if w.Offers(t, step) {
			offered = true
			break
		}
	}
	if !offered {
		return ErrSlotNotOffered
	}

	taken, err := s.appts.ExistsActive(ctx, doctorID, date, t, exclude)
	if err != nil {
		return err
	}
	if taken {
		return ErrSlotAlreadyBooked
	}
	return nil
}

func (s *Scheduler) beyondHorizon(date, today Date) bool {
	return s.horizon > 0 && date.After(today.AddDays(s.horizon))
}

// RescheduleRequest changes a patient's own appointment. Nil fields keep
// their current value.
type RescheduleRequest struct {
	Actor         Actor
	AppointmentID uuid.UUID
	VersionID     int
	DoctorID      *uuid.UUID
	Date          *Date
	Time          *ClockTime
	Type          *AppointmentType
	Reason        *string
}

// Reschedule lets the owning patient move an active appointment or edit its
// type and reason. A new slot passes the same checks as Book, and moving a
// confirmed appointment returns it to pending for the doctor to confirm again.
func (s *Scheduler) Reschedule(ctx context.Context, req RescheduleRequest) (*Appointment, error) {
	current, err := s.appts.GetByID(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	switch current.partyOf(req.Actor) {
	case partyPatient, partyAdmin:
	case partyDoctor:
		return nil, forbiddenf("only the patient can change an appointment")
	default:
		return nil, ErrAppointmentNotFound
	}
	if !current.Status.Active() {
		return nil, &InvalidTransitionError{From: current.Status, To: current.Status, Reason: "only pending or confirmed appointments can be changed"}
	}
	if req.VersionID != current.VersionID {
		return nil, ErrStaleVersion
	}

	next := *current
	if req.DoctorID != nil {
		next.DoctorID = *req.DoctorID
	}
	if req.Date != nil {
		next.Date = *req.Date
	}
	if req.Time != nil {
		next.Time = *req.Time
	}
	if req.Type != nil {
		t, err := ParseAppointmentType(string(*req.Type))
		if err != nil {
			return nil, err
		}
		next.Type = t
	}
	if req.Reason != nil {
		if err := validateReason(*req.Reason); err != nil {
			return nil, err
		}
		next.Reason = *req.Reason
	}

	moved := next.DoctorID != current.DoctorID || next.Date != current.Date || next.Time != current.Time
	if moved {
		if err := s.checkSlot(ctx, next.DoctorID, next.Date, next.Time, current.ID); err != nil {
			return nil, err
		}
		next.Status = StatusPending
		err = s.ledger.move(ctx, &next, current.VersionID)
	} else {
		err = s.appts.Update(ctx, &next, current.VersionID)
	}
	if err != nil {
		return nil, err
	}

	s.notify.rescheduled(ctx, &next, current.DoctorID)
	return &next, nil
}

// Transition and Cancel delegate to the ledger.
func (s *Scheduler) Transition(ctx context.Context, actor Actor, appointmentID uuid.UUID, to Status) (*Appointment, error) {
	return s.ledger.Transition(ctx, actor, appointmentID, to)
}

func (s *Scheduler) Cancel(ctx context.Context, actor Actor, appointmentID uuid.UUID) (*Appointment, error) {
	return s.ledger.Cancel(ctx, actor, appointmentID)
}
