package scheduling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore backs all three repositories in memory. Create enforces the
// active-slot uniqueness the database index provides.
type memStore struct {
	mu           sync.Mutex
	doctors      map[uuid.UUID]*Doctor
	windows      map[uuid.UUID]*AvailabilityWindow
	appts        map[uuid.UUID]*Appointment
	doctorLoads  int
	windowLoads  int
	failNextList error

	// rowLocks stand in for doctor row locks; lockWait, when set, is
	// signalled each time an appointment insert has to wait for one.
	rowLocks         map[uuid.UUID]*sync.Mutex
	lockWait         chan struct{}
	afterCountActive func()
}

func newMemStore() *memStore {
	return &memStore{
		doctors:  make(map[uuid.UUID]*Doctor),
		windows:  make(map[uuid.UUID]*AvailabilityWindow),
		appts:    make(map[uuid.UUID]*Appointment),
		rowLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *memStore) rowLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rowLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[id] = m
	}
	return m
}

type memDoctors struct{ s *memStore }
type memWindows struct{ s *memStore }
type memAppts struct{ s *memStore }

func (s *memStore) doctorRepo() DoctorRepository           { return memDoctors{s} }
func (s *memStore) windowRepo() WindowRepository           { return memWindows{s} }
func (s *memStore) appointmentRepo() AppointmentRepository { return memAppts{s} }

// passthroughTx runs fn directly; memStore methods are individually atomic.
type passthroughTx struct{}

func (passthroughTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type txLocksKey struct{}

type txLocks struct{ held []*sync.Mutex }

// lockingTx keeps row locks taken by GetForUpdate until fn returns, the way
// a database transaction does.
type lockingTx struct{}

func (lockingTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tl := &txLocks{}
	defer func() {
		for _, m := range tl.held {
			m.Unlock()
		}
	}()
	return fn(context.WithValue(ctx, txLocksKey{}, tl))
}

// -- doctors --

func (r memDoctors) Create(_ context.Context, d *Doctor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.doctors[d.ID]; ok {
		return fmt.Errorf("%w: doctor profile already exists", ErrConflict)
	}
	d.VersionID = 1
	d.CreatedAt, d.UpdatedAt = time.Now(), time.Now()
	cp := *d
	r.s.doctors[d.ID] = &cp
	return nil
}

func (r memDoctors) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.doctorLoads++
	d, ok := r.s.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (r memDoctors) GetForUpdate(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	m := r.s.rowLock(id)
	m.Lock()
	if tl, ok := ctx.Value(txLocksKey{}).(*txLocks); ok {
		tl.held = append(tl.held, m)
	} else {
		m.Unlock()
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (r memDoctors) Update(_ context.Context, d *Doctor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.doctors[d.ID]
	if !ok || cur.VersionID != d.VersionID {
		return ErrStaleVersion
	}
	d.VersionID++
	d.UpdatedAt = time.Now()
	cp := *d
	r.s.doctors[d.ID] = &cp
	return nil
}

func (r memDoctors) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.doctors[id]; !ok {
		return ErrDoctorNotFound
	}
	delete(r.s.doctors, id)
	for wid, w := range r.s.windows {
		if w.DoctorID == id {
			delete(r.s.windows, wid)
		}
	}
	for aid, a := range r.s.appts {
		if a.DoctorID == id {
			delete(r.s.appts, aid)
		}
	}
	return nil
}

func (r memDoctors) List(_ context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*Doctor
	for _, d := range r.s.doctors {
		if f.Specialization != "" && !strings.EqualFold(d.Specialization, f.Specialization) {
			continue
		}
		if f.Available != nil && d.Available != *f.Available {
			continue
		}
		cp := *d
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DisplayName < all[j].DisplayName })
	return page(all, limit, offset), len(all), nil
}

// -- windows --

func (r memWindows) Create(_ context.Context, w *AvailabilityWindow) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.doctors[w.DoctorID]; !ok {
		return ErrDoctorNotFound
	}
	if r.overlapsLocked(w) {
		return ErrWindowOverlap
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	cp := *w
	r.s.windows[w.ID] = &cp
	return nil
}

func (r memWindows) overlapsLocked(w *AvailabilityWindow) bool {
	for _, o := range r.s.windows {
		if o.ID != w.ID && o.DoctorID == w.DoctorID && w.Overlaps(o) {
			return true
		}
	}
	return false
}

func (r memWindows) GetByID(_ context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.windows[id]
	if !ok {
		return nil, ErrWindowNotFound
	}
	cp := *w
	return &cp, nil
}

func (r memWindows) Update(_ context.Context, w *AvailabilityWindow) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.windows[w.ID]; !ok {
		return ErrWindowNotFound
	}
	if r.overlapsLocked(w) {
		return ErrWindowOverlap
	}
	cp := *w
	r.s.windows[w.ID] = &cp
	return nil
}

func (r memWindows) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.windows[id]; !ok {
		return ErrWindowNotFound
	}
	delete(r.s.windows, id)
	return nil
}

func (r memWindows) ListByDoctor(_ context.Context, doctorID uuid.UUID) ([]*AvailabilityWindow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.windowLoads++
	if err := r.s.failNextList; err != nil {
		r.s.failNextList = nil
		return nil, err
	}
	items := []*AvailabilityWindow{}
	for _, w := range r.s.windows {
		if w.DoctorID == doctorID {
			cp := *w
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Weekday != items[j].Weekday {
			return items[i].Weekday < items[j].Weekday
		}
		return items[i].StartTime < items[j].StartTime
	})
	return items, nil
}

// -- appointments --

func (r memAppts) activeAtLocked(doctorID uuid.UUID, date Date, t ClockTime, exclude uuid.UUID) bool {
	for _, a := range r.s.appts {
		if a.ID != exclude && a.DoctorID == doctorID && a.Date == date && a.Time == t && a.Status.Active() {
			return true
		}
	}
	return false
}

func (r memAppts) Create(_ context.Context, a *Appointment) error {
	// The foreign key check waits for a doctor row locked for update.
	m := r.s.rowLock(a.DoctorID)
	if !m.TryLock() {
		if r.s.lockWait != nil {
			r.s.lockWait <- struct{}{}
		}
		m.Lock()
	}
	m.Unlock()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.doctors[a.DoctorID]; !ok {
		return ErrDoctorNotFound
	}
	if a.Status.Active() && r.activeAtLocked(a.DoctorID, a.Date, a.Time, a.ID) {
		return ErrSlotAlreadyBooked
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.VersionID = 1
	a.CreatedAt, a.UpdatedAt = time.Now(), time.Now()
	cp := *a
	r.s.appts[a.ID] = &cp
	return nil
}

func (r memAppts) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r memAppts) Update(_ context.Context, a *Appointment, expectedVersion int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.appts[a.ID]
	if !ok || cur.VersionID != expectedVersion {
		return ErrStaleVersion
	}
	if a.Status.Active() && r.activeAtLocked(a.DoctorID, a.Date, a.Time, a.ID) {
		return ErrSlotAlreadyBooked
	}
	a.VersionID = expectedVersion + 1
	a.UpdatedAt = time.Now()
	cp := *a
	r.s.appts[a.ID] = &cp
	return nil
}

func (r memAppts) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if cur.Status != from {
		return nil, fmt.Errorf("%w: appointment status changed concurrently", ErrConflict)
	}
	cur.Status = to
	cur.VersionID++
	cur.UpdatedAt = time.Now()
	cp := *cur
	return &cp, nil
}

func (r memAppts) ExistsActive(_ context.Context, doctorID uuid.UUID, date Date, t ClockTime, exclude uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.activeAtLocked(doctorID, date, t, exclude), nil
}

func (r memAppts) ActiveTimes(_ context.Context, doctorID uuid.UUID, date Date) ([]ClockTime, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var times []ClockTime
	for _, a := range r.s.appts {
		if a.DoctorID == doctorID && a.Date == date && a.Status.Active() {
			times = append(times, a.Time)
		}
	}
	return times, nil
}

func (r memAppts) list(match func(*Appointment) bool, limit, offset int) ([]*Appointment, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*Appointment
	for _, a := range r.s.appts {
		if match(a) {
			cp := *a
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Date != all[j].Date {
			return all[j].Date.Before(all[i].Date)
		}
		return all[i].Time > all[j].Time
	})
	return page(all, limit, offset), len(all), nil
}

func (r memAppts) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(func(a *Appointment) bool { return a.PatientID == patientID }, limit, offset)
}

func (r memAppts) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(func(a *Appointment) bool { return a.DoctorID == doctorID }, limit, offset)
}

func (r memAppts) CountByStatus(_ context.Context, doctorID uuid.UUID) (map[Status]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[Status]int)
	for _, a := range r.s.appts {
		if a.DoctorID == doctorID {
			counts[a.Status]++
		}
	}
	return counts, nil
}

func (r memAppts) CountActiveFrom(_ context.Context, doctorID uuid.UUID, date Date, t ClockTime) (int, error) {
	r.s.mu.Lock()
	n := 0
	for _, a := range r.s.appts {
		if a.DoctorID != doctorID || !a.Status.Active() {
			continue
		}
		if a.Date.After(date) || (a.Date == date && a.Time >= t) {
			n++
		}
	}
	hook := r.s.afterCountActive
	r.s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return n, nil
}

func (s *memStore) activeCount(doctorID uuid.UUID, date Date, t ClockTime) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.appts {
		if a.DoctorID == doctorID && a.Date == date && a.Time == t && a.Status.Active() {
			n++
		}
	}
	return n
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}
