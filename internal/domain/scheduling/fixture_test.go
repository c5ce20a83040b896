package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/medweb/medweb/internal/platform/websocket"
)

// Sunday 2025-06-01 12:00 UTC; the next day is a Monday.
var (
	testNow    = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	testMonday = Date{2025, time.June, 2}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) byType(kind string) []websocket.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []websocket.Event
	for _, ev := range p.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

type recordingRecorder struct {
	mu          sync.Mutex
	bookings    map[string]int
	transitions map[string]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{bookings: map[string]int{}, transitions: map[string]int{}}
}

func (r *recordingRecorder) RecordBooking(outcome string) {
	r.mu.Lock()
	r.bookings[outcome]++
	r.mu.Unlock()
}

func (r *recordingRecorder) RecordTransition(from, to string) {
	r.mu.Lock()
	r.transitions[from+"->"+to]++
	r.mu.Unlock()
}

type fixture struct {
	store   *memStore
	clock   *fakeClock
	events  *recordingPublisher
	metrics *recordingRecorder
	sched   *Scheduler
	svc     *Service
	doctor  *Doctor
	patient Actor
}

// newFixture builds a scheduler over an in-memory store with one available
// doctor open Monday 09:00-12:00.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStore(),
		clock:   &fakeClock{t: testNow},
		events:  &recordingPublisher{},
		metrics: newRecordingRecorder(),
		patient: Actor{ID: uuid.New(), Role: RolePatient},
	}
	f.sched = NewScheduler(f.store.doctorRepo(), f.store.windowRepo(), f.store.appointmentRepo(), passthroughTx{}, Options{
		Location:    time.UTC,
		SlotStep:    30 * time.Minute,
		HorizonDays: 30,
		Now:         f.clock.Now,
		Logger:      zerolog.Nop(),
		Events:      f.events,
		Metrics:     f.metrics,
	})
	f.svc = NewService(f.store.doctorRepo(), f.store.windowRepo(), f.store.appointmentRepo(), passthroughTx{}, f.sched)
	f.doctor = f.addDoctor(t, "Dr. Smith")
	f.addWindow(t, f.doctor.ID, 0, "09:00", "12:00")
	return f
}

func (f *fixture) addDoctor(t *testing.T, name string) *Doctor {
	t.Helper()
	d := &Doctor{
		ID:              uuid.New(),
		DisplayName:     name,
		Specialization:  "General Physician",
		ExperienceYears: 10,
		ConsultationFee: decimal.RequireFromString("150.00"),
		Rating:          decimal.RequireFromString("4.50"),
		Available:       true,
	}
	if err := f.store.doctorRepo().Create(context.Background(), d); err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	return d
}

func (f *fixture) addWindow(t *testing.T, doctorID uuid.UUID, weekday int, start, end string) *AvailabilityWindow {
	t.Helper()
	w := &AvailabilityWindow{Weekday: weekday, StartTime: mustClock(t, start), EndTime: mustClock(t, end), IsAvailable: true}
	if err := f.svc.AddWindow(context.Background(), doctorID, w); err != nil {
		t.Fatalf("add window: %v", err)
	}
	return w
}

func (f *fixture) doctorActor() Actor {
	return Actor{ID: f.doctor.ID, Role: RoleDoctor}
}

func (f *fixture) book(t *testing.T, patient Actor, date Date, at string) *Appointment {
	t.Helper()
	a, err := f.sched.Book(context.Background(), BookRequest{
		DoctorID:  f.doctor.ID,
		PatientID: patient.ID,
		Date:      date,
		Time:      mustClock(t, at),
	})
	if err != nil {
		t.Fatalf("book %s %s: %v", date, at, err)
	}
	return a
}

func mustClock(t *testing.T, s string) ClockTime {
	t.Helper()
	c, err := ParseClockTime(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return c
}

func clocks(t *testing.T, ss ...string) []ClockTime {
	t.Helper()
	out := make([]ClockTime, len(ss))
	for i, s := range ss {
		out[i] = mustClock(t, s)
	}
	return out
}

func equalClocks(a, b []ClockTime) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
