package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AvailabilityIndex caches each doctor's profile and weekly windows keyed by
// weekday. Entries load on first use and are dropped by Invalidate whenever a
// window or profile changes; ttl bounds staleness when another process made
// the change.
type AvailabilityIndex struct {
	doctors DoctorRepository
	windows WindowRepository
	ttl     time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	entries map[uuid.UUID]*indexEntry
	gen     map[uuid.UUID]uint64
}

type indexEntry struct {
	doctor    *Doctor
	byWeekday [7][]*AvailabilityWindow
	loadedAt  time.Time
}

func NewAvailabilityIndex(doctors DoctorRepository, windows WindowRepository, ttl time.Duration) *AvailabilityIndex {
	return &AvailabilityIndex{
		doctors: doctors,
		windows: windows,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]*indexEntry),
		gen:     make(map[uuid.UUID]uint64),
	}
}

// Windows returns the open windows on date's weekday ordered by start. The
// result is empty when the doctor is switched off.
func (ix *AvailabilityIndex) Windows(ctx context.Context, doctorID uuid.UUID, date Date) ([]*AvailabilityWindow, error) {
	e, err := ix.entry(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !e.doctor.Available {
		return []*AvailabilityWindow{}, nil
	}
	return e.byWeekday[date.Weekday()], nil
}

// Doctor returns the cached profile.
func (ix *AvailabilityIndex) Doctor(ctx context.Context, doctorID uuid.UUID) (*Doctor, error) {
	e, err := ix.entry(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return e.doctor, nil
}

// Invalidate drops the doctor's entry. A load racing with Invalidate is
// returned to its caller but not cached.
func (ix *AvailabilityIndex) Invalidate(doctorID uuid.UUID) {
	ix.mu.Lock()
	delete(ix.entries, doctorID)
	ix.gen[doctorID]++
	ix.mu.Unlock()
}

func (ix *AvailabilityIndex) entry(ctx context.Context, doctorID uuid.UUID) (*indexEntry, error) {
	ix.mu.RLock()
	e, ok := ix.entries[doctorID]
	gen := ix.gen[doctorID]
	ix.mu.RUnlock()
	if ok && (ix.ttl <= 0 || ix.now().Sub(e.loadedAt) < ix.ttl) {
		return e, nil
	}

	e, err := ix.load(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	ix.mu.Lock()
	if ix.gen[doctorID] == gen {
		ix.entries[doctorID] = e
	}
	ix.mu.Unlock()
	return e, nil
}

func (ix *AvailabilityIndex) load(ctx context.Context, doctorID uuid.UUID) (*indexEntry, error) {
	doc, err := ix.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	windows, err := ix.windows.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	e := &indexEntry{doctor: doc, loadedAt: ix.now()}
	for _, w := range windows {
		if !w.IsAvailable || w.Weekday < 0 || w.Weekday > 6 {
			continue
		}
		e.byWeekday[w.Weekday] = append(e.byWeekday[w.Weekday], w)
	}
	for day := range e.byWeekday {
		ws := e.byWeekday[day]
		sort.Slice(ws, func(i, j int) bool { return ws[i].StartTime < ws[j].StartTime })
	}
	return e, nil
}
