package scheduling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is an appointment lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Active appointments occupy their slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

var AllStatuses = []Status{StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted}

type AppointmentType string

const (
	TypeVideo     AppointmentType = "video"
	TypeClinic    AppointmentType = "clinic"
	TypeEmergency AppointmentType = "emergency"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Actor is the caller on whose behalf an operation runs. Rights over an
// appointment follow from the actor's relation to it; Role only matters for
// admins.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Date is a calendar day in the clinic time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// Weekday numbers days 0 (Monday) through 6 (Sunday).
func (d Date) Weekday() int {
	return (int(d.In(time.UTC).Weekday()) + 6) % 7
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool { return d.In(time.UTC).Before(o.In(time.UTC)) }
func (d Date) After(o Date) bool  { return o.Before(d) }
func (d Date) IsZero() bool       { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return validationErrorf("date must be a string")
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ClockTime is a wall-clock time of day with minute precision, stored as
// minutes since midnight.
type ClockTime int

const minutesPerDay = 24 * 60

func NewClockTime(hour, minute int) ClockTime {
	return ClockTime(hour*60 + minute)
}

// ClockOf returns the time of day of t, truncated to the minute.
func ClockOf(t time.Time) ClockTime {
	return NewClockTime(t.Hour(), t.Minute())
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) Add(d time.Duration) ClockTime {
	return c + ClockTime(d/time.Minute)
}

// On combines c with the calendar day d in loc.
func (c ClockTime) On(d Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour(), c.Minute(), 0, 0, loc)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return validationErrorf("time must be a string")
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Doctor is a bookable practitioner. ID equals the doctor's user identity.
type Doctor struct {
	ID              uuid.UUID       `json:"id"`
	DisplayName     string          `json:"display_name"`
	Specialization  string          `json:"specialization"`
	ExperienceYears int             `json:"experience_years"`
	ConsultationFee decimal.Decimal `json:"consultation_fee"`
	Rating          decimal.Decimal `json:"rating"`
	Bio             string          `json:"bio"`
	Available       bool            `json:"available"`
	// SlotMinutes overrides the clinic slot length when positive.
	SlotMinutes int       `json:"slot_minutes"`
	VersionID   int       `json:"version_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (d *Doctor) slotStep(fallback time.Duration) time.Duration {
	if d.SlotMinutes > 0 {
		return time.Duration(d.SlotMinutes) * time.Minute
	}
	return fallback
}

var (
	defaultConsultationFee = decimal.RequireFromString("150.00")
	defaultRating          = decimal.RequireFromString("4.50")
	maxRating              = decimal.NewFromInt(5)
	maxConsultationFee     = decimal.NewFromInt(100_000_000)
)

const defaultSpecialization = "General"

// newDoctorProfile is the profile created on a doctor's first visit.
func newDoctorProfile(id uuid.UUID, displayName string) *Doctor {
	return &Doctor{
		ID:              id,
		DisplayName:     displayName,
		Specialization:  defaultSpecialization,
		ConsultationFee: defaultConsultationFee,
		Rating:          defaultRating,
		Available:       true,
	}
}

// AvailabilityWindow is a weekly open interval [StartTime, EndTime).
type AvailabilityWindow struct {
	ID          uuid.UUID `json:"id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	Weekday     int       `json:"weekday"`
	StartTime   ClockTime `json:"start_time"`
	EndTime     ClockTime `json:"end_time"`
	IsAvailable bool      `json:"is_available"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (w *AvailabilityWindow) Overlaps(o *AvailabilityWindow) bool {
	return w.Weekday == o.Weekday && w.StartTime < o.EndTime && o.StartTime < w.EndTime
}

// Offers reports whether t is one of the window's step-aligned slot starts.
func (w *AvailabilityWindow) Offers(t ClockTime, step time.Duration) bool {
	stepMin := ClockTime(step / time.Minute)
	if stepMin <= 0 || t < w.StartTime || t.Add(step) > w.EndTime {
		return false
	}
	return (t-w.StartTime)%stepMin == 0
}

type Appointment struct {
	ID        uuid.UUID       `json:"id"`
	PatientID uuid.UUID       `json:"patient_id"`
	DoctorID  uuid.UUID       `json:"doctor_id"`
	Date      Date            `json:"date"`
	Time      ClockTime       `json:"time"`
	Type      AppointmentType `json:"appointment_type"`
	Reason    string          `json:"reason"`
	Status    Status          `json:"status"`
	VersionID int             `json:"version_id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (a *Appointment) StartsAt(loc *time.Location) time.Time {
	return a.Time.On(a.Date, loc)
}

type party int

const (
	partyNone party = iota
	partyPatient
	partyDoctor
	partyAdmin
)

func (a *Appointment) partyOf(actor Actor) party {
	switch {
	case actor.IsAdmin():
		return partyAdmin
	case actor.ID == a.DoctorID:
		return partyDoctor
	case actor.ID == a.PatientID:
		return partyPatient
	default:
		return partyNone
	}
}

// Dashboard is a doctor's view of their bookings.
type Dashboard struct {
	Doctor       *Doctor        `json:"doctor"`
	Appointments []*Appointment `json:"appointments"`
	Total        int            `json:"total"`
	Counts       map[Status]int `json:"counts"`
}
