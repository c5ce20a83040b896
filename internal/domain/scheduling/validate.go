package scheduling

import (
	"strings"
	"time"
	"unicode/utf8"
)

const maxReasonLength = 2000

// ParseDate accepts YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, validationErrorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

var clockLayouts = []string{"15:04", "03:04 PM", "3:04 PM", "03:04PM", "3:04PM"}

// ParseClockTime accepts 24-hour "HH:MM" and 12-hour "HH:MM AM" forms.
func ParseClockTime(s string) (ClockTime, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return ClockOf(t), nil
		}
	}
	return 0, validationErrorf("invalid time %q, expected HH:MM or HH:MM AM/PM", s)
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", validationErrorf("invalid status %q", s)
}

// ParseAppointmentType defaults the empty string to a clinic visit.
func ParseAppointmentType(s string) (AppointmentType, error) {
	switch t := AppointmentType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TypeClinic, nil
	case TypeVideo, TypeClinic, TypeEmergency:
		return t, nil
	default:
		return "", validationErrorf("invalid appointment type %q", s)
	}
}

func validateReason(reason string) error {
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return validationErrorf("reason exceeds %d characters", maxReasonLength)
	}
	return nil
}

func validateWindow(w *AvailabilityWindow) error {
	if w.Weekday < 0 || w.Weekday > 6 {
		return validationErrorf("weekday must be 0 (Monday) to 6 (Sunday), got %d", w.Weekday)
	}
	if w.StartTime < 0 || w.EndTime > minutesPerDay {
		return validationErrorf("window must lie within one day")
	}
	if w.StartTime >= w.EndTime {
		return validationErrorf("start_time %s must be before end_time %s", w.StartTime, w.EndTime)
	}
	return nil
}
