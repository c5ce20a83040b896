package scheduling

import "time"

// Catalog lists the step-aligned slot start times in [start, end). A trailing
// slot that would run past end is dropped.
func Catalog(start, end ClockTime, step time.Duration) []ClockTime {
	stepMin := ClockTime(step / time.Minute)
	if stepMin <= 0 || start >= end {
		return []ClockTime{}
	}
	slots := make([]ClockTime, 0, int((end-start)/stepMin))
	for t := start; t+stepMin <= end; t += stepMin {
		slots = append(slots, t)
	}
	return slots
}
