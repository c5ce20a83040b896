package scheduling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medweb/medweb/internal/platform/websocket"
)

// Recorder receives booking and transition counts. *metrics.Collector
// satisfies it.
type Recorder interface {
	RecordBooking(outcome string)
	RecordTransition(from, to string)
}

type nopRecorder struct{}

func (nopRecorder) RecordBooking(string)            {}
func (nopRecorder) RecordTransition(string, string) {}

// notifier fans appointment changes out to metrics, the log and the live
// feeds of both parties. Delivery is best effort and never fails the caller.
type notifier struct {
	events  websocket.EventPublisher
	metrics Recorder
	logger  zerolog.Logger
	now     func() time.Time
}

type appointmentPayload struct {
	*Appointment
	PreviousStatus Status `json:"previous_status,omitempty"`
}

func (n *notifier) booking(ctx context.Context, a *Appointment, err error) {
	n.metrics.RecordBooking(outcome(err))
	if err != nil {
		n.logger.Debug().Err(err).Msg("booking rejected")
		return
	}
	n.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("doctor_id", a.DoctorID.String()).
		Str("date", a.Date.String()).
		Str("time", a.Time.String()).
		Msg("appointment booked")
	n.publish(ctx, websocket.EventAppointmentBooked, a, "")
}

func (n *notifier) rescheduled(ctx context.Context, a *Appointment, previousDoctor uuid.UUID) {
	n.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("doctor_id", a.DoctorID.String()).
		Str("date", a.Date.String()).
		Str("time", a.Time.String()).
		Msg("appointment updated")
	n.publish(ctx, websocket.EventAppointmentRescheduled, a, "")
	if previousDoctor != a.DoctorID {
		n.send(ctx, websocket.DoctorTopic(previousDoctor), websocket.EventAppointmentRescheduled, a, "")
	}
}

func (n *notifier) transitioned(ctx context.Context, a *Appointment, from Status) {
	n.metrics.RecordTransition(string(from), string(a.Status))
	n.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("from", string(from)).
		Str("to", string(a.Status)).
		Msg("appointment status changed")
	n.publish(ctx, websocket.EventAppointmentStatus, a, from)
}

func (n *notifier) publish(ctx context.Context, kind string, a *Appointment, from Status) {
	n.send(ctx, websocket.DoctorTopic(a.DoctorID), kind, a, from)
	n.send(ctx, websocket.PatientTopic(a.PatientID), kind, a, from)
}

func (n *notifier) send(ctx context.Context, topic, kind string, a *Appointment, from Status) {
	if n.events == nil {
		return
	}
	data, err := json.Marshal(appointmentPayload{Appointment: a, PreviousStatus: from})
	if err != nil {
		n.logger.Error().Err(err).Msg("marshal appointment event")
		return
	}
	ev := websocket.Event{
		Type:          kind,
		Topic:         topic,
		AppointmentID: a.ID.String(),
		Timestamp:     n.now().UTC(),
		Data:          data,
	}
	if err := n.events.Publish(ctx, ev); err != nil {
		n.logger.Warn().Err(err).Str("topic", topic).Msg("publish appointment event")
	}
}
