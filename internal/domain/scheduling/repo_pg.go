package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medweb/medweb/internal/platform/db"
)

// Constraint names from migrations/001_core.sql.
const (
	constraintActiveSlot    = "appointment_active_slot_key"
	constraintWindowStart   = "availability_window_doctor_weekday_start_key"
	constraintWindowOverlap = "availability_window_no_overlap"
)

func pgDate(d Date) pgtype.Date {
	return pgtype.Date{Time: d.In(time.UTC), Valid: true}
}

func pgClock(c ClockTime) pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * int64(time.Minute/time.Microsecond), Valid: true}
}

func clockFromPG(t pgtype.Time) ClockTime {
	return ClockTime(t.Microseconds / int64(time.Minute/time.Microsecond))
}

// =========== Transactor ===========

type pgTransactor struct{ pool db.Beginner }

func NewTransactorPG(pool *pgxpool.Pool) Transactor { return &pgTransactor{pool: pool} }

func (t *pgTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, t.pool, fn)
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

func (r *doctorRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const doctorCols = `id, display_name, specialization, experience_years, consultation_fee, rating,
	bio, available, slot_minutes, version_id, created_at, updated_at`

func (r *doctorRepoPG) scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.DisplayName, &d.Specialization, &d.ExperienceYears, &d.ConsultationFee, &d.Rating,
		&d.Bio, &d.Available, &d.SlotMinutes, &d.VersionID, &d.CreatedAt, &d.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrDoctorNotFound
	}
	return &d, err
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (id, display_name, specialization, experience_years, consultation_fee, rating,
			bio, available, slot_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING version_id, created_at, updated_at`,
		d.ID, d.DisplayName, d.Specialization, d.ExperienceYears, d.ConsultationFee, d.Rating,
		d.Bio, d.Available, d.SlotMinutes,
	).Scan(&d.VersionID, &d.CreatedAt, &d.UpdatedAt)
	if db.IsUniqueViolation(err, "") {
		return fmt.Errorf("%w: doctor profile already exists", ErrConflict)
	}
	return err
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
}

func (r *doctorRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1 FOR UPDATE`, id))
}

func (r *doctorRepoPG) Update(ctx context.Context, d *Doctor) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE doctor SET display_name=$3, specialization=$4, experience_years=$5, consultation_fee=$6,
			rating=$7, bio=$8, available=$9, slot_minutes=$10,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		d.ID, d.VersionID, d.DisplayName, d.Specialization, d.ExperienceYears, d.ConsultationFee,
		d.Rating, d.Bio, d.Available, d.SlotMinutes,
	).Scan(&d.VersionID, &d.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrStaleVersion
	}
	return err
}

func (r *doctorRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM doctor WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

func (r *doctorRepoPG) List(ctx context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Specialization != "" {
		where += fmt.Sprintf(` AND specialization ILIKE $%d`, idx)
		args = append(args, f.Specialization)
		idx++
	}
	if f.Available != nil {
		where += fmt.Sprintf(` AND available = $%d`, idx)
		args = append(args, *f.Available)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM doctor`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + doctorCols + ` FROM doctor` + where +
		fmt.Sprintf(` ORDER BY specialization, display_name, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := r.scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// =========== Availability Window Repository ===========

type windowRepoPG struct{ pool *pgxpool.Pool }

func NewWindowRepoPG(pool *pgxpool.Pool) WindowRepository { return &windowRepoPG{pool: pool} }

func (r *windowRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const windowCols = `id, doctor_id, weekday, start_time, end_time, is_available, created_at, updated_at`

func (r *windowRepoPG) scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	var start, end pgtype.Time
	err := row.Scan(&w.ID, &w.DoctorID, &w.Weekday, &start, &end, &w.IsAvailable, &w.CreatedAt, &w.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrWindowNotFound
	}
	w.StartTime, w.EndTime = clockFromPG(start), clockFromPG(end)
	return &w, err
}

func windowWriteErr(err error) error {
	if db.IsExclusionViolation(err, constraintWindowOverlap) || db.IsUniqueViolation(err, constraintWindowStart) {
		return ErrWindowOverlap
	}
	if db.IsForeignKeyViolation(err) {
		return ErrDoctorNotFound
	}
	return err
}

func (r *windowRepoPG) Create(ctx context.Context, w *AvailabilityWindow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_window (id, doctor_id, weekday, start_time, end_time, is_available)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		w.ID, w.DoctorID, w.Weekday, pgClock(w.StartTime), pgClock(w.EndTime), w.IsAvailable,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	return windowWriteErr(err)
}

func (r *windowRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	return r.scanWindow(r.conn(ctx).QueryRow(ctx, `SELECT `+windowCols+` FROM availability_window WHERE id = $1`, id))
}

func (r *windowRepoPG) Update(ctx context.Context, w *AvailabilityWindow) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE availability_window SET weekday=$2, start_time=$3, end_time=$4, is_available=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		w.ID, w.Weekday, pgClock(w.StartTime), pgClock(w.EndTime), w.IsAvailable,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrWindowNotFound
	}
	return windowWriteErr(err)
}

func (r *windowRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_window WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWindowNotFound
	}
	return nil
}

func (r *windowRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*AvailabilityWindow, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+windowCols+` FROM availability_window
		WHERE doctor_id = $1 ORDER BY weekday, start_time`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*AvailabilityWindow{}
	for rows.Next() {
		w, err := r.scanWindow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const apptCols = `id, patient_id, doctor_id, appt_date, appt_time, appointment_type, reason,
	status, version_id, created_at, updated_at`

const activeStatuses = `('pending','confirmed')`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date pgtype.Date
	var clock pgtype.Time
	var typ, status string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &date, &clock, &typ, &a.Reason,
		&status, &a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Date = DateOf(date.Time)
	a.Time = clockFromPG(clock)
	a.Type = AppointmentType(typ)
	a.Status = Status(status)
	return &a, nil
}

func apptWriteErr(err error) error {
	if db.IsUniqueViolation(err, constraintActiveSlot) {
		return ErrSlotAlreadyBooked
	}
	if db.IsForeignKeyViolation(err) {
		return ErrDoctorNotFound
	}
	return err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, appt_date, appt_time, appointment_type, reason, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING version_id, created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, pgDate(a.Date), pgClock(a.Time), string(a.Type), a.Reason, string(a.Status),
	).Scan(&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	return apptWriteErr(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment, expectedVersion int) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET doctor_id=$3, appt_date=$4, appt_time=$5, appointment_type=$6, reason=$7,
			status=$8, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		a.ID, expectedVersion, a.DoctorID, pgDate(a.Date), pgClock(a.Time), string(a.Type), a.Reason, string(a.Status),
	).Scan(&a.VersionID, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrStaleVersion
	}
	return apptWriteErr(err)
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET status = $3, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+apptCols, id, string(from), string(to)))
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("%w: appointment status changed concurrently", ErrConflict)
	}
	return a, apptWriteErr(err)
}

func (r *appointmentRepoPG) ExistsActive(ctx context.Context, doctorID uuid.UUID, date Date, t ClockTime, exclude uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointment
			WHERE doctor_id = $1 AND appt_date = $2 AND appt_time = $3
				AND status IN `+activeStatuses+` AND id <> $4)`,
		doctorID, pgDate(date), pgClock(t), exclude,
	).Scan(&exists)
	return exists, err
}

func (r *appointmentRepoPG) ActiveTimes(ctx context.Context, doctorID uuid.UUID, date Date) ([]ClockTime, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT appt_time FROM appointment
		WHERE doctor_id = $1 AND appt_date = $2 AND status IN `+activeStatuses+`
		ORDER BY appt_time`, doctorID, pgDate(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var times []ClockTime
	for rows.Next() {
		var t pgtype.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, clockFromPG(t))
	}
	return times, rows.Err()
}

func (r *appointmentRepoPG) list(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment WHERE `+column+` = $1
		ORDER BY appt_date DESC, appt_time DESC, created_at DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "patient_id", patientID, limit, offset)
}

func (r *appointmentRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "doctor_id", doctorID, limit, offset)
}

func (r *appointmentRepoPG) CountByStatus(ctx context.Context, doctorID uuid.UUID) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM appointment WHERE doctor_id = $1 GROUP BY status`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *appointmentRepoPG) CountActiveFrom(ctx context.Context, doctorID uuid.UUID, date Date, t ClockTime) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment
		WHERE doctor_id = $1 AND status IN `+activeStatuses+`
			AND (appt_date > $2 OR (appt_date = $2 AND appt_time >= $3))`,
		doctorID, pgDate(date), pgClock(t),
	).Scan(&n)
	return n, err
}
