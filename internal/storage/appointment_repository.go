// Package storage implements the durable appointment store on Postgres.
// Writes that must be causally linked to a published event insert the
// outbox row in the same transaction as the appointment row.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/slotbooking/internal/model"
	"github.com/md-rashed-zaman/slotbooking/internal/outbox"
	"github.com/md-rashed-zaman/slotbooking/libs/db"
)

const appointmentColumns = `id, start_time, end_time, status, name, email, phone, COALESCE(note, ''), created_at`

type AppointmentRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewAppointmentRepository(pool *db.Pool, outboxRepo *outbox.Repository) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: outboxRepo}
}

// Insert writes the appointment row and its lifecycle event in one
// transaction.
func (r *AppointmentRepository) Insert(ctx context.Context, appt *model.Appointment, evt outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO appointments (id, start_time, end_time, status, name, email, phone, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, appt.ID, appt.StartTime, appt.EndTime, appt.Status, appt.Name, appt.Email, appt.Phone, appt.Note).Scan(&appt.CreatedAt)
	if err != nil {
		return storageErr(err)
	}

	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr(err)
	}
	return nil
}

func (r *AppointmentRepository) GetByID(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, model.ErrNotFound
		}
		return model.Appointment{}, storageErr(err)
	}
	return appt, nil
}

func (r *AppointmentRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)
	`, id).Scan(&exists)
	if err != nil {
		return false, storageErr(err)
	}
	return exists, nil
}

// UpdateStatus transitions the appointment to the target status only if its
// current status is one of allowedFrom, writing the transition event in the
// same transaction. The bool result reports whether the guard matched.
func (r *AppointmentRepository) UpdateStatus(ctx context.Context, id string, allowedFrom []model.Status, to model.Status, evt outbox.Event) (model.Appointment, bool, error) {
	from := make([]string, len(allowedFrom))
	for i, s := range allowedFrom {
		from[i] = string(s)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, false, storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+appointmentColumns+`
	`, id, to, from)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, false, nil
		}
		return model.Appointment{}, false, storageErr(err)
	}

	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return model.Appointment{}, false, storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, false, storageErr(err)
	}
	return appt, true, nil
}

// UpdateContact applies contact/note changes. Nil patch fields keep the
// stored value. Start and end times are not touched here; the coordinator
// rejects attempts to change them before this call. The event builder runs
// on the updated row so the published payload reflects the patched values.
func (r *AppointmentRepository) UpdateContact(ctx context.Context, id string, patch model.AppointmentPatch, evt func(model.Appointment) outbox.Event) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET name  = COALESCE($2, name),
			email = COALESCE($3, email),
			phone = COALESCE($4, phone),
			note  = COALESCE($5, note)
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, patch.Name, patch.Email, patch.Phone, patch.Note)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, model.ErrNotFound
		}
		return model.Appointment{}, storageErr(err)
	}

	if err := r.outbox.Insert(ctx, tx, evt(appt)); err != nil {
		return model.Appointment{}, storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, storageErr(err)
	}
	return appt, nil
}

// List returns one page of appointments plus the total match count. The
// count query shares the WHERE clause with the page query.
func (r *AppointmentRepository) List(ctx context.Context, filter model.ListFilter) ([]model.Appointment, int, error) {
	filter = filter.Normalized()
	where, args, err := buildListWhere(filter)
	if err != nil {
		return nil, 0, err
	}

	var total int
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, storageErr(err)
	}

	pageArgs := append(args, filter.PageSize, filter.Offset())
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM appointments%s
		ORDER BY start_time ASC, created_at ASC
		LIMIT $%d OFFSET $%d
	`, appointmentColumns, where, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, storageErr(err)
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, 0, storageErr(rows.Err())
	}
	return appts, total, nil
}

// ListByRange returns appointments whose window intersects [start, end).
func (r *AppointmentRepository) ListByRange(ctx context.Context, start, end time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE start_time < $2 AND end_time > $1
		ORDER BY start_time ASC
	`, start, end)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, storageErr(rows.Err())
	}
	return appts, nil
}

// buildListWhere translates a ListFilter into a WHERE clause and its args.
// The empty status filter means "active": everything except cancelled; an
// unknown status is rejected rather than silently widening the result.
func buildListWhere(f model.ListFilter) (string, []any, error) {
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.StartDate != nil {
		conds = append(conds, "start_time >= "+arg(*f.StartDate))
	}
	if f.EndDate != nil {
		conds = append(conds, "start_time <= "+arg(*f.EndDate))
	}

	switch {
	case f.Status == "":
		conds = append(conds, "status <> "+arg(string(model.StatusCancelled)))
	case strings.EqualFold(f.Status, model.StatusFilterAll):
		// No status condition.
	default:
		s, ok := model.ParseStatus(f.Status)
		if !ok {
			return "", nil, &model.ValidationError{Field: "status", Reason: "unknown status " + f.Status}
		}
		conds = append(conds, "status = "+arg(string(s)))
	}

	if f.AppointmentID != "" {
		conds = append(conds, "id = "+arg(f.AppointmentID))
	}

	if f.Search != "" {
		p := arg(likePattern(f.Search))
		conds = append(conds, "(name ILIKE "+p+" OR email ILIKE "+p+")")
	} else {
		if f.Email != "" {
			conds = append(conds, "email ILIKE "+arg(likePattern(f.Email)))
		}
		if f.Name != "" {
			conds = append(conds, "name ILIKE "+arg(likePattern(f.Name)))
		}
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func likePattern(s string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
	return "%" + escaped + "%"
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	err := row.Scan(
		&appt.ID,
		&appt.StartTime,
		&appt.EndTime,
		&appt.Status,
		&appt.Name,
		&appt.Email,
		&appt.Phone,
		&appt.Note,
		&appt.CreatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
}
