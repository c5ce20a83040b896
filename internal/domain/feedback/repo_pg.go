package feedback

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medweb/medweb/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const feedbackCols = `id, user_id, rating, comments, version_id, created_at, updated_at`

func scanFeedback(row pgx.Row) (*Feedback, error) {
	var f Feedback
	err := row.Scan(&f.ID, &f.UserID, &f.Rating, &f.Comments, &f.VersionID, &f.CreatedAt, &f.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return &f, err
}

func (r *repoPG) Create(ctx context.Context, f *Feedback) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO feedback (id, user_id, rating, comments)
		VALUES ($1, $2, $3, $4)
		RETURNING version_id, created_at, updated_at`,
		f.ID, f.UserID, f.Rating, f.Comments,
	).Scan(&f.VersionID, &f.CreatedAt, &f.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Feedback, error) {
	return scanFeedback(r.conn(ctx).QueryRow(ctx, `SELECT `+feedbackCols+` FROM feedback WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, f *Feedback, expectedVersion int) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE feedback SET rating = $3, comments = $4, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		f.ID, expectedVersion, f.Rating, f.Comments,
	).Scan(&f.VersionID, &f.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrConflict
	}
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM feedback WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Feedback, int, error) {
	return r.list(ctx, ` WHERE user_id = $1`, []interface{}{userID}, limit, offset)
}

func (r *repoPG) ListAll(ctx context.Context, limit, offset int) ([]*Feedback, int, error) {
	return r.list(ctx, ``, nil, limit, offset)
}

func (r *repoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*Feedback, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM feedback`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + feedbackCols + ` FROM feedback` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, f)
	}
	return items, total, rows.Err()
}
