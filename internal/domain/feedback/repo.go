package feedback

import (
	"context"

	"github.com/google/uuid"
)

// Repository lists feedback newest first.
type Repository interface {
	Create(ctx context.Context, f *Feedback) error
	GetByID(ctx context.Context, id uuid.UUID) (*Feedback, error)
	// Update writes rating and comments if storage still holds
	// expectedVersion, else ErrConflict.
	Update(ctx context.Context, f *Feedback, expectedVersion int) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Feedback, int, error)
	ListAll(ctx context.Context, limit, offset int) ([]*Feedback, int, error)
}
