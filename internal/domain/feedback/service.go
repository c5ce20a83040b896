package feedback

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/medweb/medweb/internal/platform/auth"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func validate(rating int, comments string) error {
	if rating < MinRating || rating > MaxRating {
		return fmt.Errorf("%w: rating must be between %d and %d", ErrValidation, MinRating, MaxRating)
	}
	if strings.TrimSpace(comments) == "" {
		return fmt.Errorf("%w: comments are required", ErrValidation)
	}
	if utf8.RuneCountInString(comments) > maxCommentsLength {
		return fmt.Errorf("%w: comments exceed %d characters", ErrValidation, maxCommentsLength)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, actor auth.Actor, rating int, comments string) (*Feedback, error) {
	if err := validate(rating, comments); err != nil {
		return nil, err
	}
	f := &Feedback{ID: uuid.New(), UserID: actor.ID, Rating: rating, Comments: strings.TrimSpace(comments)}
	if err := s.repo.Create(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Get returns feedback to its author or an admin; others see ErrNotFound.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Feedback, error) {
	f, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.UserID != actor.ID && !actor.HasRole(auth.RoleAdmin) {
		return nil, ErrNotFound
	}
	return f, nil
}

// List returns the actor's own feedback, or everyone's for admins.
func (s *Service) List(ctx context.Context, actor auth.Actor, limit, offset int) ([]*Feedback, int, error) {
	if actor.HasRole(auth.RoleAdmin) {
		return s.repo.ListAll(ctx, limit, offset)
	}
	return s.repo.ListByUser(ctx, actor.ID, limit, offset)
}

type Update struct {
	VersionID int
	Rating    *int
	Comments  *string
}

// Update edits the actor's own feedback. Admins may read and delete other
// users' feedback but not rewrite it.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id uuid.UUID, u Update) (*Feedback, error) {
	f, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if f.UserID != actor.ID {
		return nil, fmt.Errorf("%w: only the author can edit feedback", ErrForbidden)
	}
	if u.VersionID != f.VersionID {
		return nil, ErrConflict
	}
	if u.Rating != nil {
		f.Rating = *u.Rating
	}
	if u.Comments != nil {
		f.Comments = strings.TrimSpace(*u.Comments)
	}
	if err := validate(f.Rating, f.Comments); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, f, u.VersionID); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) Delete(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}
