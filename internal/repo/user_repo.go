package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/model"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	// GetOrCreateByPhone returns the user owning phone, creating it with name when absent.
	GetOrCreateByPhone(ctx context.Context, phone, name string) (model.User, bool, error)
}

type userRepo struct {
	q Querier
}

const selectUser = `
		SELECT id, name, phone_number, avatar_hash, last_seen, created_at
		FROM users
	`

func scanUser(row interface{ Scan(dest ...any) error }) (model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.PhoneNumber,
		&user.AvatarHash,
		&user.LastSeen,
		&user.CreatedAt,
	)
	return user, err
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	user, err := scanUser(r.q.QueryRow(ctx, selectUser+`WHERE id = $1`, id))
	if err != nil {
		return model.User{}, notFound(err, "get user")
	}
	return user, nil
}

// GetByPhone retrieves a user by phone number
func (r *userRepo) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	user, err := scanUser(r.q.QueryRow(ctx, selectUser+`WHERE phone_number = $1`, phone))
	if err != nil {
		return model.User{}, notFound(err, "get user by phone")
	}
	return user, nil
}

// GetOrCreateByPhone inserts the user unless the phone number is taken, then selects it.
// The boolean result reports whether this call created the row.
func (r *userRepo) GetOrCreateByPhone(ctx context.Context, phone, name string) (model.User, bool, error) {
	query := `
		INSERT INTO users (id, name, phone_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone_number) DO NOTHING
	`
	tag, err := r.q.Exec(ctx, query, uuid.New(), name, phone)
	if err != nil {
		return model.User{}, false, fmt.Errorf("insert user: %w", err)
	}

	// Now select the user (whether it was just created or already existed)
	user, err := r.GetByPhone(ctx, phone)
	if err != nil {
		return model.User{}, false, err
	}
	return user, tag.RowsAffected() == 1, nil
}
