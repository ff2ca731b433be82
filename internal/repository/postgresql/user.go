package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/sharemeal/backend/internal/db"
	"github.com/sharemeal/backend/internal/repository"
)

type UserRepo struct {
	db db.DB
}

func NewUserRepo(database db.DB) *UserRepo {
	return &UserRepo{db: database}
}

func (r *UserRepo) CreateUser(ctx context.Context, username, password string, role repository.Role) (*repository.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &repository.User{
		ID:       uuid.NewString(),
		Username: username,
		Password: string(hashed),
		Role:     role,
	}
	_, err = r.db.Exec(ctx,
		"INSERT INTO users (id, username, password, role) VALUES ($1, $2, $3, $4)",
		user.ID, user.Username, user.Password, user.Role)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// Authenticate resolves basic-auth credentials into a principal. A missing
// user and a wrong password are indistinguishable to the caller.
func (r *UserRepo) Authenticate(ctx context.Context, username, password string) (*repository.User, error) {
	var user repository.User
	err := r.db.Get(ctx, &user, "SELECT * FROM users WHERE username = $1", username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, repository.ErrInvalidCredentials
	}
	return &user, nil
}
