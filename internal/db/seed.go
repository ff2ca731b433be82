package db

import (
	"context"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// SeedAdmin creates the bootstrap administrator account when it does not
// exist yet. Credentials come from ADMIN_USERNAME / ADMIN_PASSWORD.
func SeedAdmin(ctx context.Context, database *Database) error {
	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		zap.L().Warn("admin credentials not configured, skipping seed")
		return nil
	}

	var count int
	err := database.ExecQueryRow(ctx, "SELECT COUNT(*) FROM users WHERE username = $1", username).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = database.Exec(ctx,
		"INSERT INTO users (id, username, password, role) VALUES ($1, $2, $3, $4)",
		uuid.NewString(), username, string(hashed), "admin")
	if err != nil {
		return err
	}
	zap.L().Info("admin user created", zap.String("username", username))
	return nil
}
