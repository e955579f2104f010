package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/lzumixiny/volo8-test/internal/models"
)

type AuthRepository interface {
	// CreateFirstUser inserts user only while the users table is empty. It
	// reports false when another account already exists.
	CreateFirstUser(ctx context.Context, user *models.User) (bool, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

type authRepository struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func NewAuthRepository(db *sqlx.DB, log *logrus.Logger) AuthRepository {
	return &authRepository{db: db, log: log}
}

func (r *authRepository) CreateFirstUser(ctx context.Context, user *models.User) (bool, error) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// sqlite runs on a single connection; postgres needs the table lock so two
	// empty-table checks cannot both pass.
	if r.db.DriverName() == "postgres" {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE users IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return false, err
		}
	}

	query := tx.Rebind(`
		INSERT INTO users (username, password_hash, role, created_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM users)
		RETURNING id`)
	err = tx.QueryRowxContext(ctx, query, user.Username, user.PasswordHash, user.Role, user.CreatedAt).Scan(&user.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.log.WithError(err).WithField("username", user.Username).Error("failed to create user")
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetUserByUsername returns nil, nil when the user does not exist.
func (r *authRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	query := r.db.Rebind(`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`)
	err := r.db.GetContext(ctx, &user, query, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}
