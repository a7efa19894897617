package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"bollipi/internal/models"
	"bollipi/internal/storage"
)

var (
	ErrMissingCredentials = errors.New("username and password are required")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already registered")
)

// Service handles the user lifecycle.
type Service struct {
	db     *sql.DB
	driver string
}

func NewService(db *sql.DB, driver string) *Service {
	return &Service{db: db, driver: driver}
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`), username).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := &models.User{Username: username, PasswordHash: string(hash), CreatedAt: now}

	if s.isPostgres() {
		err = s.db.QueryRowContext(ctx, s.q(
			`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?) RETURNING id`),
			username, user.PasswordHash, now,
		).Scan(&user.ID)
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		return user, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, user.PasswordHash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return user, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`), username,
	)
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// DeleteUser removes a user; tokens and submissions cascade.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) q(query string) string {
	return storage.Rebind(s.driver, query)
}

func (s *Service) isPostgres() bool {
	d := strings.ToLower(s.driver)
	return d == "postgres" || d == "pgx"
}
