package account

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"bollipi/internal/config"
	"bollipi/internal/storage"
)

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, "sqlite3")
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, " asha ", "s3cret-pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.ID <= 0 || user.Username != "asha" {
		t.Fatalf("unexpected user %+v", user)
	}
	if user.PasswordHash == "s3cret-pass" {
		t.Fatalf("password stored in plaintext")
	}

	got, err := svc.Login(ctx, "asha", "s3cret-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned user %d, want %d", got.ID, user.ID)
	}
	if _, err := svc.Login(ctx, "asha", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, "sqlite3")
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "", "x"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "ravi", "pass-one"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "ravi", "pass-two"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, "sqlite3")
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "meera", "pass-word")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO submissions (id, user_id, created_at, encrypted, data) VALUES ('s1', ?, 1, 0, '{}')`, user.ID); err != nil {
		t.Fatalf("insert submission: %v", err)
	}
	if err := svc.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM submissions`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("submissions survived user delete: %d %v", n, err)
	}
	if err := svc.DeleteUser(ctx, user.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}
