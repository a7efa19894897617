package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"bollipi/internal/models"
	"bollipi/internal/storage"
)

// RemoteStore keeps per-user submissions in the SQL database.
type RemoteStore struct {
	db     *sql.DB
	driver string
}

func NewRemoteStore(db *sql.DB, driver string) *RemoteStore {
	return &RemoteStore{db: db, driver: driver}
}

func (r *RemoteStore) insert(ctx context.Context, userID int64, e entry) error {
	var data, payload sql.NullString
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode submission data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode submission payload: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, storage.Rebind(r.driver,
		`INSERT INTO submissions (id, user_id, created_at, encrypted, data, payload) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, userID, e.Timestamp, e.Encrypted, data, payload,
	)
	if err != nil {
		return fmt.Errorf("%w: insert submission: %v", ErrPersistence, err)
	}
	return nil
}

func (r *RemoteStore) list(ctx context.Context, userID int64) ([]entry, error) {
	rows, err := r.db.QueryContext(ctx, storage.Rebind(r.driver,
		`SELECT id, created_at, encrypted, data, payload FROM submissions WHERE user_id = ? ORDER BY created_at DESC`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query submissions: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var entries []entry
	for rows.Next() {
		var (
			e             entry
			data, payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Encrypted, &data, &payload); err != nil {
			return nil, fmt.Errorf("%w: scan submission: %v", ErrPersistence, err)
		}
		if data.Valid && data.String != "" {
			var rec models.FormRecord
			if err := json.Unmarshal([]byte(data.String), &rec); err != nil {
				return nil, fmt.Errorf("%w: decode submission %s: %v", ErrPersistence, e.ID, err)
			}
			e.Data = &rec
		}
		if payload.Valid && payload.String != "" {
			var p models.EncryptedPayload
			if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
				return nil, fmt.Errorf("%w: decode submission %s: %v", ErrPersistence, e.ID, err)
			}
			e.Payload = &p
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate submissions: %v", ErrPersistence, err)
	}
	return entries, nil
}

func (r *RemoteStore) clear(ctx context.Context, userID int64) error {
	if _, err := r.db.ExecContext(ctx, storage.Rebind(r.driver, `DELETE FROM submissions WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("%w: clear submissions: %v", ErrPersistence, err)
	}
	return nil
}
