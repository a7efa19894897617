package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"bollipi/internal/config"
	"bollipi/internal/models"
	"bollipi/internal/storage"
)

type recordingKV struct {
	*MemoryKV
	writes int
	failed bool
}

func (r *recordingKV) Set(ctx context.Context, key string, value []byte) error {
	r.writes++
	if r.failed {
		return errors.New("redis down")
	}
	return r.MemoryKV.Set(ctx, key, value)
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES ('asha', 'x', ?)`, time.Now().UTC())
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if id, _ := res.LastInsertId(); id != 1 {
		t.Fatalf("unexpected user id %d", id)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *recordingKV, *sql.DB) {
	t.Helper()
	kv := &recordingKV{MemoryKV: NewMemoryKV()}
	db := setupTestDB(t)
	store := NewStore(NewLocalStore(kv), NewRemoteStore(db, "sqlite3"))
	var clock int64 = 1_700_000_000_000
	store.now = func() time.Time {
		clock += 1000
		return time.UnixMilli(clock)
	}
	return store, kv, db
}

var sample = models.FormRecord{FullName: "Rahul", Age: "30", Phone: "9876543210"}

func TestShortKeyRejectedBeforeWrite(t *testing.T) {
	store, kv, db := newTestStore(t)
	ctx := context.Background()
	for _, id := range []Identity{{DeviceID: "dev"}, {UserID: 1}} {
		_, err := store.Submit(ctx, sample, id, EncryptionOptions{Enabled: true, Passphrase: "abcd"})
		if !errors.Is(err, ErrKeyTooShort) {
			t.Fatalf("expected ErrKeyTooShort, got %v", err)
		}
	}
	// padding does not count towards the length
	if _, err := store.Submit(ctx, sample, Identity{DeviceID: "dev"}, EncryptionOptions{Enabled: true, Passphrase: "  abcd  "}); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("expected ErrKeyTooShort for padded key, got %v", err)
	}
	if kv.writes != 0 {
		t.Fatalf("local store written %d times", kv.writes)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM submissions`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("remote store written: %d %v", n, err)
	}
}

func TestEmptyFormRejected(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.Submit(context.Background(), models.FormRecord{Age: "  "}, Identity{}, EncryptionOptions{}); !errors.Is(err, ErrEmptyForm) {
		t.Fatalf("expected ErrEmptyForm, got %v", err)
	}
}

func TestLocalSubmitAndList(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	dev := Identity{DeviceID: "phone-1"}

	first, err := store.Submit(ctx, sample, dev, EncryptionOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := store.Submit(ctx, models.FormRecord{FullName: "Sita"}, dev, EncryptionOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	raw, err := kv.Get(ctx, "bol_lipi_submissions:phone-1")
	if err != nil {
		t.Fatalf("local key missing: %v", err)
	}
	var stored []map[string]any
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("local list not a json array: %v", err)
	}
	if len(stored) != 2 || stored[0]["id"] != second.ID {
		t.Fatalf("unexpected stored list %s", raw)
	}
	data := stored[1]["data"].(map[string]any)
	if data["fullName"] != "Rahul" || data["occupation"] != "" {
		t.Fatalf("unexpected stored data %v", data)
	}

	list, err := store.List(ctx, dev, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID || list[1].Data != sample {
		t.Fatalf("unexpected list %+v", list)
	}

	other, err := store.List(ctx, Identity{DeviceID: "phone-2"}, "")
	if err != nil || len(other) != 0 {
		t.Fatalf("devices share history: %v %v", other, err)
	}
}

func TestEncryptedLocalEntryNeverStoresPlaintext(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	dev := Identity{DeviceID: "dev"}
	if _, err := store.Submit(ctx, sample, dev, EncryptionOptions{Enabled: true, Passphrase: "secret-key"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	raw, _ := kv.Get(ctx, "bol_lipi_submissions:dev")
	if strings.Contains(string(raw), "Rahul") || strings.Contains(string(raw), `"data"`) {
		t.Fatalf("plaintext persisted: %s", raw)
	}

	locked, err := store.List(ctx, dev, "wrong-key")
	if err != nil {
		t.Fatalf("list with wrong key: %v", err)
	}
	if !locked[0].Locked || !locked[0].Data.IsEmpty() || !locked[0].Encrypted {
		t.Fatalf("expected locked entry, got %+v", locked[0])
	}

	open, err := store.List(ctx, dev, "secret-key")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if open[0].Locked || open[0].Data != sample {
		t.Fatalf("expected decrypted entry, got %+v", open[0])
	}
}

func TestRemoteSubmitListClear(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	user := Identity{UserID: 1, DeviceID: "dev"}

	if _, err := store.Submit(ctx, sample, user, EncryptionOptions{}); err != nil {
		t.Fatalf("submit plain: %v", err)
	}
	enc, err := store.Submit(ctx, models.FormRecord{FullName: "Sita"}, user, EncryptionOptions{Enabled: true, Passphrase: "pass-phrase"})
	if err != nil {
		t.Fatalf("submit encrypted: %v", err)
	}
	if kv.writes != 0 {
		t.Fatalf("signed-in submission written locally")
	}

	list, err := store.List(ctx, user, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != enc.ID || !list[0].Locked || list[1].Data != sample {
		t.Fatalf("unexpected remote list %+v", list)
	}

	list, err = store.List(ctx, user, "pass-phrase")
	if err != nil {
		t.Fatalf("list with key: %v", err)
	}
	if list[0].Locked || list[0].Data.FullName != "Sita" {
		t.Fatalf("remote entry not decrypted: %+v", list[0])
	}

	if err := store.Clear(ctx, user, false); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}
	if err := store.Clear(ctx, user, true); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if list, _ := store.List(ctx, user, ""); len(list) != 0 {
		t.Fatalf("history survived clear: %+v", list)
	}
}

func TestLocalClear(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	dev := Identity{DeviceID: "dev"}
	if _, err := store.Submit(ctx, sample, dev, EncryptionOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := store.Clear(ctx, dev, true); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if list, _ := store.List(ctx, dev, ""); len(list) != 0 {
		t.Fatalf("local history survived clear")
	}
}

func TestPersistenceFailureReported(t *testing.T) {
	store, kv, db := newTestStore(t)
	kv.failed = true
	if _, err := store.Submit(context.Background(), sample, Identity{DeviceID: "dev"}, EncryptionOptions{}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	db.Close()
	if _, err := store.Submit(context.Background(), sample, Identity{UserID: 1}, EncryptionOptions{}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence for remote, got %v", err)
	}
}

func TestSignedInWithoutRemote(t *testing.T) {
	store := NewStore(NewLocalStore(NewMemoryKV()), nil)
	if _, err := store.List(context.Background(), Identity{UserID: 7}, ""); !errors.Is(err, ErrNoRemote) {
		t.Fatalf("expected ErrNoRemote, got %v", err)
	}
}
