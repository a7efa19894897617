package submission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bollipi/internal/models"
	"bollipi/internal/service/vault"
)

// MinPassphraseLen is the shortest accepted encryption key, after trimming.
const MinPassphraseLen = 6

const decryptWorkers = 4

var (
	ErrKeyTooShort  = fmt.Errorf("encryption key must be at least %d characters", MinPassphraseLen)
	ErrEmptyForm    = errors.New("form has no values")
	ErrNotConfirmed = errors.New("clearing history requires confirmation")
	ErrPersistence  = errors.New("submission storage failed")
	ErrNoRemote     = errors.New("remote submission store not configured")
)

// Identity decides where submissions live: the user's remote collection when
// signed in, otherwise the device's local list.
type Identity struct {
	UserID   int64
	DeviceID string
}

func (i Identity) SignedIn() bool {
	return i.UserID > 0
}

type EncryptionOptions struct {
	Enabled    bool
	Passphrase string
}

// entry is the persisted form of a submission. Encrypted entries carry only
// the payload.
type entry struct {
	ID        string                   `json:"id"`
	Timestamp int64                    `json:"timestamp"`
	Data      *models.FormRecord       `json:"data,omitempty"`
	Encrypted bool                     `json:"encrypted,omitempty"`
	Payload   *models.EncryptedPayload `json:"payload,omitempty"`
}

// Store routes submissions to the local or remote backend.
type Store struct {
	local  *LocalStore
	remote *RemoteStore
	now    func() time.Time
	newID  func() string
}

func NewStore(local *LocalStore, remote *RemoteStore) *Store {
	return &Store{
		local:  local,
		remote: remote,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Submit validates and persists record. With encryption enabled the plain
// record is never written.
func (s *Store) Submit(ctx context.Context, record models.FormRecord, id Identity, opts EncryptionOptions) (*models.SubmittedForm, error) {
	if opts.Enabled && len([]rune(strings.TrimSpace(opts.Passphrase))) < MinPassphraseLen {
		return nil, ErrKeyTooShort
	}
	if record.IsEmpty() {
		return nil, ErrEmptyForm
	}

	e := entry{ID: s.newID(), Timestamp: s.now().UnixMilli()}
	if opts.Enabled {
		payload, err := vault.Encrypt(opts.Passphrase, record)
		if err != nil {
			return nil, fmt.Errorf("encrypt submission: %w", err)
		}
		e.Encrypted = true
		e.Payload = payload
	} else {
		rec := record
		e.Data = &rec
	}

	var err error
	if id.SignedIn() {
		if s.remote == nil {
			return nil, ErrNoRemote
		}
		err = s.remote.insert(ctx, id.UserID, e)
	} else {
		err = s.local.add(ctx, id.DeviceID, e)
	}
	if err != nil {
		return nil, err
	}
	return &models.SubmittedForm{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Data:      record,
		Encrypted: e.Encrypted,
	}, nil
}

// List returns the caller's submissions, newest first. Encrypted entries the
// key cannot open are returned locked with an empty record.
func (s *Store) List(ctx context.Context, id Identity, key string) ([]models.SubmittedForm, error) {
	var (
		entries []entry
		err     error
	)
	if id.SignedIn() {
		if s.remote == nil {
			return nil, ErrNoRemote
		}
		entries, err = s.remote.list(ctx, id.UserID)
	} else {
		entries, err = s.local.list(ctx, id.DeviceID)
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
	return resolve(ctx, entries, key)
}

// Clear irreversibly drops the caller's history.
func (s *Store) Clear(ctx context.Context, id Identity, confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}
	if id.SignedIn() {
		if s.remote == nil {
			return ErrNoRemote
		}
		return s.remote.clear(ctx, id.UserID)
	}
	return s.local.clear(ctx, id.DeviceID)
}

func resolve(ctx context.Context, entries []entry, key string) ([]models.SubmittedForm, error) {
	out := make([]models.SubmittedForm, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(decryptWorkers)
	for i, e := range entries {
		out[i] = models.SubmittedForm{ID: e.ID, Timestamp: e.Timestamp, Encrypted: e.Encrypted}
		if !e.Encrypted {
			if e.Data != nil {
				out[i].Data = *e.Data
			}
			continue
		}
		if strings.TrimSpace(key) == "" || e.Payload == nil {
			out[i].Locked = true
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				out[i].Locked = true
				return nil
			}
			rec, err := vault.Decrypt(key, e.Payload)
			if err != nil {
				out[i].Locked = true
				return nil
			}
			out[i].Data = rec
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}
