package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"bollipi/internal/dialog"
	"bollipi/internal/redis"
)

const redisSnapshotPrefix = "bol_lipi_session:"

// stateRedis mirrors the latest snapshot of each session so a client can
// still read where it left off after the session expired.
type stateRedis struct {
	client *redis.Client
	ttl    time.Duration
}

func newStateCache(client *redis.Client, ttl time.Duration) *stateRedis {
	if client == nil {
		return nil
	}
	return &stateRedis{client: client, ttl: ttl}
}

func (r *stateRedis) saveSnapshot(sessionID string, snap dialog.Snapshot) {
	if r == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("worker: encode snapshot: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.SetTTL(ctx, redisSnapshotPrefix+sessionID, data, r.ttl); err != nil {
		log.Printf("worker: cache snapshot for %s: %v", sessionID, err)
	}
}

func (r *stateRedis) loadSnapshot(ctx context.Context, sessionID string) (dialog.Snapshot, bool) {
	var snap dialog.Snapshot
	if r == nil {
		return snap, false
	}
	data, err := r.client.Get(ctx, redisSnapshotPrefix+sessionID)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			log.Printf("worker: read snapshot for %s: %v", sessionID, err)
		}
		return snap, false
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("worker: decode snapshot for %s: %v", sessionID, err)
		return snap, false
	}
	return snap, true
}

func (r *stateRedis) dropSnapshot(sessionID string) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, redisSnapshotPrefix+sessionID); err != nil {
		log.Printf("worker: drop snapshot for %s: %v", sessionID, err)
	}
}
