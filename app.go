package main

import (
	"database/sql"
	"fmt"
	"log"

	"bollipi/internal/config"
	"bollipi/internal/redis"
	"bollipi/internal/service/submission"
	"bollipi/internal/storage"
)

// app holds the storage handles shared by the commands.
type app struct {
	cfg *config.Config
	db  *sql.DB
	rdb *redis.Client
	kv  submission.KV
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.PathFromEnv()
	}
	return config.Load(path)
}

// openApp loads config, opens and migrates the database and connects to
// redis. Without redis, device history lives in memory for this process only.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	driver := cfg.BasicConfig.DatabaseDriver
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	a := &app{cfg: cfg, db: db}
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, device history kept in memory: %v", err)
		a.kv = submission.NewMemoryKV()
	} else {
		a.rdb = rdb
		a.kv = rdb
	}
	return a, nil
}

func (a *app) store() *submission.Store {
	return submission.NewStore(submission.NewLocalStore(a.kv), submission.NewRemoteStore(a.db, a.cfg.BasicConfig.DatabaseDriver))
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	a.db.Close()
}
