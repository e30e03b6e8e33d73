package main

import (
	"fmt"
	"io"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/switchboard"
	"gorm.io/gorm"
)

// loadConfig reads the config at path. An empty path uses defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connectFromConfig loads config and opens a migrated database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		db.Close(gormDB)
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// openStore opens the session store for the configured group.
func openStore(cfg *config.Config, gormDB *gorm.DB) (*session.Store, error) {
	store, err := session.NewStore(session.StoreOpts{
		Persister:    db.NewGroupStore(gormDB),
		GroupID:      cfg.Group,
		VisibleWords: cfg.Stream.VisibleWords,
		OverlapCap:   cfg.Stream.OverlapCap,
	})
	if err != nil {
		return nil, fmt.Errorf("open sessions for group %q: %w", cfg.Group, err)
	}
	return store, nil
}

// newSwitchboard wires a switchboard for cfg around store.
func newSwitchboard(cfg *config.Config, store *session.Store, gormDB *gorm.DB, out io.Writer) (*switchboard.Switchboard, error) {
	return switchboard.New(switchboard.Opts{
		Store: store,
		Spawner: &switchboard.AgentSpawner{
			Binary:  cfg.Agent.Binary,
			Args:    cfg.Agent.Args,
			WorkDir: cfg.Agent.WorkDir,
		},
		DB:                gormDB,
		GroupID:           cfg.Group,
		WorkDir:           cfg.Agent.WorkDir,
		MaxConcurrentRuns: cfg.Agent.MaxConcurrentRuns,
		IdleTimeout:       cfg.Timeouts.Idle,
		AbsoluteTimeout:   cfg.Timeouts.Absolute,
		Out:               out,
	})
}
