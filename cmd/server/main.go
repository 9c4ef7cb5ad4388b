package main

import (
	"net/http"
	"time"

	"prompt-duel/internal/config"
	"prompt-duel/internal/db"
	"prompt-duel/internal/logging"
	"prompt-duel/internal/server"
)

func main() {
	logger := logging.Default()
	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Warnw("failed to load .env", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("failed to load config", "error", err)
	}

	conn, err := db.Open()
	if err != nil {
		logger.Fatalw("failed to connect to database", "error", err)
	}
	if err := db.Pool(conn,
		cfg.DBMaxOpenConns,
		cfg.DBMaxIdleConns,
		time.Duration(cfg.DBConnMaxLifetimeSeconds)*time.Second,
		time.Duration(cfg.DBConnMaxIdleTimeSeconds)*time.Second,
	); err != nil {
		logger.Fatalw("failed to configure database pool", "error", err)
	}
	if err := db.Migrate(conn); err != nil {
		logger.Fatalw("database migration failed", "error", err)
	}

	scorer, err := server.DefaultScorer(cfg)
	if err != nil {
		logger.Fatalw("failed to build scorer", "error", err)
	}

	srv := server.New(conn, cfg, scorer)
	addr := ":" + cfg.Port
	logger.Infow("prompt-duel server listening", "addr", addr)
	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		logger.Fatalw("server exited", "error", err)
	}
}
