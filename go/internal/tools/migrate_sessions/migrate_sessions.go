package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/classroom/go/internal/dbconfig"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS classroom_sessions (
	   code       CHAR(6) PRIMARY KEY,
	   lesson_id  TEXT NOT NULL,
	   stages     JSONB,
	   created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	   ended_at   TIMESTAMPTZ
	 )`,
	`CREATE INDEX IF NOT EXISTS classroom_sessions_open_idx
	   ON classroom_sessions (created_at)
	   WHERE ended_at IS NULL`,
}

func main() {
	ctx := context.Background()

	cfg := dbconfig.NewConfigFromEnv()
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid database config: %v\n", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	for i, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			fmt.Fprintf(os.Stderr, "statement %d failed: %v\n", i+1, err)
			os.Exit(1)
		}
	}

	var open int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM classroom_sessions WHERE ended_at IS NULL`).Scan(&open); err != nil {
		fmt.Fprintf(os.Stderr, "count open sessions: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Schema ready in %s: %d statements applied, %d open sessions\n", cfg.Database, len(statements), open)
}
