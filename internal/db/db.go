package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const defaultDBName = "thorbis.db"

type Config struct {
	Workspace string
	Driver    string // sqlite (default) or postgres
	DSN       string // required for postgres
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".thorbis", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".thorbis")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. sqlite is the default workspace-local
// store; postgres (via the pgx stdlib driver) is for shared deployments.
func Open(cfg Config) (*sql.DB, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
		return sql.Open("sqlite", dsn)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for the postgres driver")
		}
		conn, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxIdleTime(5 * time.Minute)
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Path returns the sqlite db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
