package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// cursorStore persists how many bytes of each server's latest.log have been
// fully processed. Rows are keyed by server name.
type cursorStore struct {
	db *sql.DB
}

func openCursorStore(path string) (*cursorStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// One connection keeps modernc.org/sqlite writers from contending on the
	// file; each monitor only writes a single small row at a time.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS log_cursors (
			server TEXT NOT NULL PRIMARY KEY,
			byte_offset INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create log_cursors: %w", err)
	}
	return &cursorStore{db: db}, nil
}

// Load returns the stored offset for server. ok is false the first time a
// server is seen.
func (s *cursorStore) Load(server string) (offset int64, ok bool, err error) {
	if s == nil || s.db == nil {
		return 0, false, nil
	}
	server = strings.TrimSpace(server)
	if server == "" {
		return 0, false, nil
	}
	err = s.db.QueryRow("SELECT byte_offset FROM log_cursors WHERE server = ?", server).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", server, err)
	}
	return offset, true, nil
}

func (s *cursorStore) Save(server string, offset int64) error {
	if s == nil || s.db == nil {
		return nil
	}
	server = strings.TrimSpace(server)
	if server == "" {
		return nil
	}
	if offset < 0 {
		return fmt.Errorf("save cursor %s: negative offset %d", server, offset)
	}
	_, err := s.db.Exec(`
		INSERT INTO log_cursors (server, byte_offset, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(server) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			updated_at = excluded.updated_at
	`, server, offset, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", server, err)
	}
	return nil
}

// All returns every stored cursor; used for the startup summary.
func (s *cursorStore) All() (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query("SELECT server, byte_offset FROM log_cursors ORDER BY server")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			server string
			offset int64
		)
		if err := rows.Scan(&server, &offset); err != nil {
			return nil, err
		}
		out[server] = offset
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close checkpoints the WAL into the main file before closing.
func (s *cursorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Warn("cursor store checkpoint failed", "error", err)
	}
	return s.db.Close()
}
