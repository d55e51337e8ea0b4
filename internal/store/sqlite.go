package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"notibot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the group list and cursor in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

func NewSQLiteStore(dir string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, SQLiteFileName)

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func (s *SQLiteStore) LoadGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, chat_id FROM chat_groups ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	groups := []domain.Group{}
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.Name, &g.ID); err != nil {
			return nil, fmt.Errorf("%w: groups row: %v", ErrCorrupt, err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) SaveGroups(ctx context.Context, groups []domain.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save groups: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_groups`); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}
	for i, g := range dedupGroups(groups, s.logger) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_groups (name, chat_id, position) VALUES (?, ?, ?)`,
			g.Name, g.ID, i,
		); err != nil {
			return fmt.Errorf("insert group %q: %w", g.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadCursor(ctx context.Context) (domain.Cursor, error) {
	var c domain.Cursor
	err := s.db.QueryRowContext(ctx,
		`SELECT last_message_id, last_update_offset FROM poll_cursor WHERE id = 1`,
	).Scan(&c.LastMessageID, &c.LastUpdateOffset)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cursor{}, nil
	}
	if err != nil {
		return domain.Cursor{}, fmt.Errorf("query cursor: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, c domain.Cursor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO poll_cursor (id, last_message_id, last_update_offset) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_update_offset = excluded.last_update_offset`,
		c.LastMessageID, c.LastUpdateOffset,
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
