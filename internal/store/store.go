// Package store persists the relay's group list and polling cursor.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"notibot/internal/domain"
)

const (
	// GroupsFileName and CursorFileName are the record names inside the state directory.
	GroupsFileName = "NotiBot_GroupIDs.json"
	CursorFileName = "NotiBot_LastMessageID.json"
	SQLiteFileName = "notibot.db"
)

// ErrCorrupt is returned when a persisted record exists but cannot be decoded.
var ErrCorrupt = errors.New("corrupt state record")

// Store is the durable backing for the group registry and the update cursor.
// Saves overwrite the whole record.
type Store interface {
	LoadGroups(ctx context.Context) ([]domain.Group, error)
	SaveGroups(ctx context.Context, groups []domain.Group) error
	LoadCursor(ctx context.Context) (domain.Cursor, error)
	SaveCursor(ctx context.Context, c domain.Cursor) error
	Close() error
}

// Config selects and locates a store.
//
// Driver values:
//   - "json" (or empty): two JSON files in Dir
//   - "sqlite": a SQLite database in Dir
type Config struct {
	Driver string
	Dir    string
}

// Open returns the store selected by cfg.Driver.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("store dir is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "json":
		return NewFileStore(cfg.Dir, logger), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Dir, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// dedupGroups drops later entries whose name was already seen.
func dedupGroups(groups []domain.Group, logger *slog.Logger) []domain.Group {
	seen := make(map[string]struct{}, len(groups))
	out := make([]domain.Group, 0, len(groups))
	for _, g := range groups {
		if _, ok := seen[g.Name]; ok {
			logger.Warn("duplicate group name in state, keeping first", "group", g.Name, "chat_id", g.ID)
			continue
		}
		seen[g.Name] = struct{}{}
		out = append(out, g)
	}
	return out
}
