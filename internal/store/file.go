package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"notibot/internal/domain"
)

const (
	stateDirPerm  fs.FileMode = 0o777
	stateFilePerm fs.FileMode = 0o666
)

// FileStore keeps each record in its own JSON file.
//
// Files:
//   - <dir>/NotiBot_GroupIDs.json     ([{"GroupName":..,"GroupID":..}])
//   - <dir>/NotiBot_LastMessageID.json ({"LastMessageID":..,"LastUpdateOffset":..})
//
// A missing directory, missing file or empty file reads as zero state.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) LoadGroups(ctx context.Context) ([]domain.Group, error) {
	var groups []domain.Group
	found, err := s.read(GroupsFileName, &groups)
	if err != nil {
		return nil, err
	}
	if !found {
		s.logger.Debug("groups file not found, starting empty", "dir", s.dir)
		return []domain.Group{}, nil
	}
	return dedupGroups(groups, s.logger), nil
}

func (s *FileStore) SaveGroups(ctx context.Context, groups []domain.Group) error {
	if groups == nil {
		groups = []domain.Group{}
	}
	return s.write(GroupsFileName, groups)
}

func (s *FileStore) LoadCursor(ctx context.Context) (domain.Cursor, error) {
	var c domain.Cursor
	found, err := s.read(CursorFileName, &c)
	if err != nil {
		return domain.Cursor{}, err
	}
	if !found {
		s.logger.Debug("cursor file not found, starting at zero", "dir", s.dir)
	}
	return c, nil
}

func (s *FileStore) SaveCursor(ctx context.Context, c domain.Cursor) error {
	return s.write(CursorFileName, c)
}

func (s *FileStore) Close() error { return nil }

// read decodes name into v. It reports false when there is nothing to decode.
func (s *FileStore) read(name string, v any) (bool, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return true, nil
}

// write replaces the full content of name, creating the directory and a
// world-writable file on first use.
func (s *FileStore) write(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.MkdirAll(s.dir, stateDirPerm); err != nil {
		return fmt.Errorf("create state directory %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := createWorldWritable(path); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, stateFilePerm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func createWorldWritable(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, stateFilePerm)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	// umask strips the mode given to OpenFile.
	if err := os.Chmod(path, stateFilePerm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
