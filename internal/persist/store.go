package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"pkt.systems/pslog"
	"pkt.systems/tabtree/schema"
)

// Store persists window shape snapshots to disk, one file per window.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a window shape from disk.
func (s *Store) Load(window schema.WindowID) (schema.ShapeSnapshot, bool, error) {
	path := s.pathForWindow(window)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("state load miss", "window", int64(window))
			return schema.ShapeSnapshot{}, false, nil
		}
		s.warn("state load failed", "window", int64(window), "err", err)
		return schema.ShapeSnapshot{}, false, err
	}
	var shape schema.ShapeSnapshot
	if err := json.Unmarshal(data, &shape); err != nil {
		s.warn("state load failed", "window", int64(window), "err", err)
		return schema.ShapeSnapshot{}, false, err
	}
	if shape.WindowID == schema.NoWindow {
		shape.WindowID = window
	}
	s.debug("state load ok", "window", int64(window), "tabs", len(shape.URLs), "groups", len(shape.Groups))
	return shape, true, nil
}

// Save writes a window shape to disk atomically.
func (s *Store) Save(window schema.WindowID, shape schema.ShapeSnapshot) error {
	if err := s.save(window, shape); err != nil {
		s.warn("state save failed", "window", int64(window), "err", err)
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "window", int64(window), "tabs", len(shape.URLs))
	}
	return nil
}

func (s *Store) save(window schema.WindowID, shape schema.ShapeSnapshot) error {
	path := s.pathForWindow(window)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(shape, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Delete removes the saved shape of a window. A missing file is not an error.
func (s *Store) Delete(window schema.WindowID) error {
	err := os.Remove(s.pathForWindow(window))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.warn("state delete failed", "window", int64(window), "err", err)
		return err
	}
	return nil
}

func (s *Store) pathForWindow(window schema.WindowID) string {
	return filepath.Join(s.dir, fmt.Sprintf("window-%d.json", int64(window)))
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}
