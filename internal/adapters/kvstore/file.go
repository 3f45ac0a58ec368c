package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore keeps every key in one JSON document on disk so sessions survive a process restart.
// Writes go to a temp file in the same directory and are renamed over the original.
type FileStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewFileStore creates a store backed by path, creating the parent directory if needed
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Get returns the value stored under key
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return nil, false, err
	}
	v, ok := data[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

// Set overwrites the value under key and flushes the document to disk
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}
	data[key] = string(value)
	return s.writeLocked(data)
}

// Delete removes key and flushes the document to disk
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := data[key]; !ok {
		return nil
	}
	delete(data, key)
	return s.writeLocked(data)
}

// readLocked loads the document. A corrupt document is logged and treated as empty.
func (s *FileStore) readLocked() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("Session file is corrupt, starting empty",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return make(map[string]string), nil
	}
	return data, nil
}

func (s *FileStore) writeLocked(data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp session file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
