// Package kvstore provides the file-backed key-value namespace exposed to
// agent processes through the tool surface. Each key maps to one file under
// a base directory; values are opaque bytes (agents typically store JSON
// scratch notes). Writes are atomic so a concurrent reader never sees a
// partial value.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound indicates the key has no value.
var ErrNotFound = errors.New("key not found")

// keys are restricted to a flat, path-safe alphabet; the store serves
// untrusted processes and must not allow traversal out of its directory.
var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// Store is a directory-backed KV namespace.
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

// New creates a Store rooted at baseDir, creating it if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create kv directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Set stores value under key, overwriting atomically.
func (s *Store) Set(key string, value []byte) error {
	path, err := s.keyToPath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, value, 0644); err != nil {
		return fmt.Errorf("failed to write value: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to commit value: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	path, err := s.keyToPath(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read value: %w", err)
	}
	return data, nil
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (s *Store) Delete(key string) error {
	path, err := s.keyToPath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}

// Keys returns every key, sorted, optionally filtered by prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []string{}
	err := filepath.Walk(s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// List returns every key/value pair with the given prefix.
func (s *Store) List(prefix string) (map[string][]byte, error) {
	keys, err := s.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, err := s.Get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// Clear removes every key in the namespace.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("failed to read kv directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.baseDir, entry.Name())); err != nil {
			return fmt.Errorf("failed to clear kv namespace: %w", err)
		}
	}
	return nil
}

// keyToPath validates a key and resolves it inside the base directory.
func (s *Store) keyToPath(key string) (string, error) {
	if !validKey.MatchString(key) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}
