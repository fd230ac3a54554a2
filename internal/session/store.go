// Package session persists one opaque session ID per provider. The session
// is a hint, not a correctness requirement: any read or write error yields
// the empty mapping and a debug log.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultPath is the store location relative to the working directory.
const DefaultPath = ".sessions/session-store.json"

// Entry is the stored record for one provider.
type Entry struct {
	SessionID string `json:"sessionId"`
	UpdatedAt string `json:"updatedAt"`
}

// Store is a file-backed provider -> session ID mapping with atomic writes.
type Store struct {
	path string
	log  *zap.Logger
}

// New constructs a store at path. An empty path uses DefaultPath.
func New(path string, log *zap.Logger) *Store {
	if path == "" {
		path = DefaultPath
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{path: path, log: log}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) load() map[string]Entry {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Debug("session store read failed, using empty store", zap.Error(err))
		}
		return map[string]Entry{}
	}
	var parsed map[string]Entry
	if err := json.Unmarshal(b, &parsed); err != nil {
		s.log.Debug("session store decode failed, using empty store", zap.Error(err))
		return map[string]Entry{}
	}
	if parsed == nil {
		return map[string]Entry{}
	}
	return parsed
}

func (s *Store) save(store map[string]Entry) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", filepath.Base(s.path), os.Getpid(), time.Now().UnixMicro()))
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Get returns the stored session ID for provider, or "" when absent.
func (s *Store) Get(provider string) string {
	entry, ok := s.load()[provider]
	if !ok {
		return ""
	}
	return entry.SessionID
}

// Set records a session ID for provider and writes the store atomically.
func (s *Store) Set(provider, sessionID string) {
	store := s.load()
	store[provider] = Entry{
		SessionID: sessionID,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.save(store); err != nil {
		s.log.Debug("session store write failed", zap.String("provider", provider), zap.Error(err))
	}
}

// Clear removes the stored session for provider.
func (s *Store) Clear(provider string) {
	store := s.load()
	if _, ok := store[provider]; !ok {
		return
	}
	delete(store, provider)
	if err := s.save(store); err != nil {
		s.log.Debug("session store clear failed", zap.String("provider", provider), zap.Error(err))
	}
}
