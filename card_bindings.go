package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// cardBindingStore maps a server name to the Discord message that shows its
// status card. Every change is written to disk before Set returns so a
// restart edits the same message instead of posting a duplicate.
type cardBindingStore struct {
	path string

	mu       sync.RWMutex
	bindings map[string]string
}

func newCardBindingStore(path string) *cardBindingStore {
	return &cardBindingStore{path: path, bindings: make(map[string]string)}
}

// loadCardBindings reads path; a missing file yields an empty store.
func loadCardBindings(path string) (*cardBindingStore, error) {
	s := newCardBindingStore(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}
	var raw map[string]string
	if err := fastJSONUnmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for server, id := range raw {
		if server == "" || id == "" {
			continue
		}
		s.bindings[server] = id
	}
	return s, nil
}

func (s *cardBindingStore) Get(server string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bindings[server]
	return id, ok
}

// Set binds server to messageID and rewrites the binding file. The lock is
// held across the write so file contents always match some serial order of
// Set calls. On a persistence error the in-memory binding is kept.
func (s *cardBindingStore) Set(server, messageID string) error {
	if server == "" || messageID == "" {
		return fmt.Errorf("bind card: empty server or message id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindings[server] == messageID {
		return nil
	}
	s.bindings[server] = messageID
	return s.persistLocked()
}

// Snapshot returns a copy of all bindings.
func (s *cardBindingStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.bindings))
	for k, v := range s.bindings {
		out[k] = v
	}
	return out
}

func (s *cardBindingStore) Servers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bindings))
	for k := range s.bindings {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *cardBindingStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := fastJSONMarshalIndent(s.bindings)
	if err != nil {
		return fmt.Errorf("encode card bindings: %w", err)
	}
	if err := atomicReplaceFile(s.path, data, true); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}
