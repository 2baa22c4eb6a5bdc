// Package session persists the most recent check result and the content it
// was run on, so a new process for the same session can restore them.
package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/kv"
)

const (
	keyResult  = "last_result"
	keyContent = "last_content"
)

// Snapshot is what Restore hands back.
type Snapshot struct {
	Result  domain.CheckRecord
	Content string
}

// Store reads and writes the snapshot under a session namespace.
type Store struct {
	backend kv.Store
	prefix  string
}

// New creates a store for sessionID over backend.
func New(backend kv.Store, sessionID string) *Store {
	return &Store{backend: backend, prefix: "session:" + sessionID + ":"}
}

// Save writes the result and its source content.
func (s *Store) Save(ctx context.Context, result domain.CheckRecord, content string) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, s.prefix+keyResult, string(data)); err != nil {
		return err
	}
	return s.backend.Set(ctx, s.prefix+keyContent, content)
}

// Restore returns the saved snapshot. Missing or undecodable state is a
// miss.
func (s *Store) Restore(ctx context.Context) (Snapshot, bool) {
	raw, ok, err := s.backend.Get(ctx, s.prefix+keyResult)
	if err != nil || !ok {
		return Snapshot{}, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap.Result); err != nil || snap.Result.ID == "" {
		return Snapshot{}, false
	}

	content, ok, err := s.backend.Get(ctx, s.prefix+keyContent)
	if err == nil && ok {
		snap.Content = content
	}
	return snap, true
}

// Clear removes both keys.
func (s *Store) Clear(ctx context.Context) error {
	return errors.Join(
		s.backend.Delete(ctx, s.prefix+keyResult),
		s.backend.Delete(ctx, s.prefix+keyContent),
	)
}
