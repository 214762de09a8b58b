// Package store persists the group codes this site is synced with.
package store

import (
	"context"
	"sync"
)

// Entry is one stored group code and its active flag.
type Entry struct {
	Token  string `json:"token"`
	Active bool   `json:"active"`
}

// TokenSet is an insertion-ordered map from group code to active flag.
type TokenSet struct {
	order  []string
	active map[string]bool
}

// NewTokenSet returns an empty set.
func NewTokenSet() *TokenSet {
	return &TokenSet{active: make(map[string]bool)}
}

// FromEntries builds a set from persisted entries. Later duplicates are
// ignored.
func FromEntries(entries []Entry) *TokenSet {
	s := NewTokenSet()
	for _, e := range entries {
		if _, ok := s.active[e.Token]; ok {
			continue
		}
		s.order = append(s.order, e.Token)
		s.active[e.Token] = e.Active
	}
	return s
}

// Add stores token as active. It reports whether the token was new.
func (s *TokenSet) Add(token string) bool {
	_, exists := s.active[token]
	if !exists {
		s.order = append(s.order, token)
	}
	s.active[token] = true
	return !exists
}

// Remove deletes token. It reports whether the token was present.
func (s *TokenSet) Remove(token string) bool {
	if _, ok := s.active[token]; !ok {
		return false
	}
	delete(s.active, token)
	for i, t := range s.order {
		if t == token {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Has reports whether token is stored.
func (s *TokenSet) Has(token string) bool {
	_, ok := s.active[token]
	return ok
}

// Len returns the number of stored tokens.
func (s *TokenSet) Len() int { return len(s.order) }

// Tokens returns the stored tokens in insertion order.
func (s *TokenSet) Tokens() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Entries returns the stored tokens with their flags in insertion order.
func (s *TokenSet) Entries() []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, t := range s.order {
		out = append(out, Entry{Token: t, Active: s.active[t]})
	}
	return out
}

// Store loads and saves the whole token set. Every mutation is a full read,
// an in-memory change and a full rewrite; implementations do not merge
// concurrent writers.
type Store interface {
	Load(ctx context.Context) (*TokenSet, error)
	Save(ctx context.Context, set *TokenSet) error
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns a Memory store holding the given tokens.
func NewMemory(tokens ...string) *Memory {
	m := &Memory{}
	for _, t := range tokens {
		m.entries = append(m.entries, Entry{Token: t, Active: true})
	}
	return m
}

// Load returns a copy of the stored set.
func (m *Memory) Load(_ context.Context) (*TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return FromEntries(m.entries), nil
}

// Save replaces the stored set.
func (m *Memory) Save(_ context.Context, set *TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = set.Entries()
	return nil
}
