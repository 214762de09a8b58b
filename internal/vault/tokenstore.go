package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/metrics"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/store"
)

const tokensKey = "tokens"

// ValidatePathSegment rejects empty segments and path traversal.
func ValidatePathSegment(s string) error {
	if s == "" || s == "." || s == ".." ||
		strings.Contains(s, "/") || strings.Contains(s, "\\") {
		return fmt.Errorf("invalid path segment: %q", s)
	}
	return nil
}

// TokenStore keeps the group code set in a single KV v2 secret.
type TokenStore struct {
	c     *Client
	mount string
	path  string
}

var _ store.Store = (*TokenStore)(nil)

// NewTokenStore returns a store backed by the secret at mount/path.
func NewTokenStore(c *Client, mount, path string) (*TokenStore, error) {
	if err := ValidatePathSegment(mount); err != nil {
		return nil, fmt.Errorf("kv mount: %w", err)
	}
	for _, seg := range strings.Split(path, "/") {
		if err := ValidatePathSegment(seg); err != nil {
			return nil, fmt.Errorf("kv path: %w", err)
		}
	}
	return &TokenStore{c: c, mount: mount, path: path}, nil
}

// Load reads the token set. A missing secret is an empty set.
func (s *TokenStore) Load(ctx context.Context) (*store.TokenSet, error) {
	kv, err := s.c.KVv2(ctx, s.mount)
	if err != nil {
		observe("load_tokens", err)
		return nil, fmt.Errorf("vault auth for load tokens: %w", err)
	}

	secret, err := kv.Get(ctx, s.path)
	if errors.Is(err, vaultapi.ErrSecretNotFound) {
		metrics.VaultRequestsTotal.WithLabelValues("load_tokens", "not_found").Inc()
		return store.NewTokenSet(), nil
	}
	observe("load_tokens", err)
	if err != nil {
		return nil, fmt.Errorf("read token set %s/%s: %w", s.mount, s.path, err)
	}

	entries, err := entriesFromData(secret.Data)
	if err != nil {
		return nil, fmt.Errorf("decode token set %s/%s: %w", s.mount, s.path, err)
	}
	return store.FromEntries(entries), nil
}

// Save replaces the token set.
func (s *TokenStore) Save(ctx context.Context, set *store.TokenSet) error {
	kv, err := s.c.KVv2(ctx, s.mount)
	if err == nil {
		_, err = kv.Put(ctx, s.path, dataFromEntries(set.Entries()))
	}
	observe("save_tokens", err)
	if err != nil {
		return fmt.Errorf("write token set %s/%s: %w", s.mount, s.path, err)
	}
	return nil
}

// dataFromEntries encodes entries as an ordered list; KV data is a JSON object
// and would lose insertion order as a plain map.
func dataFromEntries(entries []store.Entry) map[string]interface{} {
	list := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]interface{}{
			"token":  e.Token,
			"active": e.Active,
		})
	}
	return map[string]interface{}{tokensKey: list}
}

func entriesFromData(data map[string]interface{}) ([]store.Entry, error) {
	raw, ok := data[tokensKey]
	if !ok || raw == nil {
		return nil, nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%q is %T, want a list", tokensKey, raw)
	}

	entries := make([]store.Entry, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("entry %d is %T, want an object", i, item)
		}
		tok, ok := obj["token"].(string)
		if !ok || tok == "" {
			return nil, fmt.Errorf("entry %d has no token", i)
		}
		active := true
		if v, ok := obj["active"].(bool); ok {
			active = v
		}
		entries = append(entries, store.Entry{Token: tok, Active: active})
	}
	return entries, nil
}
