// Package tokens implements the encrypted token store: an opaque
// string key to OAuth token map, sealed at rest with the process-wide
// AES-GCM key and swept periodically for expired entries.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mcpgate/pkg/crypto"
	"mcpgate/pkg/logging"
	"mcpgate/pkg/oauth"
)

// sweepInterval is the cadence of the background cleanup sweep.
const sweepInterval = time.Minute

// clientTokenKeyPrefix is how many characters of the client token are
// baked into a store key. Enough to separate clients, short enough to
// keep full credentials out of key material.
const clientTokenKeyPrefix = 16

// Key builds the store key for a (serverID, clientToken) pair.
func Key(serverID, clientToken string) string {
	prefix := clientToken
	if len(prefix) > clientTokenKeyPrefix {
		prefix = prefix[:clientTokenKeyPrefix]
	}
	return serverID + "::" + prefix
}

// Backend is the raw key/value surface beneath the store. The in-memory
// backend is always available; a Redis backend is bound when the
// configuration names one.
type Backend interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	// Range calls f for each entry until f returns false.
	Range(ctx context.Context, f func(key, value string) bool) error
	Close() error
}

// Store is the encrypted token map. All values are sealed with the
// process key before they reach the backend.
type Store struct {
	backend Backend
	key     []byte

	stopSweep chan struct{}
}

// NewStore creates a store over the given backend using the given
// 32-byte encryption key.
func NewStore(backend Backend, key []byte) (*Store, error) {
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("token store key must be %d bytes, got %d", crypto.KeySize, len(key))
	}
	return &Store{
		backend:   backend,
		key:       key,
		stopSweep: make(chan struct{}),
	}, nil
}

// Put encrypts and stores a token under the given key.
func (s *Store) Put(ctx context.Context, key string, token *oauth.Token) error {
	plaintext, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to serialize token: %w", err)
	}
	envelope, err := crypto.Encrypt(plaintext, s.key)
	if err != nil {
		return fmt.Errorf("failed to seal token: %w", err)
	}
	if err := s.backend.Put(ctx, key, envelope); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	logging.Debug("TokenStore", "Stored token for key=%s (expires: %v)", key, token.ExpiresAt())
	return nil
}

// Get retrieves and decrypts a token. A record that fails to decrypt is
// deleted and reported as absent: a corrupt envelope is unrecoverable.
func (s *Store) Get(ctx context.Context, key string) (*oauth.Token, bool) {
	envelope, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		logging.Warn("TokenStore", "Backend read failed for key=%s: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	plaintext, err := crypto.Decrypt(envelope, s.key)
	if err != nil {
		if errors.Is(err, crypto.ErrCorruptCiphertext) {
			logging.Warn("TokenStore", "Deleting corrupt token record for key=%s", key)
			_ = s.backend.Delete(ctx, key)
		}
		return nil, false
	}

	var token oauth.Token
	if err := json.Unmarshal(plaintext, &token); err != nil {
		logging.Warn("TokenStore", "Deleting undecodable token record for key=%s", key)
		_ = s.backend.Delete(ctx, key)
		return nil, false
	}
	return &token, true
}

// Delete removes a token.
func (s *Store) Delete(ctx context.Context, key string) {
	if err := s.backend.Delete(ctx, key); err != nil {
		logging.Warn("TokenStore", "Backend delete failed for key=%s: %v", key, err)
	}
}

// Range iterates the decrypted tokens. Entries that fail to decrypt are
// skipped (Cleanup removes them).
func (s *Store) Range(ctx context.Context, f func(key string, token *oauth.Token) bool) {
	err := s.backend.Range(ctx, func(key, envelope string) bool {
		plaintext, err := crypto.Decrypt(envelope, s.key)
		if err != nil {
			return true
		}
		var token oauth.Token
		if err := json.Unmarshal(plaintext, &token); err != nil {
			return true
		}
		return f(key, &token)
	})
	if err != nil {
		logging.Warn("TokenStore", "Backend range failed: %v", err)
	}
}

// Cleanup removes every entry that is expired or fails to decrypt.
// Returns the number of removed entries.
func (s *Store) Cleanup(ctx context.Context) int {
	now := time.Now().UnixMilli()
	var stale []string

	err := s.backend.Range(ctx, func(key, envelope string) bool {
		plaintext, err := crypto.Decrypt(envelope, s.key)
		if err != nil {
			stale = append(stale, key)
			return true
		}
		var token oauth.Token
		if err := json.Unmarshal(plaintext, &token); err != nil {
			stale = append(stale, key)
			return true
		}
		if token.ExpiresAtUnixMs != 0 && token.ExpiresAtUnixMs <= now {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		logging.Warn("TokenStore", "Cleanup range failed: %v", err)
		return 0
	}

	for _, key := range stale {
		_ = s.backend.Delete(ctx, key)
	}
	if len(stale) > 0 {
		logging.Debug("TokenStore", "Cleaned up %d expired or corrupt tokens", len(stale))
	}
	return len(stale)
}

// StartSweeper runs Cleanup once per minute until Stop is called or the
// context ends.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Cleanup(ctx)
			case <-s.stopSweep:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the background sweeper and closes the backend.
func (s *Store) Stop() {
	close(s.stopSweep)
	if err := s.backend.Close(); err != nil {
		logging.Warn("TokenStore", "Backend close failed: %v", err)
	}
}
