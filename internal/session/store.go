// Package session persists the visitor's auth state and bootstraps a
// usable session against the user-manager service.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
)

// Fixed keys in the store. They mirror what the browser builds keep in
// localStorage so a migration stays mechanical.
const (
	keyToken        = "qc_token"
	keyUserState    = "qc_user_state"
	keyConversation = "qc_conversation_id"
)

// UserState is the coarse tag distinguishing anonymous visitors from
// returning clients.
type UserState string

const (
	UserStateGuest  UserState = "guest"
	UserStateClient UserState = "client"
)

// Session is the authenticated identity the rest of the client runs
// under. UserID is derived from the token and is not persisted.
type Session struct {
	Token     string
	UserState UserState
	UserID    string
}

// Store is a durable key-value store for session state, backed by
// PebbleDB so it survives restarts.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	closed bool
}

// OpenStore opens (or creates) the store at dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create store dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("session: open store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Get returns the persisted session, or nil when none is stored.
func (s *Store) Get() (*Session, error) {
	token, err := s.get(keyToken)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}

	state, err := s.get(keyUserState)
	if err != nil {
		return nil, err
	}
	if state == "" {
		state = string(UserStateGuest)
	}

	return &Session{Token: token, UserState: UserState(state)}, nil
}

// Set persists the session wholesale, replacing whatever was there.
func (s *Store) Set(sess *Session) error {
	if err := s.set(keyToken, sess.Token); err != nil {
		return err
	}
	return s.set(keyUserState, string(sess.UserState))
}

// Clear removes all session state, including the remembered
// conversation id.
func (s *Store) Clear() error {
	for _, key := range []string{keyToken, keyUserState, keyConversation} {
		if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
			return fmt.Errorf("session: delete %s: %w", key, err)
		}
	}
	return nil
}

// ConversationID returns the last-known conversation id, or "" when
// none was recorded.
func (s *Store) ConversationID() (string, error) {
	return s.get(keyConversation)
}

// SetConversationID remembers the active conversation across restarts.
func (s *Store) SetConversationID(id string) error {
	return s.set(keyConversation, id)
}

func (s *Store) get(key string) (string, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: read %s: %w", key, err)
	}
	out := string(val)
	if err := closer.Close(); err != nil {
		return "", fmt.Errorf("session: close value: %w", err)
	}
	return out, nil
}

func (s *Store) set(key, val string) error {
	if err := s.db.Set([]byte(key), []byte(val), pebble.Sync); err != nil {
		return fmt.Errorf("session: write %s: %w", key, err)
	}
	return nil
}
