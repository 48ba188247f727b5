package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// ErrNoSession is returned when no session has been stored yet.
var ErrNoSession = errors.New("no session, log in first")

// Session is the persisted identity of the logged in user.
type Session struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Language string `json:"language,omitempty"`
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if _, err := uuid.Parse(s.UserID); err != nil {
		return fmt.Errorf("invalid user_id: %w", err)
	}
	if s.Language != "" {
		if _, err := language.Parse(s.Language); err != nil {
			return fmt.Errorf("invalid language: %w", err)
		}
	}
	return nil
}

// WithSessionLanguage lets the stored language preference override LANGUAGE.
func WithSessionLanguage(s Session) Option {
	return func(c *Config) {
		if tag, err := language.Parse(s.Language); err == nil && s.Language != "" {
			c.API.Language = tag
		}
	}
}

func LoadSessionFile(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("invalid session file: %w", err)
	}
	return session, nil
}

func WriteSessionFile(path string, session Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// SessionStore keeps the current session in memory and on disk.
type SessionStore struct {
	path string

	mu      sync.RWMutex
	current *Session
}

// NewSessionStore loads the session at path if one exists.
func NewSessionStore(path string) (*SessionStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("session file path is required")
	}
	store := &SessionStore{path: path}

	session, err := LoadSessionFile(path)
	switch {
	case errors.Is(err, ErrNoSession):
	case err != nil:
		return nil, err
	default:
		if err := session.Validate(); err != nil {
			return nil, fmt.Errorf("stored session: %w", err)
		}
		store.current = &session
	}
	return store, nil
}

func (s *SessionStore) Get() (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, ErrNoSession
	}
	return *s.current, nil
}

func (s *SessionStore) Update(next Session) (Session, error) {
	if err := WriteSessionFile(s.path, next); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	s.current = &next
	s.mu.Unlock()
	return next, nil
}

// Clear forgets the session, in memory and on disk.
func (s *SessionStore) Clear() error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
