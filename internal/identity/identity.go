// Package identity persists the per-profile anonymous identity: a stable
// user id, a chosen nickname and color, and the creator tokens for rooms
// created from this profile. It models the browser's local storage: one
// profile directory per "browser", never shared.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"codepedia/internal/util"
)

const (
	profileFile = "profile.json"

	// MinNicknameLen is the shortest accepted display nickname.
	MinNicknameLen = 3

	userIDKey   = "userId"
	nicknameKey = "nickname"
	colorKey    = "color"

	creatorTokenPrefix = "leader_"
)

// ErrNicknameTooShort rejects nicknames below MinNicknameLen after trimming.
var ErrNicknameTooShort = fmt.Errorf("identity: nickname must be at least %d characters", MinNicknameLen)

// Store is a file-backed key-value profile. All writes are flushed to disk
// before returning.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// Open loads the profile under dir, creating the directory and an empty
// profile when missing.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("identity: profile dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("identity: create profile dir: %w", err)
	}
	s := &Store{
		path: filepath.Join(dir, profileFile),
		data: make(map[string]string),
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("identity: read profile: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("identity: parse profile: %w", err)
	}
	return s, nil
}

// NewUserID mints a fresh anonymous id.
func NewUserID() string {
	return "dev-" + util.NewID()[:10]
}

// UserID returns the stable anonymous id, generating and persisting one on
// first use.
func (s *Store) UserID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id := s.data[userIDKey]; id != "" {
		return id, nil
	}
	id := NewUserID()
	s.data[userIDKey] = id
	if err := s.saveLocked(); err != nil {
		return "", err
	}
	return id, nil
}

// Nickname returns the chosen nickname, assigning a default on first use.
func (s *Store) Nickname() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nick := s.data[nicknameKey]; nick != "" {
		return nick, nil
	}
	nick := "Dev-" + util.NewID()[:4]
	s.data[nicknameKey] = nick
	if err := s.saveLocked(); err != nil {
		return "", err
	}
	return nick, nil
}

// SetNickname validates and persists a new nickname.
func (s *Store) SetNickname(nick string) error {
	nick = strings.TrimSpace(nick)
	if len([]rune(nick)) < MinNicknameLen {
		return ErrNicknameTooShort
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[nicknameKey] = nick
	return s.saveLocked()
}

// Color returns the chosen message color, empty when unset.
func (s *Store) Color() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[colorKey]
}

// SetColor persists the message color.
func (s *Store) SetColor(color string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[colorKey] = strings.TrimSpace(color)
	return s.saveLocked()
}

// CreatorToken returns the locally held creator token for a room, empty
// when this profile never created the room.
func (s *Store) CreatorToken(roomKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[creatorTokenPrefix+roomKey]
}

// SetCreatorToken persists a creator token. This is the only place the
// token is ever stored.
func (s *Store) SetCreatorToken(roomKey, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[creatorTokenPrefix+roomKey] = token
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encode profile: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("identity: write profile: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("identity: replace profile: %w", err)
	}
	return nil
}
