package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidInput is returned for empty usernames or passwords.
	ErrInvalidInput = errors.New("username and password are required")

	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrNoSuchUser is returned when the username has no credential record.
	ErrNoSuchUser = errors.New("no such user")

	// ErrWrongPassword is returned when the password does not match.
	ErrWrongPassword = errors.New("wrong password")

	// ErrBanned is returned when a banned user attempts to authenticate.
	ErrBanned = errors.New("user is banned")

	// ErrInvalidToken is returned for unknown, consumed, or expired
	// reset tokens.
	ErrInvalidToken = errors.New("invalid or expired reset token")
)

// resetTokenTTL is how long a password reset token stays valid.
const resetTokenTTL = 15 * time.Minute

// record is a persisted credential entry.
type record struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password"`
}

// resetToken is a pending password reset request.
type resetToken struct {
	Username string
	Token    string
	Expires  time.Time
}

// Store holds username -> credential hash records and per-account ban
// flags, persisted as JSON files under a data directory. An empty dir
// disables persistence (useful in tests).
type Store struct {
	mu     sync.Mutex
	users  map[string]*record
	banned map[string]bool
	tokens []resetToken
	dir    string
}

// NewStore creates a Store persisting under dir.
func NewStore(dir string) *Store {
	return &Store{
		users:  make(map[string]*record),
		banned: make(map[string]bool),
		dir:    dir,
	}
}

func (s *Store) usersFile() string  { return filepath.Join(s.dir, "users.json") }
func (s *Store) bannedFile() string { return filepath.Join(s.dir, "banned.json") }

// Load reads previously persisted users and ban flags. Missing files
// are not an error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}

	if data, err := os.ReadFile(s.usersFile()); err == nil {
		var list []*record
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		for _, r := range list {
			s.users[r.Username] = r
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if data, err := os.ReadFile(s.bannedFile()); err == nil {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		for _, name := range list {
			s.banned[name] = true
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}

// saveUsersLocked persists credential records. Callers must hold mu.
func (s *Store) saveUsersLocked() error {
	if s.dir == "" {
		return nil
	}
	list := make([]*record, 0, len(s.users))
	for _, r := range s.users {
		list = append(list, r)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.usersFile(), data, 0644)
}

// saveBannedLocked persists the ban list. Callers must hold mu.
func (s *Store) saveBannedLocked() error {
	if s.dir == "" {
		return nil
	}
	list := make([]string, 0, len(s.banned))
	for name := range s.banned {
		list = append(list, name)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.bannedFile(), data, 0644)
}

// Register creates a new credential record.
func (s *Store) Register(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.users[username] = &record{Username: username, PasswordHash: string(hash)}
	if err := s.saveUsersLocked(); err != nil {
		delete(s.users, username) // rollback
		return err
	}
	return nil
}

// Authenticate verifies the password for username. The ban flag is
// checked before success is declared.
func (s *Store) Authenticate(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.banned[username] {
		return ErrBanned
	}
	r, exists := s.users[username]
	if !exists {
		return ErrNoSuchUser
	}
	if err := bcrypt.CompareHashAndPassword([]byte(r.PasswordHash), []byte(password)); err != nil {
		return ErrWrongPassword
	}
	return nil
}

// Exists reports whether a credential record exists for username.
func (s *Store) Exists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// SetBanned sets or clears the ban flag for username. Clearing a flag
// that is not set reports false; setting is always recorded, even for
// usernames with no credential record.
func (s *Store) SetBanned(username string, banned bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !banned {
		if !s.banned[username] {
			return false
		}
		delete(s.banned, username)
	} else {
		s.banned[username] = true
	}
	s.saveBannedLocked()
	return true
}

// IsBanned reports whether username is banned.
func (s *Store) IsBanned(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banned[username]
}

// EnsureUser creates or resets the credential record for username.
// Used at boot so configured admin accounts always exist with a known
// password.
func (s *Store) EnsureUser(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.users[username] = &record{Username: username, PasswordHash: string(hash)}
	return s.saveUsersLocked()
}

// CreateResetToken issues a password reset token for username, valid
// for 15 minutes.
func (s *Store) CreateResetToken(username string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; !exists {
		return "", time.Time{}, ErrNoSuchUser
	}

	b := make([]byte, 12)
	rand.Read(b)
	token := hex.EncodeToString(b)
	expires := time.Now().Add(resetTokenTTL)
	s.tokens = append(s.tokens, resetToken{Username: username, Token: token, Expires: expires})
	return token, expires, nil
}

// ResetPassword consumes a valid token and replaces the stored hash.
func (s *Store) ResetPassword(username, token, newPassword string) error {
	if username == "" || token == "" || newPassword == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	idx := -1
	for i, t := range s.tokens {
		if t.Username == username && t.Token == token && t.Expires.After(now) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrInvalidToken
	}
	s.tokens = append(s.tokens[:idx], s.tokens[idx+1:]...)

	r, exists := s.users[username]
	if !exists {
		return ErrNoSuchUser
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	r.PasswordHash = string(hash)
	return s.saveUsersLocked()
}
