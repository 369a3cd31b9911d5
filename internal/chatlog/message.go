package chatlog

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no message with the given ID exists.
var ErrNotFound = errors.New("message not found")

// ErrForbidden is returned when the acting user may not edit or delete
// the message. Only the author or a moderator may.
var ErrForbidden = errors.New("not allowed to modify this message")

// Message is a single broadcast chat message.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"user"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"time"`
	Edited    bool      `json:"edited"`
}

// Whisper is a private message between two users.
type Whisper struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"time"`
}

// Log is the interface for chat message history backends.
type Log interface {
	Append(author, body string) *Message
	Edit(id, newBody, actor string, isModerator bool) (*Message, error)
	Delete(id, actor string, isModerator bool) error
	Recent(limit int) []*Message
	Len() int
}

// newID returns a message ID ordered by creation time with a random
// tie-breaker for same-millisecond appends.
func newID(now time.Time) string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(b))
}

// canModify applies the edit/delete permission rule.
func canModify(m *Message, actor string, isModerator bool) bool {
	return isModerator || m.Author == actor
}
