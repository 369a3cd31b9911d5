package chatlog

import (
	"sync"
	"time"
)

// MemoryLog keeps the bounded message history in memory. The oldest
// messages are evicted in FIFO order once maxSize is exceeded.
type MemoryLog struct {
	mu      sync.RWMutex
	msgs    []*Message
	maxSize int
}

// NewMemoryLog creates a log that retains up to maxSize messages.
func NewMemoryLog(maxSize int) *MemoryLog {
	return &MemoryLog{maxSize: maxSize}
}

// Append stores a new message, evicting the oldest if over capacity.
func (l *MemoryLog) Append(author, body string) *Message {
	now := time.Now()
	msg := &Message{
		ID:        newID(now),
		Author:    author,
		Body:      body,
		CreatedAt: now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
	if len(l.msgs) > l.maxSize {
		l.msgs = l.msgs[len(l.msgs)-l.maxSize:]
	}
	return msg
}

// Edit replaces the body of the message with the given ID. Permitted
// for the author or a moderator; the edited flag is set.
func (l *MemoryLog) Edit(id, newBody, actor string, isModerator bool) (*Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m.ID != id {
			continue
		}
		if !canModify(m, actor, isModerator) {
			return nil, ErrForbidden
		}
		m.Body = newBody
		m.Edited = true
		cp := *m
		return &cp, nil
	}
	return nil, ErrNotFound
}

// Delete removes the message with the given ID under the same
// permission rule as Edit.
func (l *MemoryLog) Delete(id, actor string, isModerator bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, m := range l.msgs {
		if m.ID != id {
			continue
		}
		if !canModify(m, actor, isModerator) {
			return ErrForbidden
		}
		l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
		return nil
	}
	return ErrNotFound
}

// Recent returns up to limit messages, oldest to newest.
func (l *MemoryLog) Recent(limit int) []*Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	msgs := l.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		result[i] = &cp
	}
	return result
}

// Len returns the number of stored messages.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}
