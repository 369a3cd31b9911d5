package chatlog

import (
	"sync"
	"time"
)

// WhisperLog records private messages. Entries are append-only and never
// edited; the full log is exposed only to moderators, while each party
// receives their whispers at send time.
type WhisperLog struct {
	mu      sync.RWMutex
	entries []*Whisper
	maxSize int
}

// NewWhisperLog creates a whisper log retaining up to maxSize entries.
func NewWhisperLog(maxSize int) *WhisperLog {
	return &WhisperLog{maxSize: maxSize}
}

// Record appends a whisper and returns it.
func (l *WhisperLog) Record(from, to, body string) *Whisper {
	w := &Whisper{
		From:      from,
		To:        to,
		Body:      body,
		CreatedAt: time.Now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, w)
	if len(l.entries) > l.maxSize {
		l.entries = l.entries[len(l.entries)-l.maxSize:]
	}
	return w
}

// All returns a snapshot of every recorded whisper, oldest to newest.
func (l *WhisperLog) All() []*Whisper {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]*Whisper, len(l.entries))
	for i, w := range l.entries {
		cp := *w
		result[i] = &cp
	}
	return result
}

// Len returns the number of recorded whispers.
func (l *WhisperLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
