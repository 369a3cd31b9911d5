package policy

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCooldown is the minimum interval between chat messages from
// the same user. Enforced server-side; the client-side cooldown is a
// UX nicety, not a security boundary.
const DefaultCooldown = 2 * time.Second

// MutedError is returned when a user is muted.
type MutedError struct {
	Until time.Time
}

func (e *MutedError) Error() string {
	return fmt.Sprintf("muted until %s", e.Until.Format(time.RFC3339))
}

// RateLimitedError is returned when a user sends faster than the cooldown.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

// Policy tracks per-username send cooldowns and mute windows. A mute
// whose deadline has passed is treated as absent and cleared on read.
type Policy struct {
	mu         sync.Mutex
	cooldown   time.Duration
	lastSend   map[string]time.Time
	mutedUntil map[string]time.Time
}

// New creates a Policy with the given cooldown between messages.
// A non-positive cooldown falls back to DefaultCooldown.
func New(cooldown time.Duration) *Policy {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Policy{
		cooldown:   cooldown,
		lastSend:   make(map[string]time.Time),
		mutedUntil: make(map[string]time.Time),
	}
}

// CheckSend reports whether username may send a message at time now.
// Mute is checked before the cooldown, and the send time is recorded
// only on success so rejected sends do not reset the cooldown.
func (p *Policy) CheckSend(username string, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if until, ok := p.mutedLocked(username, now); ok {
		return &MutedError{Until: until}
	}
	if last, ok := p.lastSend[username]; ok {
		if elapsed := now.Sub(last); elapsed < p.cooldown {
			return &RateLimitedError{RetryAfter: p.cooldown - elapsed}
		}
	}
	p.lastSend[username] = now
	return nil
}

// CheckMuted reports only the mute state, without touching the cooldown.
// Whisper sends are mute-checked but not rate-limited.
func (p *Policy) CheckMuted(username string, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if until, ok := p.mutedLocked(username, now); ok {
		return &MutedError{Until: until}
	}
	return nil
}

// Mute sets the user's mute deadline to now+d and returns it.
func (p *Policy) Mute(username string, d time.Duration, now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := now.Add(d)
	p.mutedUntil[username] = until
	return until
}

// Unmute clears the user's mute record. It returns false if no record
// existed.
func (p *Policy) Unmute(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.mutedUntil[username]
	delete(p.mutedUntil, username)
	return ok
}

// MutedUntil returns the user's mute deadline, if currently muted.
func (p *Policy) MutedUntil(username string, now time.Time) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mutedLocked(username, now)
}

// mutedLocked lazily clears expired records. Callers must hold mu.
func (p *Policy) mutedLocked(username string, now time.Time) (time.Time, bool) {
	until, ok := p.mutedUntil[username]
	if !ok {
		return time.Time{}, false
	}
	if !until.After(now) {
		delete(p.mutedUntil, username)
		return time.Time{}, false
	}
	return until, true
}

// SweepExpired removes mute records whose deadline has passed and
// returns the affected usernames, so callers can notify them.
func (p *Policy) SweepExpired(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []string
	for username, until := range p.mutedUntil {
		if !until.After(now) {
			delete(p.mutedUntil, username)
			expired = append(expired, username)
		}
	}
	return expired
}
