package moderation

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrNotAdmin is returned when the acting user is not in the admin
	// allow-list. No audit entry is written for these rejections.
	ErrNotAdmin = errors.New("not an admin")

	// ErrTargetAdmin is returned when the target is an admin (including
	// the acting user targeting themselves). Recorded as a blocked
	// attempt in the audit trail.
	ErrTargetAdmin = errors.New("admins cannot be moderated")

	// ErrTargetOffline is returned when kicking a user with no live
	// connection.
	ErrTargetOffline = errors.New("target is not online")

	// ErrMissingTarget is returned when the command names no target.
	ErrMissingTarget = errors.New("target is required")

	// ErrUnknownCommand is returned for unrecognized commands.
	ErrUnknownCommand = errors.New("unknown command")
)

// Command is a moderation action.
type Command string

const (
	CmdMute   Command = "mute"
	CmdUnmute Command = "unmute"
	CmdKick   Command = "kick"
	CmdBan    Command = "ban"
	CmdUnban  Command = "unban"
)

// defaultMuteSeconds is used when the mute duration argument is missing
// or not numeric.
const defaultMuteSeconds = 60

// Muter is the mute-state collaborator (the rate & mute policy).
type Muter interface {
	Mute(username string, d time.Duration, now time.Time) time.Time
	Unmute(username string) bool
}

// Bans is the ban-flag collaborator (the identity store).
type Bans interface {
	SetBanned(username string, banned bool) bool
}

// Presence resolves a target's live connections.
type Presence interface {
	ConnectionsFor(username string) []string
}

// AuditEntry records one moderation action, or a blocked attempt.
type AuditEntry struct {
	Actor   string    `json:"actor"`
	Command Command   `json:"command"`
	Target  string    `json:"target"`
	Time    time.Time `json:"time"`
	Detail  string    `json:"detail,omitempty"`
	Blocked bool      `json:"blocked,omitempty"`
}

// Outcome describes the effects of a successfully applied command, so
// the caller can fan out the right notifications.
type Outcome struct {
	Command Command
	Target  string

	// Notice is the system-wide transparency message.
	Notice string

	// KickConns are connections to notify and close.
	KickConns []string

	// MutedUntil is set for mute commands.
	MutedUntil time.Time

	// Unmuted is set when a mute record was cleared.
	Unmuted bool

	// NoOp is set when unmute/unban found nothing to clear. No audit
	// entry or broadcast is produced for no-ops.
	NoOp bool
}

// Engine validates and executes admin commands against the mute, ban,
// and presence collaborators, keeping a bounded audit trail. The admin
// allow-list is injected at construction, never baked into source.
type Engine struct {
	mu       sync.Mutex
	admins   map[string]bool
	audit    []AuditEntry // newest first
	maxAudit int

	muter    Muter
	bans     Bans
	presence Presence
}

// NewEngine creates an Engine with the given admin allow-list.
func NewEngine(admins []string, maxAudit int, muter Muter, bans Bans, presence Presence) *Engine {
	set := make(map[string]bool, len(admins))
	for _, name := range admins {
		set[name] = true
	}
	return &Engine{
		admins:   set,
		maxAudit: maxAudit,
		muter:    muter,
		bans:     bans,
		presence: presence,
	}
}

// IsAdmin reports whether username is in the admin allow-list.
func (e *Engine) IsAdmin(username string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admins[username]
}

// Entries returns a snapshot of the audit trail, newest first.
func (e *Engine) Entries() []AuditEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]AuditEntry, len(e.audit))
	copy(result, e.audit)
	return result
}

// recordLocked prepends an audit entry. Callers must hold mu.
func (e *Engine) recordLocked(entry AuditEntry) {
	e.audit = append([]AuditEntry{entry}, e.audit...)
	if len(e.audit) > e.maxAudit {
		e.audit = e.audit[:e.maxAudit]
	}
}

// Apply validates and executes an admin command. On success it returns
// an Outcome describing the notifications to produce; every failure
// leaves all moderation state unchanged.
func (e *Engine) Apply(actor string, cmd Command, target, arg string, now time.Time) (*Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.admins[actor] {
		return nil, ErrNotAdmin
	}
	if target == "" {
		return nil, ErrMissingTarget
	}
	if e.admins[target] {
		detail := "blocked: target is an admin"
		if target == actor {
			detail = "blocked: self-targeting"
		}
		e.recordLocked(AuditEntry{
			Actor: actor, Command: cmd, Target: target,
			Time: now, Detail: detail, Blocked: true,
		})
		return nil, ErrTargetAdmin
	}

	out := &Outcome{Command: cmd, Target: target}
	var detail string

	switch cmd {
	case CmdMute:
		secs, err := strconv.Atoi(arg)
		if err != nil || secs <= 0 {
			secs = defaultMuteSeconds
		}
		out.MutedUntil = e.muter.Mute(target, time.Duration(secs)*time.Second, now)
		out.Notice = fmt.Sprintf("%s muted for %ds by %s", target, secs, actor)
		detail = fmt.Sprintf("%ds", secs)

	case CmdUnmute:
		if !e.muter.Unmute(target) {
			out.NoOp = true
			return out, nil
		}
		out.Unmuted = true
		out.Notice = fmt.Sprintf("%s unmuted by %s", target, actor)

	case CmdKick:
		conns := e.presence.ConnectionsFor(target)
		if len(conns) == 0 {
			return nil, ErrTargetOffline
		}
		out.KickConns = conns
		out.Notice = fmt.Sprintf("%s kicked by %s", target, actor)

	case CmdBan:
		e.bans.SetBanned(target, true)
		out.KickConns = e.presence.ConnectionsFor(target)
		out.Notice = fmt.Sprintf("%s banned by %s", target, actor)

	case CmdUnban:
		if !e.bans.SetBanned(target, false) {
			out.NoOp = true
			return out, nil
		}
		out.Notice = fmt.Sprintf("%s unbanned by %s", target, actor)

	default:
		return nil, ErrUnknownCommand
	}

	e.recordLocked(AuditEntry{
		Actor: actor, Command: cmd, Target: target,
		Time: now, Detail: detail,
	})
	return out, nil
}
