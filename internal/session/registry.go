package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcusweller/parley/internal/chatlog"
	"github.com/marcusweller/parley/internal/identity"
	"github.com/marcusweller/parley/internal/moderation"
	"github.com/marcusweller/parley/internal/policy"
	"github.com/marcusweller/parley/internal/presence"
)

const (
	// defaultHistoryLimit is the number of recent messages sent on login.
	defaultHistoryLimit = 50

	// sweepInterval is how often expired mutes are swept and announced.
	sweepInterval = 5 * time.Second

	// maxMessageLength caps chat and whisper bodies.
	maxMessageLength = 2000
)

// Sender is the outbound side of the transport. Sends are
// fire-and-forget per connection; a slow consumer must never block
// event processing.
type Sender interface {
	ToConn(connID, event string, payload any)
	Broadcast(event string, payload any)
	BroadcastExcept(connID, event string, payload any)
	CloseConn(connID, reason string)
}

// Options configures a Registry.
type Options struct {
	Sender       Sender
	Identity     *identity.Store
	Presence     *presence.Table
	Policy       *policy.Policy
	Log          chatlog.Log
	Whispers     *chatlog.WhisperLog
	Moderation   *moderation.Engine
	HistoryLimit int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry is the session/presence core. It owns the shared tables and
// processes every inbound event under a single exclusive lock: each
// handler resolves the acting identity from the connection, enforces
// policy, mutates state, and computes the outbound fan-out before the
// next event runs. Constructed once per process; no package-level state.
type Registry struct {
	mu sync.Mutex

	sender       Sender
	ids          *identity.Store
	presence     *presence.Table
	policy       *policy.Policy
	log          chatlog.Log
	whispers     *chatlog.WhisperLog
	mod          *moderation.Engine
	status       map[string]string // username -> free-text status
	historyLimit int
	now          func() time.Time
}

// New creates a Registry from its collaborators.
func New(opts Options) *Registry {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		sender:       opts.Sender,
		ids:          opts.Identity,
		presence:     opts.Presence,
		policy:       opts.Policy,
		log:          opts.Log,
		whispers:     opts.Whispers,
		mod:          opts.Moderation,
		status:       make(map[string]string),
		historyLimit: opts.HistoryLimit,
		now:          opts.Now,
	}
}

// Run drives the periodic mute-expiry sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepMutes()
		}
	}
}

// sweepMutes clears expired mute records and announces each expiry.
func (r *Registry) sweepMutes() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, username := range r.policy.SweepExpired(r.now()) {
		r.sender.Broadcast(EventSystem, SystemNotice{Message: username + " is no longer muted"})
		r.toUserLocked(username, EventMutedStatus, MutedStatus{})
	}
	// Presence list carries mute deadlines, so refresh it too.
	r.broadcastPresenceLocked()
}

// HandleRegister creates a new account and acks the requester.
func (r *Registry) HandleRegister(connID string, p RegisterPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.ids.Register(p.Username, p.Password)
	switch {
	case err == nil:
		r.sender.ToConn(connID, EventRegister, Ack{Success: true})
	case errors.Is(err, identity.ErrInvalidInput):
		r.sender.ToConn(connID, EventRegister, Ack{Error: "missing"})
	case errors.Is(err, identity.ErrUsernameTaken):
		r.sender.ToConn(connID, EventRegister, Ack{Error: "exists"})
	default:
		log.Printf("session: register failed for %q: %v", p.Username, err)
		r.sender.ToConn(connID, EventRegister, Ack{Error: "server error"})
	}
}

// HandleLogin authenticates the connection, binds it to the username,
// and sends the initial sync (recent messages, whisper log for
// moderators, admin flag) followed by the presence broadcast.
func (r *Registry) HandleLogin(connID string, p LoginPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Username == "" || p.Password == "" {
		r.sender.ToConn(connID, EventLogin, LoginResult{Error: "missing"})
		return
	}

	err := r.ids.Authenticate(p.Username, p.Password)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrBanned):
		r.sender.ToConn(connID, EventLogin, LoginResult{Error: "banned"})
		return
	case errors.Is(err, identity.ErrNoSuchUser), errors.Is(err, identity.ErrWrongPassword):
		r.sender.ToConn(connID, EventLogin, LoginResult{Error: "wrong"})
		return
	default:
		log.Printf("session: login failed for %q: %v", p.Username, err)
		r.sender.ToConn(connID, EventLogin, LoginResult{Error: "server error"})
		return
	}

	cameOnline := r.presence.Bind(connID, p.Username)

	isAdmin := r.mod.IsAdmin(p.Username)
	result := LoginResult{
		Success:        true,
		Username:       p.Username,
		IsAdmin:        isAdmin,
		RecentMessages: r.log.Recent(r.historyLimit),
	}
	if isAdmin {
		result.Whispers = r.whispers.All()
	}
	r.sender.ToConn(connID, EventLogin, result)

	r.broadcastPresenceLocked()
	if cameOnline {
		r.sender.Broadcast(EventSystem, SystemNotice{Message: p.Username + " joined the chat"})
	}
}

// HandleChat validates and broadcasts a chat message.
func (r *Registry) HandleChat(connID string, p ChatPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username := r.presence.UsernameFor(connID)
	if username == "" {
		r.errorToLocked(connID, "login required")
		return
	}

	body := strings.TrimSpace(p.Body)
	if body == "" {
		r.errorToLocked(connID, "message is required")
		return
	}
	if len(body) > maxMessageLength {
		r.errorToLocked(connID, "message too long")
		return
	}

	if err := r.policy.CheckSend(username, r.now()); err != nil {
		r.rejectSendLocked(connID, err)
		return
	}

	msg := r.log.Append(username, body)
	r.sender.Broadcast(EventChat, msg)
}

// HandleWhisper records a private message and delivers it to the
// sender, the target's connections, and the moderators.
func (r *Registry) HandleWhisper(connID string, p WhisperPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username := r.presence.UsernameFor(connID)
	if username == "" {
		r.errorToLocked(connID, "login required")
		return
	}

	body := strings.TrimSpace(p.Message)
	if body == "" || p.Target == "" {
		r.errorToLocked(connID, "target and message are required")
		return
	}
	if len(body) > maxMessageLength {
		r.errorToLocked(connID, "message too long")
		return
	}
	if !r.ids.Exists(p.Target) {
		r.errorToLocked(connID, "no such user: "+p.Target)
		return
	}

	if err := r.policy.CheckMuted(username, r.now()); err != nil {
		r.rejectSendLocked(connID, err)
		return
	}

	w := r.whispers.Record(username, p.Target, body)
	at := w.CreatedAt.UnixMilli()
	r.sender.ToConn(connID, EventWhisperSent, WhisperSent{To: w.To, Message: w.Body, Time: at})
	r.toUserLocked(p.Target, EventWhisper, WhisperDelivery{From: w.From, Message: w.Body, Time: at})
	r.notifyModeratorsLocked()
}

// HandleEditMessage applies an in-place edit and broadcasts the
// updated message.
func (r *Registry) HandleEditMessage(connID string, p EditMessagePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username := r.presence.UsernameFor(connID)
	if username == "" {
		r.errorToLocked(connID, "login required")
		return
	}

	newBody := strings.TrimSpace(p.NewText)
	if p.ID == "" || newBody == "" {
		r.errorToLocked(connID, "id and newText are required")
		return
	}

	msg, err := r.log.Edit(p.ID, newBody, username, r.mod.IsAdmin(username))
	if err != nil {
		r.rejectModifyLocked(connID, err)
		return
	}
	r.sender.Broadcast(EventEditMessage, msg)
}

// HandleDeleteMessage removes a message and broadcasts the removal.
func (r *Registry) HandleDeleteMessage(connID string, p DeleteMessagePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username := r.presence.UsernameFor(connID)
	if username == "" {
		r.errorToLocked(connID, "login required")
		return
	}
	if p.ID == "" {
		r.errorToLocked(connID, "id is required")
		return
	}

	if err := r.log.Delete(p.ID, username, r.mod.IsAdmin(username)); err != nil {
		r.rejectModifyLocked(connID, err)
		return
	}
	r.sender.Broadcast(EventDeleteMessage, DeletedMessage{ID: p.ID})
}

// HandleTyping relays a typing indicator to everyone except the typist.
// No state is mutated.
func (r *Registry) HandleTyping(connID string, p TypingPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username := r.presence.UsernameFor(connID)
	if username == "" {
		return
	}
	r.sender.BroadcastExcept(connID, EventTyping, TypingEvent{User: username, IsTyping: p.IsTyping})
}

// HandleSetStatus updates the user's free-text status and rebroadcasts
// the presence list.
func (r *Registry) HandleSetStatus(connID string, p SetStatusPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username := r.presence.UsernameFor(connID)
	if username == "" {
		r.errorToLocked(connID, "login required")
		return
	}
	r.status[username] = strings.TrimSpace(p.Status)
	r.broadcastPresenceLocked()
}

// HandleUpdateUsers rebroadcasts the presence list on request.
func (r *Registry) HandleUpdateUsers(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastPresenceLocked()
}

// HandleAdminCommand runs a moderation command. Rejections go only to
// the acting connection; successful commands produce a system-wide
// notice, a targeted notice, and a refreshed moderation snapshot.
func (r *Registry) HandleAdminCommand(connID string, p AdminCommandPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	actor := r.presence.UsernameFor(connID)
	if actor == "" {
		r.errorToLocked(connID, "login required")
		return
	}

	out, err := r.mod.Apply(actor, moderation.Command(p.Cmd), p.Target, p.Arg, r.now())
	if err != nil {
		r.errorToLocked(connID, err.Error())
		return
	}
	if out.NoOp {
		return
	}

	r.sender.Broadcast(EventSystem, SystemNotice{Message: out.Notice})

	switch out.Command {
	case moderation.CmdMute:
		r.toUserLocked(out.Target, EventMutedStatus, MutedStatus{MutedUntil: out.MutedUntil.UnixMilli()})
	case moderation.CmdUnmute:
		r.toUserLocked(out.Target, EventMutedStatus, MutedStatus{})
	case moderation.CmdKick:
		for _, id := range out.KickConns {
			r.sender.ToConn(id, EventKicked, ForceClose{Reason: "kicked"})
			r.sender.CloseConn(id, "kicked")
		}
	case moderation.CmdBan:
		for _, id := range out.KickConns {
			r.sender.ToConn(id, EventBanned, ForceClose{Reason: "banned"})
			r.sender.CloseConn(id, "banned")
		}
	}

	r.broadcastPresenceLocked()
	r.notifyModeratorsLocked()
}

// HandleDisconnect unbinds the connection. Only the user's last
// connection produces the offline transition; a second unbind of the
// same connection is a no-op.
func (r *Registry) HandleDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, last, ok := r.presence.Unbind(connID)
	if !ok {
		return
	}
	if last {
		delete(r.status, username)
		r.broadcastPresenceLocked()
		r.sender.Broadcast(EventSystem, SystemNotice{Message: username + " left the chat"})
	} else {
		r.broadcastPresenceLocked()
	}
}

// rejectSendLocked maps policy errors to the reference notice events.
func (r *Registry) rejectSendLocked(connID string, err error) {
	var muted *policy.MutedError
	var limited *policy.RateLimitedError
	switch {
	case errors.As(err, &muted):
		r.sender.ToConn(connID, EventMuted, MutedNotice{Until: muted.Until.UnixMilli()})
	case errors.As(err, &limited):
		r.sender.ToConn(connID, EventSpam, SpamNotice{Wait: limited.RetryAfter.Milliseconds()})
	default:
		r.errorToLocked(connID, err.Error())
	}
}

// rejectModifyLocked maps message log errors to error notices.
func (r *Registry) rejectModifyLocked(connID string, err error) {
	switch {
	case errors.Is(err, chatlog.ErrNotFound):
		r.errorToLocked(connID, "message not found")
	case errors.Is(err, chatlog.ErrForbidden):
		r.errorToLocked(connID, "not allowed")
	default:
		log.Printf("session: message log error: %v", err)
		r.errorToLocked(connID, "server error")
	}
}

func (r *Registry) errorToLocked(connID, msg string) {
	r.sender.ToConn(connID, EventError, ErrorNotice{Message: msg})
}

// toUserLocked fans an event out to all of the user's connections.
func (r *Registry) toUserLocked(username, event string, payload any) {
	for _, id := range r.presence.ConnectionsFor(username) {
		r.sender.ToConn(id, event, payload)
	}
}

// notifyModeratorsLocked sends the refreshed moderation snapshot to
// every online moderator.
func (r *Registry) notifyModeratorsLocked() {
	snapshot := ModerationSnapshot{
		Audit:    r.mod.Entries(),
		Whispers: r.whispers.All(),
	}
	for _, username := range r.presence.OnlineUsernames() {
		if r.mod.IsAdmin(username) {
			r.toUserLocked(username, EventModeration, snapshot)
		}
	}
}

// presenceListLocked builds the broadcast presence list, sorted by
// username for a stable client view.
func (r *Registry) presenceListLocked() []UserPresence {
	now := r.now()
	names := r.presence.OnlineUsernames()
	sort.Strings(names)

	list := make([]UserPresence, 0, len(names))
	for _, name := range names {
		entry := UserPresence{
			Username: name,
			Status:   r.status[name],
			IsAdmin:  r.mod.IsAdmin(name),
		}
		if until, ok := r.policy.MutedUntil(name, now); ok {
			entry.MutedUntil = until.UnixMilli()
		}
		list = append(list, entry)
	}
	return list
}

func (r *Registry) broadcastPresenceLocked() {
	r.sender.Broadcast(EventUpdateUsers, r.presenceListLocked())
}
