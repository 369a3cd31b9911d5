package session

import (
	"github.com/marcusweller/parley/internal/chatlog"
	"github.com/marcusweller/parley/internal/moderation"
)

// Inbound payloads. Each client event is a tagged variant decoded at
// the transport boundary, so the core only ever sees well-typed
// commands.

type RegisterPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ChatPayload struct {
	Body string `json:"body"`
}

type WhisperPayload struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

type EditMessagePayload struct {
	ID      string `json:"id"`
	NewText string `json:"newText"`
}

type DeleteMessagePayload struct {
	ID string `json:"id"`
}

type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

type SetStatusPayload struct {
	Status string `json:"status"`
}

type AdminCommandPayload struct {
	Cmd    string `json:"cmd"`
	Target string `json:"target"`
	Arg    string `json:"arg"`
}

// Outbound payloads.

// Ack acknowledges a register request.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// LoginResult is the login acknowledgement. Whispers is populated only
// for moderators.
type LoginResult struct {
	Success        bool               `json:"success"`
	Error          string             `json:"error,omitempty"`
	Username       string             `json:"username,omitempty"`
	IsAdmin        bool               `json:"isAdmin"`
	RecentMessages []*chatlog.Message `json:"recentMessages,omitempty"`
	Whispers       []*chatlog.Whisper `json:"whispers,omitempty"`
}

// UserPresence is one entry in the broadcast presence list.
type UserPresence struct {
	Username   string `json:"username"`
	Status     string `json:"status,omitempty"`
	IsAdmin    bool   `json:"isAdmin"`
	MutedUntil int64  `json:"mutedUntil,omitempty"` // epoch ms, 0 when not muted
}

// SystemNotice is a broadcast informational message.
type SystemNotice struct {
	Message string `json:"message"`
}

// ErrorNotice is delivered only to the acting connection.
type ErrorNotice struct {
	Message string `json:"message"`
}

// MutedNotice rejects a send from a muted user.
type MutedNotice struct {
	Until int64 `json:"until"` // epoch ms
}

// SpamNotice rejects a rate-limited send.
type SpamNotice struct {
	Wait int64 `json:"wait"` // ms until the next send is allowed
}

// MutedStatus informs a user of their current mute deadline.
type MutedStatus struct {
	MutedUntil int64 `json:"mutedUntil"` // epoch ms, 0 when cleared
}

// ForceClose precedes a deliberate connection close (kick/ban).
type ForceClose struct {
	Reason string `json:"reason"`
}

// WhisperDelivery is sent to the target's connections.
type WhisperDelivery struct {
	From    string `json:"from"`
	Message string `json:"message"`
	Time    int64  `json:"time"` // epoch ms
}

// WhisperSent confirms a whisper to its sender.
type WhisperSent struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Time    int64  `json:"time"` // epoch ms
}

// TypingEvent is broadcast to everyone except the typist.
type TypingEvent struct {
	User     string `json:"user"`
	IsTyping bool   `json:"isTyping"`
}

// DeletedMessage announces a removal from the message log.
type DeletedMessage struct {
	ID string `json:"id"`
}

// ModerationSnapshot refreshes the moderators' view after an admin
// command.
type ModerationSnapshot struct {
	Audit    []moderation.AuditEntry `json:"audit"`
	Whispers []*chatlog.Whisper      `json:"whispers"`
}

// Event names on the wire.
const (
	EventRegister      = "register"
	EventLogin         = "login"
	EventChat          = "chat"
	EventWhisper       = "whisper"
	EventWhisperSent   = "whisperSent"
	EventEditMessage   = "editMessage"
	EventDeleteMessage = "deleteMessage"
	EventTyping        = "typing"
	EventSetStatus     = "setStatus"
	EventAdminCommand  = "adminCommand"
	EventUpdateUsers   = "updateUsers"
	EventSystem        = "system"
	EventError         = "error"
	EventMuted         = "muted"
	EventSpam          = "spam"
	EventMutedStatus   = "mutedStatus"
	EventKicked        = "kicked"
	EventBanned        = "banned"
	EventModeration    = "moderation"
)
