// Package chat implements the room session core: the authorization state
// machine, the message relay, creator moderation, and the room
// leaderboard. All durable state lives in the directory; this package only
// attaches listeners and mutates paths.
package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// Rank tags a message or session with its authorization standing.
type Rank string

const (
	RankCreator Rank = "creator"
	RankMember  Rank = "member"
	RankSystem  Rank = "system"
)

// AuthState is the session's standing in the active room.
type AuthState int

const (
	// StateUnknown is the transient state while room data is loading.
	StateUnknown AuthState = iota
	// StateBlacklisted denies all access regardless of membership or token.
	StateBlacklisted
	// StatePendingRequest means a join request is waiting for approval.
	StatePendingRequest
	// StateDeniedPrivate means the room is private and this identity holds
	// neither a membership nor the creator token.
	StateDeniedPrivate
	// StateMember grants read/send access.
	StateMember
	// StateCreator additionally unlocks moderation.
	StateCreator
)

func (s AuthState) String() string {
	switch s {
	case StateBlacklisted:
		return "blacklisted"
	case StatePendingRequest:
		return "pending"
	case StateDeniedPrivate:
		return "denied"
	case StateMember:
		return "member"
	case StateCreator:
		return "creator"
	default:
		return "unknown"
	}
}

// CanRead reports whether room content may be shown.
func (s AuthState) CanRead() bool {
	return s == StateMember || s == StateCreator
}

// CanSend reports whether message sending is permitted.
func (s AuthState) CanSend() bool {
	return s.CanRead()
}

// Room is the stored room record. CreatorToken is written once at creation
// and compared against locally held tokens; possession is the whole
// ownership model.
type Room struct {
	Key          string `json:"-"`
	Name         string `json:"name"`
	Private      bool   `json:"private"`
	CreatorToken string `json:"leaderToken"`
}

// Membership marks an approved member of a room.
type Membership struct {
	Name string `json:"name"`
}

// JoinRequest is a pending ask-to-join for a private room.
type JoinRequest struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Message is one append-only chat record.
type Message struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	Color     string `json:"color,omitempty"`
	Rank      Rank   `json:"rank"`
	UserID    string `json:"userId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Time returns the advisory server timestamp; display metadata only.
func (m Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// Directory paths. The layout mirrors the hosted store: room records under
// bubbles/, message feeds under rooms/, and per-identity marker records
// under members/, requests/, and blacklist/.
func roomPath(key string) string          { return "bubbles/" + key }
func messagesPath(key string) string      { return "rooms/" + key }
func membersPath(key string) string       { return "members/" + key }
func memberPath(key, uid string) string   { return "members/" + key + "/" + uid }
func requestsPath(key string) string      { return "requests/" + key }
func requestPath(key, uid string) string  { return "requests/" + key + "/" + uid }
func blacklistPath(key, uid string) string { return "blacklist/" + key + "/" + uid }

// decodeRoom validates a room record at the boundary. Records that fail to
// decode are ignored, not propagated.
func decodeRoom(key string, raw json.RawMessage) (Room, bool) {
	if len(raw) == 0 {
		return Room{}, false
	}
	var room Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return Room{}, false
	}
	room.Key = key
	if strings.TrimSpace(room.Name) == "" {
		room.Name = key
	}
	return room, true
}

func decodeMessage(raw json.RawMessage) (Message, bool) {
	if len(raw) == 0 {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, false
	}
	if strings.TrimSpace(msg.Text) == "" && msg.Username == "" {
		return Message{}, false
	}
	if msg.Rank == "" {
		msg.Rank = RankMember
	}
	return msg, true
}

func decodeJoinRequest(id string, raw json.RawMessage) (JoinRequest, bool) {
	if len(raw) == 0 {
		return JoinRequest{}, false
	}
	var req JoinRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return JoinRequest{}, false
	}
	if req.ID == "" {
		req.ID = id
	}
	if strings.TrimSpace(req.Name) == "" {
		return JoinRequest{}, false
	}
	return req, true
}

// evalInput is everything the state machine looks at for one (identity,
// room) pair.
type evalInput struct {
	room        Room
	roomExists  bool
	token       string
	blacklisted bool
	member      bool
	pending     bool
}

// evaluate applies the transition rules in their fixed precedence order:
// blacklist first, then creator token, then public access, then
// membership. A blacklisted token holder is still denied.
func evaluate(in evalInput) AuthState {
	if in.blacklisted {
		return StateBlacklisted
	}
	if in.token != "" && in.roomExists && in.token == in.room.CreatorToken {
		return StateCreator
	}
	// Rooms without a stored record (such as the built-in global room) are
	// public.
	if !in.roomExists || !in.room.Private {
		return StateMember
	}
	if in.member {
		return StateMember
	}
	if in.pending {
		return StatePendingRequest
	}
	return StateDeniedPrivate
}
