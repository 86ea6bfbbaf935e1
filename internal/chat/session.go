package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"codepedia/internal/directory"
)

// Identity supplies the local profile backing a session. identity.Store is
// the usual implementation; the HTTP surface backs it with token claims.
type Identity interface {
	UserID() (string, error)
	Nickname() (string, error)
	Color() string
	CreatorToken(roomKey string) string
	SetCreatorToken(roomKey, token string) error
}

// ErrNoRoom is returned for operations that need an active room.
var ErrNoRoom = errors.New("chat: no active room")

// PermissionError reports an action forbidden by the current authorization
// state. Enforcement is client-side advisory; the store's server-side
// rules remain the real boundary.
type PermissionError struct {
	Action string
	State  AuthState
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("chat: %s not permitted in state %s", e.Action, e.State)
}

// watch indexes for initial-snapshot tracking.
const (
	watchRoom = iota
	watchBlacklist
	watchMember
	watchRequest
	watchCount
)

// Config wires a session controller.
type Config struct {
	Directory directory.Directory
	Identity  Identity
	View      View
	// Cooldown between sends; DefaultCooldown when zero.
	Cooldown time.Duration
	// Backlog replayed on room attach; DefaultBacklog when zero.
	Backlog int
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Session owns all mutable room state for one identity: the active room,
// its listeners, and the authorization evaluation. Nothing here is global;
// the relay, moderation, and view all hang off this controller.
type Session struct {
	dir     directory.Directory
	ids     Identity
	view    View
	relay   *relay
	backlog int

	userID   string
	nickname string
	color    string

	mu       sync.Mutex
	epoch    uint64
	roomKey  string
	in       evalInput
	state    AuthState
	seen     [watchCount]bool
	awaiting int
	joined   bool

	roomSubs []directory.Subscription
	msgSub   directory.Subscription
	reqSub   directory.Subscription
}

// NewSession resolves the local identity and returns a controller with no
// active room.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Directory == nil {
		return nil, errors.New("chat: directory is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("chat: identity store is required")
	}
	if cfg.View == nil {
		return nil, errors.New("chat: view is required")
	}
	userID, err := cfg.Identity.UserID()
	if err != nil {
		return nil, err
	}
	nickname, err := cfg.Identity.Nickname()
	if err != nil {
		return nil, err
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Session{
		dir:      cfg.Directory,
		ids:      cfg.Identity,
		view:     cfg.View,
		relay:    newRelay(cfg.Directory, cfg.Cooldown, cfg.Clock),
		backlog:  backlog,
		userID:   userID,
		nickname: nickname,
		color:    cfg.Identity.Color(),
	}, nil
}

// UserID returns the session's stable identity.
func (s *Session) UserID() string { return s.userID }

// Nickname returns the display nickname resolved at construction.
func (s *Session) Nickname() string { return s.nickname }

// Enter switches to roomKey. All listeners of the previous room are
// detached before the new room's are attached; a switch racing a pending
// attach is resolved by the epoch guard, so stale completions never touch
// the new room's state.
func (s *Session) Enter(ctx context.Context, roomKey string) error {
	roomKey = strings.TrimSpace(roomKey)
	if roomKey == "" {
		return errors.New("chat: room key is required")
	}

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	old := s.detachLocked()
	s.roomKey = roomKey
	s.in = evalInput{token: s.ids.CreatorToken(roomKey)}
	s.state = StateUnknown
	s.seen = [watchCount]bool{}
	s.awaiting = watchCount
	s.joined = false
	s.mu.Unlock()

	closeAll(old)

	userID := s.userID
	watches := []struct {
		id   int
		path string
		fn   func(directory.Snapshot)
	}{
		{watchRoom, roomPath(roomKey), func(snap directory.Snapshot) {
			s.applyUpdate(epoch, watchRoom, func() {
				s.in.room, s.in.roomExists = decodeRoom(roomKey, snap.Raw)
			})
		}},
		{watchBlacklist, blacklistPath(roomKey, userID), func(snap directory.Snapshot) {
			s.applyUpdate(epoch, watchBlacklist, func() {
				s.in.blacklisted = snap.Exists()
			})
		}},
		{watchMember, memberPath(roomKey, userID), func(snap directory.Snapshot) {
			s.applyUpdate(epoch, watchMember, func() {
				s.in.member = snap.Exists()
			})
		}},
		{watchRequest, requestPath(roomKey, userID), func(snap directory.Snapshot) {
			s.applyUpdate(epoch, watchRequest, func() {
				s.in.pending = snap.Exists()
			})
		}},
	}
	for _, w := range watches {
		sub, err := s.dir.ValueChanged(ctx, w.path, w.fn)
		if err != nil {
			s.Leave()
			return fmt.Errorf("chat: enter %s: %w", roomKey, err)
		}
		if !s.adoptRoomSub(epoch, sub) {
			return nil
		}
	}
	return nil
}

// Leave detaches everything; the session has no active room afterwards.
func (s *Session) Leave() {
	s.mu.Lock()
	s.epoch++
	old := s.detachLocked()
	s.roomKey = ""
	s.state = StateUnknown
	s.joined = false
	s.mu.Unlock()
	closeAll(old)
}

// Room returns the active room key and the current authorization state.
func (s *Session) Room() (string, AuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomKey, s.state
}

// Send validates and publishes a message in the active room, tagged with
// the sender's current rank. A leading slash in creator state is parsed as
// a moderation command instead.
func (s *Session) Send(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)

	s.mu.Lock()
	roomKey, state := s.roomKey, s.state
	s.mu.Unlock()
	if roomKey == "" {
		return ErrNoRoom
	}

	if strings.HasPrefix(trimmed, "/") && state == StateCreator {
		cmd, ok := parseCommand(trimmed)
		if !ok {
			return fmt.Errorf("chat: unknown command %q", trimmed)
		}
		return s.Kick(ctx, cmd.TargetName, cmd.TargetID)
	}
	if !state.CanSend() {
		return PermissionError{Action: "send", State: state}
	}

	rank := RankMember
	if state == StateCreator {
		rank = RankCreator
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay.send(ctx, roomKey, Message{
		Username: s.nickname,
		Text:     trimmed,
		Color:    s.color,
		Rank:     rank,
		UserID:   s.userID,
	})
}

// RequestJoin records a join request for a private room. Re-requesting
// overwrites the previous request with the same shape.
func RequestJoin(ctx context.Context, dir directory.Directory, roomKey, userID, nickname string) error {
	req := JoinRequest{Name: nickname, ID: userID}
	if err := dir.Set(ctx, requestPath(roomKey, userID), req); err != nil {
		return fmt.Errorf("chat: request join: %w", err)
	}
	return nil
}

// RequestJoin asks the creator of the active private room for access.
func (s *Session) RequestJoin(ctx context.Context) error {
	s.mu.Lock()
	roomKey, state := s.roomKey, s.state
	s.mu.Unlock()
	if roomKey == "" {
		return ErrNoRoom
	}
	if state != StateDeniedPrivate && state != StatePendingRequest {
		return PermissionError{Action: "join request", State: state}
	}
	return RequestJoin(ctx, s.dir, roomKey, s.userID, s.nickname)
}

// SetViewportDistance reports the viewer's distance from the bottom of the
// transcript, feeding the auto-scroll policy.
func (s *Session) SetViewportDistance(px int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay.setViewportDistance(px)
}

// applyUpdate folds one watch notification into the evaluation input and
// re-runs the state machine. Stale epochs are dropped.
func (s *Session) applyUpdate(epoch uint64, watchID int, mutate func()) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	mutate()
	if !s.seen[watchID] {
		s.seen[watchID] = true
		s.awaiting--
	}
	if s.awaiting > 0 {
		s.mu.Unlock()
		return
	}

	prev := s.state
	s.state = evaluate(s.in)
	state := s.state
	roomKey := s.roomKey
	changed := state != prev

	var toClose []directory.Subscription
	if !state.CanRead() && s.msgSub != nil {
		toClose = append(toClose, s.msgSub)
		s.msgSub = nil
	}
	if state != StateCreator && s.reqSub != nil {
		toClose = append(toClose, s.reqSub)
		s.reqSub = nil
	}
	needMsgs := state.CanRead() && s.msgSub == nil
	needReqs := state == StateCreator && s.reqSub == nil
	// Joining a public room directly records a membership; approval flows
	// and creators already have their records.
	needJoin := state == StateMember && !s.in.member && !s.joined
	if needJoin {
		s.joined = true
	}
	s.mu.Unlock()

	closeAll(toClose)
	if changed {
		s.view.StateChanged(roomKey, state)
	}
	if needJoin {
		s.registerMembership(epoch, roomKey)
	}
	if needMsgs {
		s.attachMessages(epoch, roomKey)
	}
	if needReqs {
		s.attachRequests(epoch, roomKey)
	}
}

func (s *Session) registerMembership(epoch uint64, roomKey string) {
	s.mu.Lock()
	stale := epoch != s.epoch
	s.mu.Unlock()
	if stale {
		return
	}
	if err := s.dir.Set(context.Background(), memberPath(roomKey, s.userID), Membership{Name: s.nickname}); err != nil {
		slog.Warn("membership registration failed", "room", roomKey, "err", err)
	}
}

func (s *Session) attachMessages(epoch uint64, roomKey string) {
	sub, err := s.dir.ChildAdded(context.Background(), messagesPath(roomKey), s.backlog, func(key string, raw json.RawMessage) {
		s.onMessage(epoch, key, raw)
	})
	if err != nil {
		slog.Warn("message feed attach failed", "room", roomKey, "err", err)
		s.view.Notice("could not load messages")
		return
	}
	s.mu.Lock()
	if epoch != s.epoch || s.msgSub != nil || !s.state.CanRead() {
		s.mu.Unlock()
		sub.Close()
		return
	}
	s.msgSub = sub
	s.mu.Unlock()
}

func (s *Session) attachRequests(epoch uint64, roomKey string) {
	sub, err := s.dir.ValueChanged(context.Background(), requestsPath(roomKey), func(snap directory.Snapshot) {
		s.onRequests(epoch, snap)
	})
	if err != nil {
		slog.Warn("request panel attach failed", "room", roomKey, "err", err)
		return
	}
	s.mu.Lock()
	if epoch != s.epoch || s.reqSub != nil || s.state != StateCreator {
		s.mu.Unlock()
		sub.Close()
		return
	}
	s.reqSub = sub
	s.mu.Unlock()
}

func (s *Session) onMessage(epoch uint64, key string, raw json.RawMessage) {
	s.mu.Lock()
	if epoch != s.epoch || !s.state.CanRead() {
		s.mu.Unlock()
		return
	}
	rendered, notice, ok := s.relay.render(key, raw)
	s.mu.Unlock()

	if notice != "" {
		s.view.Notice(notice)
	}
	if ok {
		s.view.MessageArrived(rendered)
	}
}

func (s *Session) onRequests(epoch uint64, snap directory.Snapshot) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	requests := make([]JoinRequest, 0, len(snap.Children))
	for id, raw := range snap.Children {
		if req, ok := decodeJoinRequest(id, raw); ok {
			requests = append(requests, req)
		}
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].ID < requests[j].ID })
	s.view.RequestsChanged(requests)
}

// adoptRoomSub registers a freshly attached watch unless the room changed
// underneath it, in which case the watch is closed immediately so two
// rooms are never live at once.
func (s *Session) adoptRoomSub(epoch uint64, sub directory.Subscription) bool {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		sub.Close()
		return false
	}
	s.roomSubs = append(s.roomSubs, sub)
	s.mu.Unlock()
	return true
}

func (s *Session) detachLocked() []directory.Subscription {
	out := make([]directory.Subscription, 0, len(s.roomSubs)+2)
	out = append(out, s.roomSubs...)
	if s.msgSub != nil {
		out = append(out, s.msgSub)
		s.msgSub = nil
	}
	if s.reqSub != nil {
		out = append(out, s.reqSub)
		s.reqSub = nil
	}
	s.roomSubs = nil
	return out
}

func closeAll(subs []directory.Subscription) {
	for _, sub := range subs {
		sub.Close()
	}
}

// EvaluateRoom computes the authorization state for (roomKey, userID) from
// current directory contents. Surfaces without a live session use this for
// one-shot checks; precedence matches the live state machine.
func EvaluateRoom(ctx context.Context, dir directory.Directory, roomKey, userID, token string) (AuthState, Room, error) {
	in := evalInput{token: token}

	raw, ok, err := dir.Get(ctx, roomPath(roomKey))
	if err != nil {
		return StateUnknown, Room{}, err
	}
	if ok {
		in.room, in.roomExists = decodeRoom(roomKey, raw)
	}
	if _, ok, err = dir.Get(ctx, blacklistPath(roomKey, userID)); err != nil {
		return StateUnknown, Room{}, err
	} else if ok {
		in.blacklisted = true
	}
	if _, ok, err = dir.Get(ctx, memberPath(roomKey, userID)); err != nil {
		return StateUnknown, Room{}, err
	} else if ok {
		in.member = true
	}
	if _, ok, err = dir.Get(ctx, requestPath(roomKey, userID)); err != nil {
		return StateUnknown, Room{}, err
	} else if ok {
		in.pending = true
	}
	return evaluate(in), in.room, nil
}
