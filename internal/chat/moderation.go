package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"codepedia/internal/directory"
)

// ErrRoomExists rejects creating a room whose key is already taken.
var ErrRoomExists = errors.New("chat: room already exists")

var roomKeyCleaner = regexp.MustCompile(`[^a-zA-Z0-9]`)

// NormalizeRoomKey derives a directory-safe room key from a display name:
// lowercase, every non-alphanumeric replaced with a dash.
func NormalizeRoomKey(name string) string {
	return strings.ToLower(roomKeyCleaner.ReplaceAllString(strings.TrimSpace(name), "-"))
}

// command is a parsed moderation command from the compose box.
type command struct {
	TargetName string
	TargetID   string
}

// parseCommand understands "/kick <name> <id>".
func parseCommand(text string) (command, bool) {
	fields := strings.Fields(text)
	if len(fields) != 3 || fields[0] != "/kick" {
		return command{}, false
	}
	return command{TargetName: fields[1], TargetID: fields[2]}, true
}

// Kick blacklists an identity for roomKey, removes its membership, and
// announces the action. Authorization is the caller's concern.
func Kick(ctx context.Context, dir directory.Directory, roomKey, targetName, targetID string) error {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return errors.New("chat: kick target id is required")
	}
	if err := dir.Set(ctx, blacklistPath(roomKey, targetID), true); err != nil {
		return fmt.Errorf("chat: kick: %w", err)
	}
	if err := dir.Delete(ctx, memberPath(roomKey, targetID)); err != nil {
		return fmt.Errorf("chat: kick: %w", err)
	}
	return SendSystemMessage(ctx, dir, roomKey, fmt.Sprintf("👢 %s kicked from bubble.", targetName))
}

// Kick is the creator-gated session variant.
func (s *Session) Kick(ctx context.Context, targetName, targetID string) error {
	roomKey, err := s.creatorRoom("kick")
	if err != nil {
		return err
	}
	return Kick(ctx, s.dir, roomKey, targetName, targetID)
}

// ClearHistory deletes every message under roomKey.
func ClearHistory(ctx context.Context, dir directory.Directory, roomKey string) error {
	if err := dir.Delete(ctx, messagesPath(roomKey)); err != nil {
		return fmt.Errorf("chat: clear history: %w", err)
	}
	return nil
}

// ClearHistory wipes the active room's transcript. Creator only; the view
// resets to an empty transcript.
func (s *Session) ClearHistory(ctx context.Context) error {
	roomKey, err := s.creatorRoom("clear history")
	if err != nil {
		return err
	}
	if err := ClearHistory(ctx, s.dir, roomKey); err != nil {
		return err
	}
	s.view.HistoryCleared(roomKey)
	return nil
}

// Approve turns a pending join request into a membership.
func Approve(ctx context.Context, dir directory.Directory, roomKey, requesterID, requesterName string) error {
	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return errors.New("chat: requester id is required")
	}
	if err := dir.Set(ctx, memberPath(roomKey, requesterID), Membership{Name: requesterName}); err != nil {
		return fmt.Errorf("chat: approve request: %w", err)
	}
	if err := dir.Delete(ctx, requestPath(roomKey, requesterID)); err != nil {
		return fmt.Errorf("chat: approve request: %w", err)
	}
	return nil
}

// Approve is the creator-gated session variant.
func (s *Session) Approve(ctx context.Context, requesterID, requesterName string) error {
	roomKey, err := s.creatorRoom("approve request")
	if err != nil {
		return err
	}
	return Approve(ctx, s.dir, roomKey, requesterID, requesterName)
}

// CreateRoom writes a new room record and keeps its creator token in local
// storage, the only place the token is ever persisted.
func (s *Session) CreateRoom(ctx context.Context, name string, private bool) (Room, error) {
	room, token, err := CreateRoom(ctx, s.dir, name, private)
	if err != nil {
		return Room{}, err
	}
	if err := s.ids.SetCreatorToken(room.Key, token); err != nil {
		return Room{}, err
	}
	return room, nil
}

// CreateRoom is the session-free variant; the caller is responsible for
// holding on to the returned token.
func CreateRoom(ctx context.Context, dir directory.Directory, name string, private bool) (Room, string, error) {
	name = strings.TrimSpace(name)
	key := NormalizeRoomKey(name)
	if name == "" || strings.Trim(key, "-") == "" {
		return Room{}, "", errors.New("chat: room name is required")
	}
	if _, exists, err := dir.Get(ctx, roomPath(key)); err != nil {
		return Room{}, "", fmt.Errorf("chat: create room: %w", err)
	} else if exists {
		return Room{}, "", ErrRoomExists
	}
	room := Room{
		Key:          key,
		Name:         name,
		Private:      private,
		CreatorToken: uuid.NewString(),
	}
	if err := dir.Set(ctx, roomPath(key), room); err != nil {
		return Room{}, "", fmt.Errorf("chat: create room: %w", err)
	}
	return room, room.CreatorToken, nil
}

// creatorRoom gates moderation on the Creator state.
func (s *Session) creatorRoom(action string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomKey == "" {
		return "", ErrNoRoom
	}
	if s.state != StateCreator {
		return "", PermissionError{Action: action, State: s.state}
	}
	return s.roomKey, nil
}
