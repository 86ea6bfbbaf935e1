package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"codepedia/internal/directory"
)

const (
	// DefaultCooldown is the minimum interval between sends. Configurable;
	// deployments have used anything from 500ms to 3s.
	DefaultCooldown = 3 * time.Second
	// DefaultBacklog is how many recent messages are replayed on attach.
	DefaultBacklog = 50

	// autoScrollSlack is how close to the bottom (in pixels, as reported by
	// the view) still counts as "following the conversation".
	autoScrollSlack = 48
)

// ErrEmptyMessage rejects whitespace-only sends before any network call.
var ErrEmptyMessage = errors.New("chat: message is empty")

// ErrCooldown rejects a send inside the cooldown window. The Remaining
// duration backs the user-visible "wait N seconds" hint.
type ErrCooldown struct {
	Remaining time.Duration
}

func (e ErrCooldown) Error() string {
	return fmt.Sprintf("chat: please wait %.1fs before sending again", e.Remaining.Seconds())
}

// RenderKind is the message body classification.
type RenderKind int

const (
	RenderText RenderKind = iota
	RenderImage
	RenderCode
)

// Rendered is one message prepared for display.
type Rendered struct {
	Key       string
	Username  string
	Color     string
	Rank      Rank
	UserID    string
	Timestamp time.Time
	Kind      RenderKind
	// Body is the escaped text, the image source, or the decoded snippet
	// depending on Kind.
	Body string
	// AutoScroll is set when the viewer was near the bottom at arrival, so
	// the view may jump to the newest message without yanking a reader out
	// of history.
	AutoScroll bool
}

// View receives session output. Implementations must not block for long;
// callbacks arrive on the subscription's delivery goroutine.
type View interface {
	StateChanged(roomKey string, state AuthState)
	MessageArrived(msg Rendered)
	RequestsChanged(requests []JoinRequest)
	HistoryCleared(roomKey string)
	Notice(text string)
}

var imageURLPattern = regexp.MustCompile(`(?i)^https?://\S+\.(png|jpe?g|gif|webp)(\?\S*)?$`)

// classify picks exactly one rendering for a body, testing image first,
// then code fence, then plain text.
func classify(body string) (RenderKind, string) {
	trimmed := strings.TrimSpace(body)
	if imageURLPattern.MatchString(trimmed) || strings.HasPrefix(trimmed, "data:image/") {
		return RenderImage, trimmed
	}
	if snippet, ok := cutFence(trimmed); ok {
		return RenderCode, snippet
	}
	return RenderText, html.EscapeString(body)
}

// cutFence extracts a snippet delimited by backtick fences.
func cutFence(body string) (string, bool) {
	if len(body) < 3 || !strings.HasPrefix(body, "`") || !strings.HasSuffix(body, "`") {
		return "", false
	}
	return strings.Trim(body, "`"), true
}

// decodeSnippet validates a code snippet payload before it is offered to
// the live preview.
func decodeSnippet(snippet string) (string, error) {
	if strings.TrimSpace(snippet) == "" {
		return "", errors.New("chat: empty snippet payload")
	}
	if !utf8.ValidString(snippet) {
		return "", errors.New("chat: snippet payload is not valid text")
	}
	return snippet, nil
}

// relay owns the send/receive side of the active room. The owning session
// serializes access.
type relay struct {
	dir      directory.Directory
	cooldown time.Duration
	clock    func() time.Time

	lastSent   time.Time
	nearBottom bool
}

func newRelay(dir directory.Directory, cooldown time.Duration, clock func() time.Time) *relay {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clock == nil {
		clock = time.Now
	}
	return &relay{
		dir:        dir,
		cooldown:   cooldown,
		clock:      clock,
		nearBottom: true,
	}
}

// send validates and appends one message. Callers have already checked the
// authorization state.
func (r *relay) send(ctx context.Context, roomKey string, msg Message) error {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return ErrEmptyMessage
	}
	now := r.clock()
	if !r.lastSent.IsZero() {
		if remaining := r.cooldown - now.Sub(r.lastSent); remaining > 0 {
			return ErrCooldown{Remaining: remaining}
		}
	}
	msg.Timestamp = now.UnixMilli()
	if _, err := r.dir.Push(ctx, messagesPath(roomKey), msg); err != nil {
		return fmt.Errorf("chat: send message: %w", err)
	}
	r.lastSent = now
	return nil
}

// sendSystem appends a system notice, bypassing cooldown.
func (r *relay) sendSystem(ctx context.Context, roomKey, text string) error {
	msg := systemMessage(text)
	msg.Timestamp = r.clock().UnixMilli()
	if _, err := r.dir.Push(ctx, messagesPath(roomKey), msg); err != nil {
		return fmt.Errorf("chat: send system message: %w", err)
	}
	return nil
}

func systemMessage(text string) Message {
	return Message{
		Username: "SYSTEM",
		Text:     text,
		Color:    "#ff4444",
		Rank:     RankSystem,
	}
}

// SendMessage appends one message on behalf of an identity the caller has
// already authorized. Cooldown enforcement stays with the caller; the HTTP
// surface uses its rate limiter for that.
func SendMessage(ctx context.Context, dir directory.Directory, roomKey string, msg Message) error {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return ErrEmptyMessage
	}
	if msg.Rank == "" {
		msg.Rank = RankMember
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if _, err := dir.Push(ctx, messagesPath(roomKey), msg); err != nil {
		return fmt.Errorf("chat: send message: %w", err)
	}
	return nil
}

// SendSystemMessage appends a system notice.
func SendSystemMessage(ctx context.Context, dir directory.Directory, roomKey, text string) error {
	msg := systemMessage(text)
	msg.Timestamp = time.Now().UnixMilli()
	if _, err := dir.Push(ctx, messagesPath(roomKey), msg); err != nil {
		return fmt.Errorf("chat: send system message: %w", err)
	}
	return nil
}

// render prepares one arrived record for display. Records that fail to
// decode are dropped (ok=false); snippet decode failures fall back to
// escaped text with a user-visible notice.
func (r *relay) render(key string, raw json.RawMessage) (Rendered, string, bool) {
	msg, ok := decodeMessage(raw)
	if !ok {
		return Rendered{}, "", false
	}
	var notice string
	kind, body := classify(msg.Text)
	if kind == RenderCode {
		decoded, err := decodeSnippet(body)
		if err != nil {
			kind, body = RenderText, html.EscapeString(msg.Text)
			notice = "could not decode code snippet"
		} else {
			body = decoded
		}
	}
	return Rendered{
		Key:        key,
		Username:   msg.Username,
		Color:      msg.Color,
		Rank:       msg.Rank,
		UserID:     msg.UserID,
		Timestamp:  msg.Time(),
		Kind:       kind,
		Body:       body,
		AutoScroll: r.nearBottom,
	}, notice, true
}

// setViewportDistance records how far (in pixels) the viewer is from the
// bottom of the transcript.
func (r *relay) setViewportDistance(px int) {
	r.nearBottom = px <= autoScrollSlack
}
