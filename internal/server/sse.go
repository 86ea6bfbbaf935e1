package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"codepedia/internal/chat"
	"codepedia/internal/session"
)

// sseEvent is one server-sent event frame.
type sseEvent struct {
	name string
	data any
}

// sseView adapts session callbacks to an event channel. A client that
// cannot drain the buffer gets the stream closed rather than silent gaps;
// EventSource reconnects and the backlog replay catches it up.
type sseView struct {
	events   chan sseEvent
	overflow chan struct{}
	once     sync.Once
}

func newSSEView() *sseView {
	return &sseView{
		events:   make(chan sseEvent, 256),
		overflow: make(chan struct{}),
	}
}

func (v *sseView) emit(name string, data any) {
	select {
	case v.events <- sseEvent{name: name, data: data}:
	default:
		v.once.Do(func() {
			slog.Warn("sse client too slow, closing stream", "event", name)
			close(v.overflow)
		})
	}
}

func (v *sseView) StateChanged(roomKey string, state chat.AuthState) {
	v.emit("state", map[string]any{
		"room":    roomKey,
		"state":   state.String(),
		"canRead": state.CanRead(),
		"canSend": state.CanSend(),
	})
}

// MessageArrived serializes the rendering without the auto-scroll hint:
// the hint needs live viewport distance, which only an in-process view
// can report. The widget tracks its own scroll position and decides
// stickiness locally.
func (v *sseView) MessageArrived(msg chat.Rendered) {
	v.emit("message", map[string]any{
		"key":       msg.Key,
		"username":  msg.Username,
		"color":     msg.Color,
		"rank":      string(msg.Rank),
		"userId":    msg.UserID,
		"timestamp": msg.Timestamp.UnixMilli(),
		"kind":      renderKindName(msg.Kind),
		"body":      msg.Body,
	})
}

func (v *sseView) RequestsChanged(requests []chat.JoinRequest) {
	v.emit("requests", requests)
}

func (v *sseView) HistoryCleared(roomKey string) {
	v.emit("history", map[string]string{"room": roomKey, "status": "cleared"})
}

func (v *sseView) Notice(text string) {
	v.emit("notice", map[string]string{"text": text})
}

func renderKindName(kind chat.RenderKind) string {
	switch kind {
	case chat.RenderImage:
		return "image"
	case chat.RenderCode:
		return "code"
	default:
		return "text"
	}
}

// claimsIdentity backs a session controller with token claims instead of a
// local profile. Creator tokens live in the browser; the request carries one
// explicitly when the caller claims the creator role.
type claimsIdentity struct {
	claims       session.Claims
	creatorToken string
}

func (c claimsIdentity) UserID() (string, error)   { return c.claims.Subject, nil }
func (c claimsIdentity) Nickname() (string, error) { return c.claims.Nickname, nil }
func (c claimsIdentity) Color() string             { return c.claims.Color }

func (c claimsIdentity) CreatorToken(string) string { return c.creatorToken }

// SetCreatorToken is a no-op: the API returns tokens to the client once at
// room creation and never stores them.
func (c claimsIdentity) SetCreatorToken(string, string) error { return nil }

// roomStream drives a live session over SSE for the duration of the request.
// Disconnecting detaches every room listener.
func (s *Server) roomStream(w http.ResponseWriter, r *http.Request, key string, claims session.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	view := newSSEView()
	sess, err := chat.NewSession(chat.Config{
		Directory: s.dir,
		Identity:  claimsIdentity{claims: claims, creatorToken: creatorToken(r)},
		View:      view,
		Cooldown:  s.cooldown,
		Backlog:   s.backlog,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer sess.Leave()

	if err := sess.Enter(r.Context(), key); err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-view.overflow:
			// Ending the response forces a reconnect; the fresh stream
			// replays the backlog instead of leaving a silent gap.
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev := <-view.events:
			payload, err := json.Marshal(ev.data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, payload)
			flusher.Flush()
		}
	}
}
