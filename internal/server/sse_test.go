package server

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"codepedia/internal/chat"
)

func TestSSEViewSignalsOverflow(t *testing.T) {
	view := newSSEView()

	for i := 0; i <= cap(view.events); i++ {
		view.Notice("flood")
	}

	select {
	case <-view.overflow:
	default:
		t.Fatal("expected overflow signal after the buffer filled")
	}

	// Further emits must not panic or double-close.
	view.Notice("late")

	// Buffered events remain drainable for the closing write loop.
	select {
	case ev := <-view.events:
		if ev.name != "notice" {
			t.Fatalf("event = %q", ev.name)
		}
	default:
		t.Fatal("expected buffered events to survive overflow")
	}
}

func TestSSEMessagePayloadOmitsScrollHint(t *testing.T) {
	view := newSSEView()
	view.MessageArrived(chat.Rendered{
		Key:        "k1",
		Username:   "alice",
		Rank:       chat.RankMember,
		Timestamp:  time.UnixMilli(1700000000000),
		Kind:       chat.RenderText,
		Body:       "hi",
		AutoScroll: true,
	})

	ev := <-view.events
	if ev.name != "message" {
		t.Fatalf("event = %q", ev.name)
	}
	payload, err := json.Marshal(ev.data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(payload), "autoScroll") {
		t.Fatalf("payload = %s, scroll hint is a client-side decision", payload)
	}
	if !strings.Contains(string(payload), `"kind":"text"`) {
		t.Fatalf("payload = %s", payload)
	}
}
