package directory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	srv := miniredis.RunT(t)
	dir, err := NewRedis(srv.Addr(), "", "test:dir", WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new redis directory: %v", err)
	}
	return dir
}

func TestRedisDirectoryRequiresAddr(t *testing.T) {
	if _, err := NewRedis("", "", ""); err == nil {
		t.Fatalf("expected constructor error for empty addr")
	}
}

func TestRedisSetGetListDelete(t *testing.T) {
	ctx := context.Background()
	dir := newTestRedis(t)

	if err := dir.Set(ctx, "bubbles/golang", map[string]any{"name": "GoLang", "private": true}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := dir.Set(ctx, "bubbles/pythonistas", map[string]any{"name": "Pythonistas"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	raw, ok, err := dir.Get(ctx, "bubbles/golang")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["name"] != "GoLang" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	children, err := dir.List(ctx, "bubbles")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected two children, got %d", len(children))
	}

	if err := dir.Delete(ctx, "bubbles/golang"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := dir.Get(ctx, "bubbles/golang"); ok {
		t.Fatalf("record should be gone after delete")
	}
	children, err = dir.List(ctx, "bubbles")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected one child after delete, got %d", len(children))
	}
}

func TestRedisDeleteSubtree(t *testing.T) {
	ctx := context.Background()
	dir := newTestRedis(t)

	if err := dir.Set(ctx, "members/golang/u1", map[string]string{"name": "ada"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := dir.Set(ctx, "members/golang/u2", map[string]string{"name": "linus"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := dir.Delete(ctx, "members/golang"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := dir.Get(ctx, "members/golang/u1"); ok {
		t.Fatalf("descendant should be gone after subtree delete")
	}
	children, err := dir.List(ctx, "members/golang")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected no children, got %d", len(children))
	}
}

func TestRedisChildAddedBacklogAndLive(t *testing.T) {
	ctx := context.Background()
	dir := newTestRedis(t)

	var keys []string
	for _, text := range []string{"one", "two", "three"} {
		key, err := dir.Push(ctx, "rooms/global", map[string]string{"text": text})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		keys = append(keys, key)
	}

	fn, ch := collectChildren(t, 8)
	sub, err := dir.ChildAdded(ctx, "rooms/global", 2, fn)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if got := waitFor(t, ch); got != keys[1]+`={"text":"two"}` {
		t.Fatalf("unexpected first backlog entry: %q", got)
	}
	if got := waitFor(t, ch); got != keys[2]+`={"text":"three"}` {
		t.Fatalf("unexpected second backlog entry: %q", got)
	}

	key, err := dir.Push(ctx, "rooms/global", map[string]string{"text": "four"})
	if err != nil {
		t.Fatalf("push live: %v", err)
	}
	if got := waitFor(t, ch); got != key+`={"text":"four"}` {
		t.Fatalf("unexpected live event: %q", got)
	}
}

func TestRedisChildAddedSkipsDeletedRecords(t *testing.T) {
	ctx := context.Background()
	dir := newTestRedis(t)

	if err := dir.Set(ctx, "bubbles/golang", map[string]any{"name": "GoLang"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := dir.Set(ctx, "bubbles/zig", map[string]any{"name": "Zig"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := dir.Delete(ctx, "bubbles/golang"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	fn, ch := collectChildren(t, 8)
	sub, err := dir.ChildAdded(ctx, "bubbles", 0, fn)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if got := waitFor(t, ch); got != `zig={"name":"Zig"}` {
		t.Fatalf("deleted child replayed: %q", got)
	}
}

func TestRedisValueChanged(t *testing.T) {
	ctx := context.Background()
	dir := newTestRedis(t)

	snaps := make(chan Snapshot, 8)
	sub, err := dir.ValueChanged(ctx, "blacklist/golang/u1", func(snap Snapshot) {
		snaps <- snap
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()

	if snap := <-snaps; snap.Exists() {
		t.Fatalf("initial snapshot should be empty")
	}

	if err := dir.Set(ctx, "blacklist/golang/u1", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case snap := <-snaps:
		if !snap.Exists() || string(snap.Raw) != "true" {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot after write")
	}

	sub.Close()
	if err := dir.Set(ctx, "blacklist/golang/u1", false); err != nil {
		t.Fatalf("set after close: %v", err)
	}
	select {
	case <-snaps:
		t.Fatalf("snapshot delivered after Close")
	case <-time.After(100 * time.Millisecond):
	}
}
