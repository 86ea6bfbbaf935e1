package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"codepedia/internal/directory"
)

func seedRoom(t *testing.T, dir directory.Directory, key, name string, members int) {
	t.Helper()
	ctx := context.Background()
	if err := dir.Set(ctx, roomPath(key), Room{Name: name}); err != nil {
		t.Fatalf("seed room %s: %v", key, err)
	}
	for i := 0; i < members; i++ {
		uid := fmt.Sprintf("dev-%s-%d", key, i)
		if err := dir.Set(ctx, memberPath(key, uid), Membership{Name: uid}); err != nil {
			t.Fatalf("seed member %s: %v", uid, err)
		}
	}
}

func TestLeaderboardOrdersByMemberCount(t *testing.T) {
	dir := directory.NewMemory()
	seedRoom(t, dir, "a", "Alpha", 3)
	seedRoom(t, dir, "b", "Beta", 7)
	seedRoom(t, dir, "c", "Gamma", 1)

	standings, err := NewLeaderboard(dir).Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(standings) != 3 {
		t.Fatalf("got %d standings, want 3", len(standings))
	}
	wantKeys := []string{"b", "a", "c"}
	wantMedals := []string{"🥇", "🥈", "🥉"}
	for i, s := range standings {
		if s.RoomKey != wantKeys[i] || s.Medal != wantMedals[i] || s.Rank != i+1 {
			t.Fatalf("standing %d = %+v", i, s)
		}
	}
	if standings[0].Name != "Beta" || standings[0].Members != 7 {
		t.Fatalf("winner = %+v", standings[0])
	}
}

func TestLeaderboardCapsTiesAndZeroes(t *testing.T) {
	dir := directory.NewMemory()
	seedRoom(t, dir, "empty", "Empty", 0)
	seedRoom(t, dir, "tie-z", "TieZ", 2)
	seedRoom(t, dir, "tie-a", "TieA", 2)
	for i := 0; i < 5; i++ {
		seedRoom(t, dir, fmt.Sprintf("big%d", i), "Big", 10-i)
	}

	standings, err := NewLeaderboard(dir).Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(standings) != LeaderboardSize {
		t.Fatalf("got %d standings, want %d", len(standings), LeaderboardSize)
	}
	for _, s := range standings {
		if s.RoomKey == "empty" {
			t.Fatal("zero-member room made the board")
		}
	}
	if standings[3].Medal != "💻" || standings[4].Medal != "💻" {
		t.Fatalf("runner-up medals = %q, %q", standings[3].Medal, standings[4].Medal)
	}

	// Ties fall back to key order.
	tied, err := NewLeaderboard(dir).Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	var keys []string
	for _, s := range tied {
		keys = append(keys, s.RoomKey)
	}
	// big0..big4 hold 10..6 members, so the tied pair is off the board;
	// shrink the field to surface it.
	for i := 0; i < 5; i++ {
		if err := dir.Delete(context.Background(), roomPath(fmt.Sprintf("big%d", i))); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}
	standings, err = NewLeaderboard(dir).Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(standings) != 2 || standings[0].RoomKey != "tie-a" || standings[1].RoomKey != "tie-z" {
		t.Fatalf("tie order = %+v (previous full board %v)", standings, keys)
	}
}

func TestLeaderboardWatchRecomputes(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	seedRoom(t, dir, "watched", "Watched", 1)

	var mu sync.Mutex
	var latest []Standing
	sub, err := NewLeaderboard(dir).Watch(ctx, func(standings []Standing) {
		mu.Lock()
		defer mu.Unlock()
		latest = standings
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()

	waitUntil(t, "initial standings", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].Members == 1
	})

	if err := dir.Set(ctx, memberPath("watched", "dev-new"), Membership{Name: "new"}); err != nil {
		t.Fatalf("add member: %v", err)
	}
	waitUntil(t, "recomputed standings", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].Members == 2
	})
}
