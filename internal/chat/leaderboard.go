package chat

import (
	"context"
	"fmt"
	"sort"

	"codepedia/internal/directory"
)

// LeaderboardSize caps the standings at the podium plus two runners-up.
const LeaderboardSize = 5

var leaderboardMedals = [3]string{"🥇", "🥈", "🥉"}

// Standing is one leaderboard row.
type Standing struct {
	Rank    int    `json:"rank"`
	Medal   string `json:"medal"`
	RoomKey string `json:"roomKey"`
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// ListRooms returns every room record, ordered by key.
func ListRooms(ctx context.Context, dir directory.Directory) ([]Room, error) {
	raw, err := dir.List(ctx, "bubbles")
	if err != nil {
		return nil, fmt.Errorf("chat: list rooms: %w", err)
	}
	rooms := make([]Room, 0, len(raw))
	for key, payload := range raw {
		if room, ok := decodeRoom(key, payload); ok {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Key < rooms[j].Key })
	return rooms, nil
}

// Leaderboard aggregates membership counts across every room.
type Leaderboard struct {
	dir directory.Directory
}

func NewLeaderboard(dir directory.Directory) *Leaderboard {
	return &Leaderboard{dir: dir}
}

// Compute takes a one-shot reading: rooms ordered by member count
// descending, ties broken by room key, zero-member rooms excluded, capped
// at LeaderboardSize.
func (l *Leaderboard) Compute(ctx context.Context) ([]Standing, error) {
	rooms, err := l.dir.List(ctx, "bubbles")
	if err != nil {
		return nil, fmt.Errorf("chat: leaderboard: %w", err)
	}
	standings := make([]Standing, 0, len(rooms))
	for key, raw := range rooms {
		room, ok := decodeRoom(key, raw)
		if !ok {
			continue
		}
		members, err := l.dir.List(ctx, membersPath(key))
		if err != nil {
			return nil, fmt.Errorf("chat: leaderboard: %w", err)
		}
		if len(members) == 0 {
			continue
		}
		standings = append(standings, Standing{RoomKey: key, Name: room.Name, Members: len(members)})
	}
	sort.Slice(standings, func(i, j int) bool {
		if standings[i].Members != standings[j].Members {
			return standings[i].Members > standings[j].Members
		}
		return standings[i].RoomKey < standings[j].RoomKey
	})
	if len(standings) > LeaderboardSize {
		standings = standings[:LeaderboardSize]
	}
	for i := range standings {
		standings[i].Rank = i + 1
		if i < len(leaderboardMedals) {
			standings[i].Medal = leaderboardMedals[i]
		} else {
			standings[i].Medal = "💻"
		}
	}
	return standings, nil
}

// Watch recomputes on every membership or room change and hands the fresh
// standings to fn. Errors during recompute drop that update; the watch
// stays live.
func (l *Leaderboard) Watch(ctx context.Context, fn func([]Standing)) (directory.Subscription, error) {
	recompute := func(directory.Snapshot) {
		standings, err := l.Compute(ctx)
		if err != nil {
			return
		}
		fn(standings)
	}
	memberSub, err := l.dir.ValueChanged(ctx, "members", recompute)
	if err != nil {
		return nil, err
	}
	roomSub, err := l.dir.ValueChanged(ctx, "bubbles", recompute)
	if err != nil {
		memberSub.Close()
		return nil, err
	}
	return subGroup{memberSub, roomSub}, nil
}

type subGroup []directory.Subscription

func (g subGroup) Close() {
	for _, s := range g {
		s.Close()
	}
}
