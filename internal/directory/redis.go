package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPollInterval = 200 * time.Millisecond

// Redis is a Directory backed by Redis. Records live in plain keys, child
// feeds in streams (one per path, stream order is append order), and value
// watches ride a single pub/sub channel carrying written paths.
type Redis struct {
	client *redis.Client
	prefix string
	poll   time.Duration
}

// RedisOption tweaks optional Redis directory settings.
type RedisOption func(*Redis)

// WithPollInterval overrides the child-feed poll interval. Tests use a
// short interval.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

// NewRedis connects a Redis-backed directory.
func NewRedis(addr, password, prefix string, opts ...RedisOption) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("directory: redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "codepedia:dir"
	}
	r := &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		poll:   defaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Redis) recKey(path string) string  { return r.prefix + ":rec:" + path }
func (r *Redis) kidsKey(path string) string { return r.prefix + ":kids:" + path }
func (r *Redis) feedKey(path string) string { return r.prefix + ":feed:" + path }
func (r *Redis) seqKey() string             { return r.prefix + ":seq" }
func (r *Redis) eventsChannel() string      { return r.prefix + ":events" }

// Set writes value at path, replacing any existing subtree.
func (r *Redis) Set(ctx context.Context, path string, value any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	raw, err := marshalValue(value)
	if err != nil {
		return fmt.Errorf("directory: encode %s: %w", path, err)
	}

	existed, err := r.client.Exists(ctx, r.recKey(path)).Result()
	if err != nil {
		return fmt.Errorf("directory: set %s: %w", path, err)
	}
	if err := r.deleteChildren(ctx, path); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.recKey(path), string(raw), 0).Err(); err != nil {
		return fmt.Errorf("directory: set %s: %w", path, err)
	}
	if len(segments) > 1 {
		parent := Join(segments[:len(segments)-1]...)
		name := segments[len(segments)-1]
		if err := r.client.SAdd(ctx, r.kidsKey(parent), name).Err(); err != nil {
			return fmt.Errorf("directory: set %s: %w", path, err)
		}
		if existed == 0 {
			if err := r.appendFeed(ctx, parent, name, raw); err != nil {
				return err
			}
		}
	}
	return r.publish(ctx, path)
}

// Push appends value as a new child of path.
func (r *Redis) Push(ctx context.Context, path string, value any) (string, error) {
	if _, err := splitPath(path); err != nil {
		return "", err
	}
	raw, err := marshalValue(value)
	if err != nil {
		return "", fmt.Errorf("directory: encode %s: %w", path, err)
	}
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("directory: push %s: %w", path, err)
	}
	key := fmt.Sprintf("%013d-%s", seq, uuid.NewString()[:8])
	child := path + "/" + key

	// Record first so feed replays never see a child without a record.
	if err := r.client.Set(ctx, r.recKey(child), string(raw), 0).Err(); err != nil {
		return "", fmt.Errorf("directory: push %s: %w", path, err)
	}
	if err := r.client.SAdd(ctx, r.kidsKey(path), key).Err(); err != nil {
		return "", fmt.Errorf("directory: push %s: %w", path, err)
	}
	if err := r.appendFeed(ctx, path, key, raw); err != nil {
		return "", err
	}
	if err := r.publish(ctx, child); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes path and its subtree.
func (r *Redis) Delete(ctx context.Context, path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if err := r.deleteChildren(ctx, path); err != nil {
		return err
	}
	keys := []string{r.recKey(path), r.kidsKey(path), r.feedKey(path)}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("directory: delete %s: %w", path, err)
	}
	if len(segments) > 1 {
		parent := Join(segments[:len(segments)-1]...)
		name := segments[len(segments)-1]
		if err := r.client.SRem(ctx, r.kidsKey(parent), name).Err(); err != nil {
			return fmt.Errorf("directory: delete %s: %w", path, err)
		}
	}
	return r.publish(ctx, path)
}

// Get reads the value stored at path.
func (r *Redis) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	if _, err := splitPath(path); err != nil {
		return nil, false, err
	}
	val, err := r.client.Get(ctx, r.recKey(path)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("directory: get %s: %w", path, err)
	}
	return json.RawMessage(val), true, nil
}

// List returns the immediate children of path.
func (r *Redis) List(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if _, err := splitPath(path); err != nil {
		return nil, err
	}
	names, err := r.client.SMembers(ctx, r.kidsKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: list %s: %w", path, err)
	}
	out := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		val, err := r.client.Get(ctx, r.recKey(path+"/"+name)).Result()
		if err == redis.Nil {
			out[name] = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("directory: list %s: %w", path, err)
		}
		out[name] = json.RawMessage(val)
	}
	return out, nil
}

// ChildAdded replays up to backlog feed entries, then polls the stream for
// new ones. Stream order is the append order.
func (r *Redis) ChildAdded(ctx context.Context, path string, backlog int, fn ChildFunc) (Subscription, error) {
	if _, err := splitPath(path); err != nil {
		return nil, err
	}
	count := int64(backlog)
	if count <= 0 {
		count = 10000
	}
	entries, err := r.client.XRevRangeN(ctx, r.feedKey(path), "+", "-", count).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("directory: subscribe %s: %w", path, err)
	}

	sub := &redisFeedSub{done: make(chan struct{})}
	lastID := "0-0"
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		lastID = entry.ID
		name, raw, ok := decodeFeedEntry(entry)
		if !ok {
			continue
		}
		// Skip children whose record was deleted since the append.
		exists, err := r.client.Exists(ctx, r.recKey(path+"/"+name)).Result()
		if err != nil || exists == 0 {
			continue
		}
		fn(name, raw)
	}

	go r.pollFeed(sub, path, lastID, fn)
	return sub, nil
}

// ValueChanged reads the snapshot now and re-reads it after every related
// write announced on the events channel.
func (r *Redis) ValueChanged(ctx context.Context, path string, fn ValueFunc) (Subscription, error) {
	if _, err := splitPath(path); err != nil {
		return nil, err
	}
	pubsub := r.client.Subscribe(context.Background(), r.eventsChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("directory: watch %s: %w", path, err)
	}

	snap, err := r.snapshot(ctx, path)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	fn(snap)

	sub := &redisWatchSub{pubsub: pubsub}
	go func() {
		for msg := range pubsub.Channel() {
			if !isPathRelated(path, msg.Payload) {
				continue
			}
			readCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			snap, err := r.snapshot(readCtx, path)
			cancel()
			if err != nil {
				slog.Warn("directory watch read failed", "path", path, "err", err)
				continue
			}
			safeValueCall(path, fn, snap)
		}
	}()
	return sub, nil
}

func (r *Redis) snapshot(ctx context.Context, path string) (Snapshot, error) {
	raw, ok, err := r.Get(ctx, path)
	if err != nil {
		return Snapshot{}, err
	}
	children, err := r.List(ctx, path)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Children: children}
	if len(children) == 0 {
		snap.Children = nil
	}
	if ok {
		snap.Raw = raw
	}
	return snap, nil
}

func (r *Redis) appendFeed(ctx context.Context, path, key string, raw json.RawMessage) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.feedKey(path),
		Values: map[string]any{"k": key, "v": string(raw)},
	}).Err()
	if err != nil {
		return fmt.Errorf("directory: append %s: %w", path, err)
	}
	return nil
}

func (r *Redis) publish(ctx context.Context, path string) error {
	if err := r.client.Publish(ctx, r.eventsChannel(), path).Err(); err != nil {
		return fmt.Errorf("directory: notify %s: %w", path, err)
	}
	return nil
}

func (r *Redis) deleteChildren(ctx context.Context, path string) error {
	names, err := r.client.SMembers(ctx, r.kidsKey(path)).Result()
	if err != nil {
		return fmt.Errorf("directory: delete %s: %w", path, err)
	}
	for _, name := range names {
		child := path + "/" + name
		if err := r.deleteChildren(ctx, child); err != nil {
			return err
		}
		keys := []string{r.recKey(child), r.kidsKey(child), r.feedKey(child)}
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("directory: delete %s: %w", path, err)
		}
	}
	if len(names) > 0 {
		if err := r.client.Del(ctx, r.kidsKey(path)).Err(); err != nil {
			return fmt.Errorf("directory: delete %s: %w", path, err)
		}
	}
	return nil
}

func (r *Redis) pollFeed(sub *redisFeedSub, path, lastID string, fn ChildFunc) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		entries, err := r.client.XRange(ctx, r.feedKey(path), nextStreamID(lastID), "+").Result()
		cancel()
		if err != nil {
			continue
		}
		for _, entry := range entries {
			lastID = entry.ID
			name, raw, ok := decodeFeedEntry(entry)
			if !ok {
				continue
			}
			select {
			case <-sub.done:
				return
			default:
			}
			safeChildCall(path, fn, name, raw)
		}
	}
}

type redisFeedSub struct {
	once sync.Once
	done chan struct{}
}

func (s *redisFeedSub) Close() {
	s.once.Do(func() { close(s.done) })
}

type redisWatchSub struct {
	once   sync.Once
	pubsub *redis.PubSub
}

func (s *redisWatchSub) Close() {
	s.once.Do(func() { _ = s.pubsub.Close() })
}

func decodeFeedEntry(entry redis.XMessage) (string, json.RawMessage, bool) {
	name, _ := entry.Values["k"].(string)
	val, _ := entry.Values["v"].(string)
	if name == "" || val == "" {
		return "", nil, false
	}
	return name, json.RawMessage(val), true
}

// nextStreamID returns the smallest stream ID strictly greater than id.
func nextStreamID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

func safeChildCall(path string, fn ChildFunc, key string, raw json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("directory listener panic", "path", path, "err", r)
		}
	}()
	fn(key, raw)
}

func safeValueCall(path string, fn ValueFunc, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("directory listener panic", "path", path, "err", r)
		}
	}()
	fn(snap)
}
