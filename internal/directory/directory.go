// Package directory models the hierarchical, path-addressed record store
// that backs rooms, memberships, join requests, blacklists, and message
// feeds. It exposes the narrow capability set the chat core consumes:
// write, append-with-generated-key, subtree delete, and live
// child-added/value-changed subscriptions.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidPath is returned for empty paths or paths with empty segments.
var ErrInvalidPath = errors.New("directory: invalid path")

// Snapshot is the state of a path at notification time.
type Snapshot struct {
	// Raw is the value stored at the path itself, nil when absent.
	Raw json.RawMessage
	// Children maps immediate child names to their values.
	Children map[string]json.RawMessage
}

// Exists reports whether anything is stored at or under the path.
func (s Snapshot) Exists() bool {
	return s.Raw != nil || len(s.Children) > 0
}

// ChildFunc receives one appended child per call, in append order.
type ChildFunc func(key string, value json.RawMessage)

// ValueFunc receives the current snapshot of a watched path. It is called
// once on attach and again after every write or delete touching the path
// or its subtree.
type ValueFunc func(snap Snapshot)

// Subscription is a live listener handle. Close detaches it; after Close
// returns no further callbacks are delivered.
type Subscription interface {
	Close()
}

// Directory is the external store collaborator. Implementations guarantee
// in-order delivery of child-added events for a single subscription on a
// single path. No cross-path or cross-subscription ordering is promised.
type Directory interface {
	// Set writes value at path, replacing any existing subtree.
	Set(ctx context.Context, path string, value any) error
	// Push appends value as a new child of path and returns the generated
	// child key. Keys are monotonic per path.
	Push(ctx context.Context, path string, value any) (string, error)
	// Delete removes the record at path and its entire subtree. Deleting
	// an absent path is a no-op.
	Delete(ctx context.Context, path string) error
	// Get reads the value stored at path.
	Get(ctx context.Context, path string) (json.RawMessage, bool, error)
	// List returns the immediate children of path.
	List(ctx context.Context, path string) (map[string]json.RawMessage, error)
	// ChildAdded subscribes to children appended under path. Up to backlog
	// existing children are replayed first (most recent ones, in append
	// order); backlog <= 0 replays all.
	ChildAdded(ctx context.Context, path string, backlog int, fn ChildFunc) (Subscription, error)
	// ValueChanged subscribes to snapshot updates for path.
	ValueChanged(ctx context.Context, path string, fn ValueFunc) (Subscription, error)
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	segments := strings.Split(path, "/")
	for _, s := range segments {
		if s == "" {
			return nil, ErrInvalidPath
		}
	}
	return segments, nil
}

// isPathRelated reports whether one path is equal to or an ancestor of the
// other. Value watchers fire for any write in either direction.
func isPathRelated(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
