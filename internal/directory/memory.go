package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type memNode struct {
	value    []byte
	children map[string]*memNode
	order    []string
}

func newMemNode() *memNode {
	return &memNode{children: make(map[string]*memNode)}
}

// Memory is an in-process Directory. It is the default for tests and for
// single-process development runs.
type Memory struct {
	mu     sync.Mutex
	root   *memNode
	seq    uint64
	notify *notifier
}

// NewMemory initializes an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		root:   newMemNode(),
		notify: newNotifier(),
	}
}

// Set writes value at path, replacing any existing subtree.
func (m *Memory) Set(ctx context.Context, path string, value any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	raw, err := marshalValue(value)
	if err != nil {
		return fmt.Errorf("directory: encode %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent := m.root
	for _, seg := range segments[:len(segments)-1] {
		parent = m.child(parent, seg)
	}
	name := segments[len(segments)-1]
	node, existed := parent.children[name]
	if !existed {
		node = newMemNode()
		parent.children[name] = node
		parent.order = append(parent.order, name)
	}
	node.value = raw
	node.children = make(map[string]*memNode)
	node.order = nil

	if !existed && len(segments) > 1 {
		m.notify.childAdded(Join(segments[:len(segments)-1]...), name, raw)
	}
	m.notify.valueChanged(path, m.snapshotLocked)
	return nil
}

// Push appends value as a new child with a generated monotonic key.
func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	segments, err := splitPath(path)
	if err != nil {
		return "", err
	}
	raw, err := marshalValue(value)
	if err != nil {
		return "", fmt.Errorf("directory: encode %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent := m.root
	for _, seg := range segments {
		parent = m.child(parent, seg)
	}
	m.seq++
	key := fmt.Sprintf("%013d-%s", m.seq, uuid.NewString()[:8])
	node := newMemNode()
	node.value = raw
	parent.children[key] = node
	parent.order = append(parent.order, key)

	m.notify.childAdded(path, key, raw)
	m.notify.valueChanged(path+"/"+key, m.snapshotLocked)
	return key, nil
}

// Delete removes path and its subtree.
func (m *Memory) Delete(ctx context.Context, path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent := m.root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := parent.children[seg]
		if !ok {
			return nil
		}
		parent = next
	}
	name := segments[len(segments)-1]
	if _, ok := parent.children[name]; !ok {
		return nil
	}
	delete(parent.children, name)
	for i, n := range parent.order {
		if n == name {
			parent.order = append(parent.order[:i], parent.order[i+1:]...)
			break
		}
	}

	m.notify.valueChanged(path, m.snapshotLocked)
	return nil
}

// Get reads the value stored at path.
func (m *Memory) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.lookup(segments)
	if node == nil || node.value == nil {
		return nil, false, nil
	}
	return node.value, true, nil
}

// List returns the immediate children of path.
func (m *Memory) List(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage)
	node := m.lookup(segments)
	if node == nil {
		return out, nil
	}
	for name, child := range node.children {
		out[name] = child.value
	}
	return out, nil
}

// ChildAdded replays existing children in append order, then streams new
// ones.
func (m *Memory) ChildAdded(ctx context.Context, path string, backlog int, fn ChildFunc) (Subscription, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Subscribe while holding the tree lock so no append lands between the
	// replay and the live feed.
	sub := m.notify.subscribe(path, eventChild, fn, nil)
	if node := m.lookup(segments); node != nil {
		order := node.order
		if backlog > 0 && len(order) > backlog {
			order = order[len(order)-backlog:]
		}
		for _, name := range order {
			sub.enqueue(event{kind: eventChild, key: name, value: node.children[name].value})
		}
	}
	return sub, nil
}

// ValueChanged delivers the current snapshot, then one per related write.
func (m *Memory) ValueChanged(ctx context.Context, path string, fn ValueFunc) (Subscription, error) {
	if _, err := splitPath(path); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub := m.notify.subscribe(path, eventValue, nil, fn)
	sub.enqueue(event{kind: eventValue, snap: m.snapshotLocked(path)})
	return sub, nil
}

func (m *Memory) child(parent *memNode, name string) *memNode {
	node, ok := parent.children[name]
	if !ok {
		node = newMemNode()
		parent.children[name] = node
		parent.order = append(parent.order, name)
	}
	return node
}

func (m *Memory) lookup(segments []string) *memNode {
	node := m.root
	for _, seg := range segments {
		next, ok := node.children[seg]
		if !ok {
			return nil
		}
		node = next
	}
	return node
}

// snapshotLocked builds a Snapshot for path. Callers hold m.mu.
func (m *Memory) snapshotLocked(path string) Snapshot {
	segments, err := splitPath(path)
	if err != nil {
		return Snapshot{}
	}
	node := m.lookup(segments)
	if node == nil {
		return Snapshot{}
	}
	snap := Snapshot{Raw: node.value}
	if len(node.children) > 0 {
		snap.Children = make(map[string]json.RawMessage, len(node.children))
		for name, child := range node.children {
			snap.Children[name] = child.value
		}
	}
	return snap
}
