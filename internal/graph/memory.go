package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WireLeaf is one leaf write with its merge timestamp.
type WireLeaf struct {
	V  any   `json:"v"`
	TS int64 `json:"ts"`
}

// WirePut is the replication unit: a set of leaf writes under one soul.
// The ID dedupes re-broadcasts between peers.
type WirePut struct {
	ID     string              `json:"id"`
	Soul   string              `json:"soul"`
	Fields map[string]WireLeaf `json:"fields"`
}

type leafState struct {
	value any
	ts    int64
}

type listener struct {
	soul string
	h    Handler
}

const seenCap = 4096

// Memory is the in-process graph engine: a soul-keyed store with
// last-write-wins merge per leaf. It backs both the daemon (with the peer
// relay attached) and tests (standalone).
type Memory struct {
	mu        sync.Mutex
	nodes     map[string]map[string]leafState
	listeners map[int]*listener
	nextID    int
	seen      map[string]bool
	seenOrder []string
	broadcast func(WirePut)
	now       func() int64
}

// NewMemory creates an empty graph engine.
func NewMemory() *Memory {
	return &Memory{
		nodes:     make(map[string]map[string]leafState),
		listeners: make(map[int]*listener),
		seen:      make(map[string]bool),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetBroadcast installs the relay hook invoked for every locally accepted
// write. Must be set before concurrent use.
func (m *Memory) SetBroadcast(fn func(WirePut)) {
	m.broadcast = fn
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, p Path, v Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p) == 0 {
		return fmt.Errorf("graph: empty path")
	}
	puts := flatten(p, v, m.now())
	for i := range puts {
		puts[i].ID = uuid.New().String()
		m.apply(puts[i], true)
	}
	return nil
}

// flatten turns a value at a path into one WirePut per soul. A Leaf becomes
// a single field of the parent node; a NodeMap's scalar children become the
// node's fields and nested maps recurse into child souls.
func flatten(p Path, v Value, ts int64) []WirePut {
	if v.Kind() == KindLeaf {
		if len(p) < 2 {
			return []WirePut{{Soul: "", Fields: map[string]WireLeaf{p[0]: {V: v.leaf, TS: ts}}}}
		}
		soul := Path(p[:len(p)-1]).Soul()
		return []WirePut{{Soul: soul, Fields: map[string]WireLeaf{p[len(p)-1]: {V: v.leaf, TS: ts}}}}
	}

	var out []WirePut
	fields := make(map[string]WireLeaf)
	for key, child := range v.Children() {
		if child.Kind() == KindLeaf {
			fields[key] = WireLeaf{V: child.leaf, TS: ts}
			continue
		}
		out = append(out, flatten(p.Child(key), child, ts)...)
	}
	if len(fields) > 0 {
		out = append(out, WirePut{Soul: p.Soul(), Fields: fields})
	}
	return out
}

// ApplyRemote merges a put received from a peer. Returns true when at least
// one leaf was accepted (the put should be re-broadcast to other peers).
func (m *Memory) ApplyRemote(put WirePut) bool {
	m.mu.Lock()
	if put.ID != "" && m.seen[put.ID] {
		m.mu.Unlock()
		return false
	}
	m.markSeen(put.ID)
	m.mu.Unlock()
	return m.apply(put, false)
}

// apply merges one put and fires listeners for accepted leaves. Local puts
// are also handed to the broadcast hook.
func (m *Memory) apply(put WirePut, local bool) bool {
	m.mu.Lock()
	if local {
		m.markSeen(put.ID)
	}
	node := m.nodes[put.Soul]
	if node == nil {
		node = make(map[string]leafState)
		m.nodes[put.Soul] = node
	}

	accepted := make(map[string]WireLeaf)
	for field, leaf := range put.Fields {
		old, exists := node[field]
		if exists && !newerOrDuplicate(leaf, old) {
			continue
		}
		node[field] = leafState{value: leaf.V, ts: leaf.TS}
		accepted[field] = leaf
	}

	var fire []func()
	if len(accepted) > 0 {
		snap := m.snapshotLocked(put.Soul)
		parent, last := split(put.Soul)
		for _, l := range m.listeners {
			l := l
			switch l.soul {
			case put.Soul:
				for field, leaf := range accepted {
					field, leaf := field, leaf
					fire = append(fire, func() { l.h(field, Leaf(leaf.V)) })
				}
			case parent:
				fire = append(fire, func() { l.h(last, snap) })
			}
		}
	}
	m.mu.Unlock()

	for _, f := range fire {
		f()
	}
	if local && len(accepted) > 0 && m.broadcast != nil {
		m.broadcast(WirePut{ID: put.ID, Soul: put.Soul, Fields: accepted})
	}
	return len(accepted) > 0
}

// newerOrDuplicate implements the LWW rule: higher timestamp wins, equal
// timestamps tie-break on the lexical form of the value, and exact
// duplicates are re-accepted so subscribers see at-least-once delivery.
func newerOrDuplicate(incoming WireLeaf, old leafState) bool {
	if incoming.TS != old.ts {
		return incoming.TS > old.ts
	}
	return fmt.Sprint(incoming.V) >= fmt.Sprint(old.value)
}

func (m *Memory) markSeen(id string) {
	if id == "" {
		return
	}
	if len(m.seenOrder) >= seenCap {
		evict := m.seenOrder[0]
		m.seenOrder = m.seenOrder[1:]
		delete(m.seen, evict)
	}
	m.seen[id] = true
	m.seenOrder = append(m.seenOrder, id)
}

// snapshotLocked builds the NodeMap view of a soul, skipping tombstones.
func (m *Memory) snapshotLocked(soul string) Value {
	node := m.nodes[soul]
	children := make(map[string]Value, len(node))
	for field, st := range node {
		if st.value == nil {
			continue
		}
		children[field] = Leaf(st.value)
	}
	return NodeMap(children)
}

// Once implements Store. A soul with live fields resolves to its NodeMap;
// otherwise the path is read as a field of the parent node.
func (m *Memory) Once(ctx context.Context, p Path) (Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	soul := p.Soul()
	if node := m.nodes[soul]; node != nil {
		snap := m.snapshotLocked(soul)
		if len(snap.Children()) > 0 {
			return snap, true, nil
		}
	}
	if len(p) >= 2 {
		parent := Path(p[:len(p)-1]).Soul()
		if node := m.nodes[parent]; node != nil {
			if st, ok := node[p[len(p)-1]]; ok && st.value != nil {
				return Leaf(st.value), true, nil
			}
		}
	}
	return Value{}, false, nil
}

// On implements Store.
func (m *Memory) On(p Path, h Handler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = &listener{soul: p.Soul(), h: h}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Children implements Store: live fields of the node plus one level of
// child nodes.
func (m *Memory) Children(ctx context.Context, p Path) (map[string]Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Value)
	soul := p.Soul()
	for field, st := range m.nodes[soul] {
		if st.value == nil {
			continue
		}
		out[field] = Leaf(st.value)
	}
	prefix := soul + "/"
	for s := range m.nodes {
		if !strings.HasPrefix(s, prefix) || strings.Contains(s[len(prefix):], "/") {
			continue
		}
		snap := m.snapshotLocked(s)
		if len(snap.Children()) == 0 {
			continue
		}
		out[s[len(prefix):]] = snap
	}
	return out, nil
}

// Delete implements Store: tombstones every live field of the node at path,
// or the single parent field when the path names a leaf.
func (m *Memory) Delete(ctx context.Context, p Path) error {
	m.mu.Lock()
	soul := p.Soul()
	node := m.nodes[soul]
	fields := make([]string, 0, len(node))
	for field, st := range node {
		if st.value != nil {
			fields = append(fields, field)
		}
	}
	m.mu.Unlock()

	if len(fields) == 0 {
		return m.Put(ctx, p, Tombstone())
	}
	children := make(map[string]Value, len(fields))
	for _, f := range fields {
		children[f] = Tombstone()
	}
	// Tombstones are NodeMap children here, so flatten writes them as
	// nil leaves under the same soul.
	ts := m.now()
	put := WirePut{ID: uuid.New().String(), Soul: soul, Fields: map[string]WireLeaf{}}
	for _, f := range fields {
		put.Fields[f] = WireLeaf{V: nil, TS: ts}
	}
	m.apply(put, true)
	return ctx.Err()
}

func split(soul string) (parent, last string) {
	i := strings.LastIndexByte(soul, '/')
	if i < 0 {
		return "", soul
	}
	return soul[:i], soul[i+1:]
}
