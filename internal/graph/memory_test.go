package graph

import (
	"context"
	"sync"
	"testing"
)

func TestPutOnceLeaf(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, P("users", "a1", "epub"), Leaf("key-material")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := m.Once(ctx, P("users", "a1", "epub"))
	if err != nil || !ok {
		t.Fatalf("Once() = ok=%v err=%v, want found", ok, err)
	}
	if v.String() != "key-material" {
		t.Errorf("leaf = %q, want key-material", v.String())
	}
}

func TestPutOnceNodeMap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	env := Object(map[string]any{
		"from":      "a1",
		"msgId":     "m-1",
		"timestamp": 1000,
	})
	if err := m.Put(ctx, P("chats", "a1_b1", "msgs", "m-1"), env); err != nil {
		t.Fatal(err)
	}

	v, ok, _ := m.Once(ctx, P("chats", "a1_b1", "msgs", "m-1"))
	if !ok {
		t.Fatal("node not found")
	}
	if v.Kind() != KindNodeMap {
		t.Fatalf("kind = %v, want NodeMap", v.Kind())
	}
	if v.FieldString("from") != "a1" {
		t.Errorf("from = %q, want a1", v.FieldString("from"))
	}
	if v.FieldFloat("timestamp") != 1000 {
		t.Errorf("timestamp = %v, want 1000", v.FieldFloat("timestamp"))
	}
}

func TestLastWriteWins(t *testing.T) {
	m := NewMemory()
	clock := int64(100)
	m.now = func() int64 { return clock }
	ctx := context.Background()

	_ = m.Put(ctx, P("users", "a1", "alias"), Leaf("old"))
	clock = 200
	_ = m.Put(ctx, P("users", "a1", "alias"), Leaf("new"))

	// A stale remote write must not clobber the newer value.
	m.ApplyRemote(WirePut{
		ID:   "w-stale",
		Soul: "users/a1",
		Fields: map[string]WireLeaf{
			"alias": {V: "stale", TS: 150},
		},
	})

	v, _, _ := m.Once(ctx, P("users", "a1", "alias"))
	if v.String() != "new" {
		t.Errorf("leaf = %q, want new (LWW)", v.String())
	}
}

func TestApplyRemoteDedup(t *testing.T) {
	m := NewMemory()
	put := WirePut{
		ID:     "w-1",
		Soul:   "users/a1",
		Fields: map[string]WireLeaf{"alias": {V: "x", TS: 100}},
	}
	if !m.ApplyRemote(put) {
		t.Fatal("first apply rejected")
	}
	if m.ApplyRemote(put) {
		t.Error("duplicate write id re-applied; should be dropped")
	}
}

func TestOnFiresForChildNodes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	got := make(map[string]Value)
	cancel := m.On(P("chats", "a1_b1", "msgs"), func(key string, v Value) {
		mu.Lock()
		got[key] = v
		mu.Unlock()
	})
	defer cancel()

	_ = m.Put(ctx, P("chats", "a1_b1", "msgs", "m-1"), Object(map[string]any{"from": "b1"}))

	mu.Lock()
	v, ok := got["m-1"]
	mu.Unlock()
	if !ok {
		t.Fatal("listener did not fire for child node write")
	}
	if v.FieldString("from") != "b1" {
		t.Errorf("pushed from = %q, want b1", v.FieldString("from"))
	}
}

func TestOnCancelStopsDelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	fired := 0
	cancel := m.On(P("x"), func(string, Value) { fired++ })
	_ = m.Put(ctx, P("x", "k"), Leaf("a"))
	cancel()
	_ = m.Put(ctx, P("x", "k2"), Leaf("b"))

	if fired != 1 {
		t.Errorf("fired = %d, want 1 (no delivery after cancel)", fired)
	}
}

func TestDeleteTombstones(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.Put(ctx, P("chats", "c", "msgs", "m-1"), Object(map[string]any{"from": "a1", "hash": "h"}))
	if err := m.Delete(ctx, P("chats", "c", "msgs", "m-1")); err != nil {
		t.Fatal(err)
	}

	_, ok, _ := m.Once(ctx, P("chats", "c", "msgs", "m-1"))
	if ok {
		t.Error("deleted node still resolves")
	}

	kids, err := m.Children(ctx, P("chats", "c", "msgs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(kids) != 0 {
		t.Errorf("Children() = %d entries after delete, want 0", len(kids))
	}
}

func TestChildrenIteratesNodes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.Put(ctx, P("chats", "c", "msgs", "m-1"), Object(map[string]any{"from": "a1"}))
	_ = m.Put(ctx, P("chats", "c", "msgs", "m-2"), Object(map[string]any{"from": "b1"}))

	kids, err := m.Children(ctx, P("chats", "c", "msgs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(kids) != 2 {
		t.Fatalf("Children() = %d entries, want 2", len(kids))
	}
	if kids["m-2"].FieldString("from") != "b1" {
		t.Errorf("m-2 from = %q, want b1", kids["m-2"].FieldString("from"))
	}
}

func TestDuplicatePutRefires(t *testing.T) {
	m := NewMemory()
	clock := int64(100)
	m.now = func() int64 { return clock }

	fired := 0
	cancel := m.On(P("chats", "c", "msgs"), func(string, Value) { fired++ })
	defer cancel()

	put := WirePut{ID: "w-a", Soul: "chats/c/msgs/m-1", Fields: map[string]WireLeaf{"from": {V: "a1", TS: 100}}}
	m.ApplyRemote(put)
	put.ID = "w-b" // same logical update, different write id
	m.ApplyRemote(put)

	if fired < 2 {
		t.Errorf("fired = %d, want at-least-once redelivery of equal update", fired)
	}
}
