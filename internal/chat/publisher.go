package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ponzS/talkflow-core/internal/graph"
	"github.com/ponzS/talkflow-core/internal/store"
)

// ErrOffline is returned while no relay peer is connected; queued entries
// wait it out on the backoff table.
var ErrOffline = errors.New("chat: no relay peer connected")

// GraphPublisher writes queued envelopes onto the replicated graph. The
// graph put only counts as delivery while a peer connection is up; an
// offline put would sit in local state with nothing replicating it.
type GraphPublisher struct {
	g      graph.Store
	online func() bool
}

// NewGraphPublisher creates a publisher over the graph. online typically
// binds to the relay's connectivity state.
func NewGraphPublisher(g graph.Store, online func() bool) *GraphPublisher {
	return &GraphPublisher{g: g, online: online}
}

// Deliver writes one envelope to the chat's message node.
func (p *GraphPublisher) Deliver(ctx context.Context, entry *store.QueueEntry) error {
	if p.online != nil && !p.online() {
		return ErrOffline
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(entry.Envelope), &fields); err != nil {
		return fmt.Errorf("decode envelope %s: %w", entry.ID, err)
	}
	return p.g.Put(ctx, EnvelopePath(entry.ChatID, entry.ID), graph.Object(fields))
}
