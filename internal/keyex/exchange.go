// Package keyex discovers, verifies and self-heals buddy encryption keys
// without a trusted directory. Every ordered pair of buddies converges on
// each other's epub through a pairwise shared rendezvous node, public
// profile nodes, and the friend-request payload.
package keyex

import (
	"context"
	"strconv"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/config"
	"github.com/ponzS/talkflow-core/internal/graph"
	"github.com/ponzS/talkflow-core/internal/keyring"
	"github.com/ponzS/talkflow-core/internal/msg"
	"github.com/ponzS/talkflow-core/internal/seal"
	"github.com/ponzS/talkflow-core/internal/store"
	"go.uber.org/zap"
)

// Exchange resolves buddy epubs through the lookup chain: memory cache,
// local store, pairwise shared node, public profile node. Validation
// failures are silent "not yet verified" results, never hard errors.
type Exchange struct {
	db       *store.DB
	g        graph.Store
	kr       *keyring.Keyring
	pipeline *seal.Pipeline
	cache    *Cache
	cfg      config.KeyExchange
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// NewExchange wires the exchange.
func NewExchange(db *store.DB, g graph.Store, kr *keyring.Keyring, p *seal.Pipeline,
	cfg config.KeyExchange, b *bus.Bus, logger *zap.Logger) *Exchange {
	return &Exchange{
		db:       db,
		g:        g,
		kr:       kr,
		pipeline: p,
		cache:    NewCache(),
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		now:      time.Now,
	}
}

// SharedPath returns the pairwise rendezvous node for two identities.
func SharedPath(pubA, pubB string) graph.Path {
	return graph.P("epub_share", msg.ChatID(pubA, pubB))
}

// ProfilePath returns a user's public profile node.
func ProfilePath(pub string) graph.Path {
	return graph.P("users", pub)
}

// EpubFor resolves a buddy's verified epub, consulting each source in
// order. The boolean is false while the buddy is not yet verified.
func (e *Exchange) EpubFor(ctx context.Context, buddyPub string) (string, bool) {
	// (a) memory cache
	if epub, ok := e.cache.Get(buddyPub); ok {
		return epub, true
	}

	// (b) local store
	if b, err := e.db.GetBuddy(buddyPub); err == nil && b != nil && b.Verified() {
		e.cache.Set(buddyPub, b.Epub)
		return b.Epub, true
	}

	// (c) pairwise shared node, entry addressed to us
	if epub, ok := e.consumeShared(ctx, buddyPub); ok {
		return epub, true
	}

	// (d) the buddy's public profile node
	if v, ok, err := e.g.Once(ctx, ProfilePath(buddyPub).Child("epub")); err == nil && ok {
		if epub := v.String(); e.acceptProfileEpub(buddyPub, epub) {
			e.record(buddyPub, epub, store.EpubSourceNetwork)
			return epub, true
		}
	}

	return "", false
}

// AcceptRequestEpub validates an epub carried directly in a friend-request
// payload (source (e) of the lookup chain). Silent on failure.
func (e *Exchange) AcceptRequestEpub(buddyPub, epub string) bool {
	if !e.acceptProfileEpub(buddyPub, epub) {
		return false
	}
	e.record(buddyPub, epub, store.EpubSourceNetwork)
	return true
}

// acceptProfileEpub applies the structural and ownership checks used for
// sources without a rendezvous signature.
func (e *Exchange) acceptProfileEpub(buddyPub, epub string) bool {
	if !keyring.ValidEpub(epub) {
		return false
	}
	_, owner, err := keyring.ParseEpub(epub)
	if err != nil {
		return false
	}
	if owner != "" && owner != buddyPub {
		return false
	}
	return true
}

// consumeShared reads our entry from the pairwise shared node, runs the
// full validation, and on success performs the one-sided cleanup: only the
// entry we consumed is deleted, so the exchange self-terminates without
// coordination.
func (e *Exchange) consumeShared(ctx context.Context, buddyPub string) (string, bool) {
	entry := SharedPath(e.kr.Pub(), buddyPub).Child(e.kr.Pub())
	v, ok, err := e.g.Once(ctx, entry)
	if err != nil || !ok || v.Kind() != graph.KindNodeMap {
		return "", false
	}
	epub, ok := e.verifySharedPayload(v, buddyPub)
	if !ok {
		return "", false
	}
	e.record(buddyPub, epub, store.EpubSourceShared)
	if err := e.g.Delete(ctx, entry); err != nil {
		e.logger.Warn("shared node cleanup failed", zap.String("buddy", buddyPub), zap.Error(err))
	}
	return epub, true
}

// verifySharedPayload runs every check a rendezvous payload must pass.
// Any failure is a silent reject.
func (e *Exchange) verifySharedPayload(v graph.Value, buddyPub string) (string, bool) {
	epub := v.FieldString("epub")
	from := v.FieldString("from")
	to := v.FieldString("to")
	signature := v.FieldString("signature")
	tsField, hasTS := v.Field("timestamp")
	if epub == "" || from == "" || to == "" || signature == "" || !hasTS {
		return "", false
	}
	ts := int64(tsField.Float())
	if ts == 0 {
		return "", false
	}

	// Sender/recipient must match the expected pair.
	if from != buddyPub || to != e.kr.Pub() {
		return "", false
	}

	// Freshness window against replay, bounded future skew against bad
	// clocks.
	now := e.now().UnixMilli()
	if now-ts > e.cfg.FreshnessWindow.Duration.Milliseconds() {
		return "", false
	}
	if ts-now > e.cfg.MaxClockSkew.Duration.Milliseconds() {
		return "", false
	}

	if !keyring.ValidEpub(epub) {
		return "", false
	}

	if !keyring.Verify(from, sharedSignedBytes(epub, to, ts), signature) {
		return "", false
	}

	// Embedded owner, when present, must be the claimed sender.
	_, owner, err := keyring.ParseEpub(epub)
	if err != nil {
		return "", false
	}
	if owner != "" && owner != from {
		return "", false
	}
	return epub, true
}

func sharedSignedBytes(epub, to string, ts int64) []byte {
	return []byte(epub + to + strconv.FormatInt(ts, 10))
}

// record persists a verified epub everywhere at once: local store, memory
// cache, and the secret cache is invalidated so a rotated key never reuses
// a stale derivation.
func (e *Exchange) record(buddyPub, epub string, source store.EpubSource) {
	if old, ok := e.cache.Get(buddyPub); ok && old != epub {
		e.pipeline.Invalidate(old)
	}
	if err := e.db.UpsertBuddy(buddyPub); err != nil {
		e.logger.Error("persist buddy failed", zap.String("buddy", buddyPub), zap.Error(err))
	}
	if err := e.db.SetBuddyEpub(buddyPub, epub, source); err != nil {
		e.logger.Error("persist epub failed", zap.String("buddy", buddyPub), zap.Error(err))
	}
	e.cache.Set(buddyPub, epub)
	e.pipeline.Invalidate(epub)
	e.bus.Publish(bus.Event{
		Kind:      "buddy.epub_verified",
		Timestamp: time.Now(),
		Payload:   map[string]string{"pub": buddyPub, "source": string(source)},
	})
}

// Forget drops all key state for a buddy (unfriend).
func (e *Exchange) Forget(buddyPub string) {
	if epub, ok := e.cache.Get(buddyPub); ok {
		e.pipeline.Invalidate(epub)
	}
	e.cache.Delete(buddyPub)
}

// PublishEpub writes the local epub to the public profile node.
func (e *Exchange) PublishEpub(ctx context.Context) error {
	return e.g.Put(ctx, ProfilePath(e.kr.Pub()), graph.Object(map[string]any{
		"epub": e.kr.Epub(),
	}))
}

// OfferEpub writes a signed rendezvous entry for a buddy onto the pairwise
// shared node. The buddy consumes and deletes it on their side.
func (e *Exchange) OfferEpub(ctx context.Context, buddyPub string) error {
	ts := e.now().UnixMilli()
	epub := e.kr.Epub()
	entry := SharedPath(e.kr.Pub(), buddyPub).Child(buddyPub)
	return e.g.Put(ctx, entry, graph.Object(map[string]any{
		"epub":      epub,
		"from":      e.kr.Pub(),
		"to":        buddyPub,
		"timestamp": ts,
		"signature": e.kr.Sign(sharedSignedBytes(epub, buddyPub, ts)),
	}))
}
