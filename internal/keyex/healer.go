package keyex

import (
	"context"
	"sync"
	"time"

	"github.com/ponzS/talkflow-core/internal/graph"
	"go.uber.org/zap"
)

const healRound = 30 * time.Second

// Healer is the background loop that keeps retrying key verification for
// buddies lacking a confirmed epub. Buddies are served serially with an
// inter-item delay to avoid request storms, bounded by the retry cap; a
// persistent subscription per pair additionally catches asynchronous
// arrivals on the shared node.
type Healer struct {
	ex     *Exchange
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]func() // buddy pub -> shared-node unsubscribe
	kick   chan struct{}
	cancel context.CancelFunc
}

// NewHealer creates a healer for the exchange.
func NewHealer(ex *Exchange, logger *zap.Logger) *Healer {
	return &Healer{
		ex:     ex,
		logger: logger,
		subs:   make(map[string]func()),
		kick:   make(chan struct{}, 1),
	}
}

// Start launches the healing loop.
func (h *Healer) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go h.loop(ctx)
}

// Stop tears down the loop and every shared-node subscription.
func (h *Healer) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	for pub, unsub := range h.subs {
		unsub()
		delete(h.subs, pub)
	}
	h.mu.Unlock()
}

// Kick schedules an immediate healing round (buddy added, network online).
func (h *Healer) Kick() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

func (h *Healer) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-h.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-ctx.Done():
			return
		}
		h.round(ctx)
		timer.Reset(healRound)
	}
}

// round serves the unverified-buddy queue once.
func (h *Healer) round(ctx context.Context) {
	buddies, err := h.ex.db.UnverifiedBuddies()
	if err != nil {
		h.logger.Error("healer queue read failed", zap.Error(err))
		return
	}
	for _, b := range buddies {
		if ctx.Err() != nil {
			return
		}
		if b.SyncRetryCount >= h.ex.cfg.RetryCap {
			continue
		}
		h.ensureSubscribed(b.Pub)

		if _, ok := h.ex.EpubFor(ctx, b.Pub); ok {
			h.unsubscribe(b.Pub)
			continue
		}

		// Not found anywhere yet: bump the retry counter and re-offer our
		// key so the other side can reciprocate.
		if _, err := h.ex.db.BumpBuddyRetry(b.Pub); err != nil {
			h.logger.Error("healer retry bump failed", zap.String("buddy", b.Pub), zap.Error(err))
		}
		if err := h.ex.OfferEpub(ctx, b.Pub); err != nil {
			h.logger.Warn("epub offer failed", zap.String("buddy", b.Pub), zap.Error(err))
		}

		select {
		case <-time.After(h.ex.cfg.HealDelay.Duration):
		case <-ctx.Done():
			return
		}
	}
}

// ensureSubscribed attaches the persistent shared-node subscription for a
// pair, exactly once per buddy.
func (h *Healer) ensureSubscribed(buddyPub string) {
	h.mu.Lock()
	if _, ok := h.subs[buddyPub]; ok {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	me := h.ex.kr.Pub()
	unsub := h.ex.g.On(SharedPath(me, buddyPub), func(key string, v graph.Value) {
		// Only the entry addressed to us matters; anything else on the
		// node is the counterpart's business.
		if key != me {
			return
		}
		if _, ok := h.ex.consumeShared(context.Background(), buddyPub); ok {
			h.unsubscribe(buddyPub)
		}
	})

	h.mu.Lock()
	h.subs[buddyPub] = unsub
	h.mu.Unlock()
}

func (h *Healer) unsubscribe(buddyPub string) {
	h.mu.Lock()
	if unsub, ok := h.subs[buddyPub]; ok {
		unsub()
		delete(h.subs, buddyPub)
	}
	h.mu.Unlock()
}
