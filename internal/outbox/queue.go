// Package outbox is the durable delivery queue between the encryption
// pipeline and the replicated graph. Every envelope is persisted before
// the first delivery attempt, so a crash or restart never loses a message:
// the queue resumes from disk and keeps retrying until the write is
// acknowledged, however long the node stays offline.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/config"
	"github.com/ponzS/talkflow-core/internal/msg"
	"github.com/ponzS/talkflow-core/internal/store"
	"go.uber.org/zap"
)

// Publisher performs the actual network write for one queued envelope.
type Publisher interface {
	Deliver(ctx context.Context, entry *store.QueueEntry) error
}

// directSlots caps concurrent best-effort sends that bypass the queue.
const directSlots = 4

// Queue drains the persistent delivery queue. All ready entries are
// dispatched in parallel; a failed attempt reschedules the entry on the
// backoff table and retries indefinitely.
type Queue struct {
	db        *store.DB
	publisher Publisher
	cfg       config.Queue
	bus       *bus.Bus
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	direct chan struct{}
	kick   chan struct{}
	cancel context.CancelFunc
	unsubs []func()
}

// NewQueue creates a delivery queue over the given publisher.
func NewQueue(db *store.DB, p Publisher, cfg config.Queue, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{
		db:        db,
		publisher: p,
		cfg:       cfg,
		bus:       b,
		logger:    logger,
		inFlight:  make(map[string]bool),
		direct:    make(chan struct{}, directSlots),
		kick:      make(chan struct{}, 1),
	}
}

// Start resumes the queue from disk and begins polling. Connectivity and
// foreground events trigger an immediate pass on top of the poll interval.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	for _, kind := range []string{"net.online", "app.foreground"} {
		ch, unsub := q.bus.Subscribe(kind, 4)
		q.unsubs = append(q.unsubs, unsub)
		go func() {
			for {
				select {
				case <-ch:
					q.Kick()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go q.loop(ctx)
}

// Stop halts the loop. Persisted entries survive for the next start.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	for _, unsub := range q.unsubs {
		unsub()
	}
	q.unsubs = nil
}

// Kick schedules an immediate dispatch pass.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Enqueue persists an envelope and immediately attempts delivery. A
// duplicate msgId is a no-op: the original entry keeps its retry state.
func (q *Queue) Enqueue(ctx context.Context, chatID, msgID string, envelope []byte) error {
	now := time.Now().UnixMilli()
	err := q.db.EnqueueEntry(&store.QueueEntry{
		ID:          msgID,
		ChatID:      chatID,
		Envelope:    string(envelope),
		NextRetryAt: now,
		CreatedAt:   now,
	})
	if err != nil {
		return err
	}
	q.Kick()
	return nil
}

// SendDirect runs a single best-effort network write without persisting.
// Used for traffic that may be lost (receipts), capped to a few concurrent
// slots so it never starves the durable queue.
func (q *Queue) SendDirect(ctx context.Context, send func(context.Context) error) {
	select {
	case q.direct <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-q.direct }()
		if err := send(ctx); err != nil {
			q.logger.Debug("direct send dropped", zap.Error(err))
		}
	}()
}

// Depth returns the number of undelivered entries.
func (q *Queue) Depth() (int, error) {
	return q.db.QueueDepth()
}

func (q *Queue) loop(ctx context.Context) {
	// First pass immediately: entries persisted before a restart must not
	// wait for the ticker.
	q.dispatch(ctx)

	ticker := time.NewTicker(q.cfg.PollInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-q.kick:
		case <-ctx.Done():
			return
		}
		q.dispatch(ctx)
	}
}

// dispatch sends every ready entry in parallel. One slow pair never blocks
// delivery to the others.
func (q *Queue) dispatch(ctx context.Context) {
	ready, err := q.db.ReadyEntries(time.Now().UnixMilli())
	if err != nil {
		q.logger.Error("queue read failed", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for i := range ready {
		entry := ready[i]
		if !q.claim(entry.ID) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer q.release(entry.ID)
			q.attempt(ctx, &entry)
		}()
	}
	wg.Wait()
}

// claim marks an entry in flight so overlapping passes never double-send.
func (q *Queue) claim(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight[id] {
		return false
	}
	q.inFlight[id] = true
	return true
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
}

func (q *Queue) attempt(ctx context.Context, entry *store.QueueEntry) {
	err := q.publisher.Deliver(ctx, entry)
	if err != nil {
		retry := entry.RetryCount + 1
		next := time.Now().Add(q.cfg.BackoffAt(entry.RetryCount)).UnixMilli()
		if dberr := q.db.RecordAttempt(entry.ID, retry, next, err.Error()); dberr != nil {
			q.logger.Error("record attempt failed", zap.String("msg_id", entry.ID), zap.Error(dberr))
		}
		// Back to pending, but the send is still in flight: is_sending
		// holds until an ack or a retraction.
		if dberr := q.db.SetMessageStatus(entry.ChatID, entry.ID, msg.StatusPending, true); dberr != nil {
			q.logger.Error("status update failed", zap.String("msg_id", entry.ID), zap.Error(dberr))
		}
		q.bus.Publish(bus.Event{
			Kind:      "message.status",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"chat_id": entry.ChatID,
				"msg_id":  entry.ID,
				"status":  string(msg.StatusPending),
			},
		})
		q.logger.Debug("delivery attempt failed",
			zap.String("msg_id", entry.ID),
			zap.Int("retry", retry),
			zap.Error(err))
		return
	}

	// Acknowledged: the entry's work is done.
	if err := q.db.DeleteEntry(entry.ID); err != nil {
		q.logger.Error("queue ack failed", zap.String("msg_id", entry.ID), zap.Error(err))
	}
	if err := q.db.SetMessageStatus(entry.ChatID, entry.ID, msg.StatusSent, false); err != nil {
		q.logger.Error("status update failed", zap.String("msg_id", entry.ID), zap.Error(err))
	}

	q.logger.Info("message delivered", zap.String("chat_id", entry.ChatID), zap.String("msg_id", entry.ID))
	q.bus.Publish(bus.Event{
		Kind:      "message.status",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"chat_id": entry.ChatID,
			"msg_id":  entry.ID,
			"status":  string(msg.StatusSent),
		},
	})
}
