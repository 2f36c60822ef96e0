package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/config"
	"github.com/ponzS/talkflow-core/internal/msg"
	"github.com/ponzS/talkflow-core/internal/store"
	"go.uber.org/zap"
)

// fakePublisher fails a configurable number of times before succeeding.
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (f *fakePublisher) Deliver(_ context.Context, entry *store.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entry.ID)
	if f.failures > 0 {
		f.failures--
		return errors.New("relay offline")
	}
	return nil
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testQueue(t *testing.T, db *store.DB, p Publisher) (*Queue, *bus.Bus) {
	t.Helper()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	cfg := config.Queue{
		Backoff:      []config.Duration{{Duration: 20 * time.Millisecond}},
		PollInterval: config.Duration{Duration: 20 * time.Millisecond},
	}
	return NewQueue(db, p, cfg, b, logger), b
}

func seedMessage(t *testing.T, db *store.DB, chatID, msgID string) {
	t.Helper()
	err := db.UpsertMessage(&msg.LocalMessage{
		ChatID:    chatID,
		MsgID:     msgID,
		From:      "me",
		Type:      msg.TypeText,
		Timestamp: time.Now().UnixMilli(),
		Status:    msg.StatusPending,
		IsSending: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEnqueueDeliversAndAcks(t *testing.T) {
	db := testDB(t)
	pub := &fakePublisher{}
	q, b := testQueue(t, db, pub)

	ch, unsub := b.Subscribe("message.status", 10)
	defer unsub()

	seedMessage(t, db, "a_b", "m1")
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Enqueue(context.Background(), "a_b", "m1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		n, _ := q.Depth()
		return n == 0
	})

	m, err := db.GetMessage("a_b", "m1")
	if err != nil || m == nil {
		t.Fatalf("message = %+v, %v", m, err)
	}
	if m.Status != msg.StatusSent || m.IsSending {
		t.Errorf("message after ack = status %q, sending %v", m.Status, m.IsSending)
	}

	select {
	case evt := <-ch:
		payload := evt.Payload.(map[string]string)
		if payload["status"] != string(msg.StatusSent) {
			t.Errorf("event status = %q", payload["status"])
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
}

func TestFailedAttemptBacksOffAndRetries(t *testing.T) {
	db := testDB(t)
	pub := &fakePublisher{failures: 2}
	q, _ := testQueue(t, db, pub)

	seedMessage(t, db, "a_b", "m1")
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Enqueue(context.Background(), "a_b", "m1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	// Two failures, then the third attempt lands.
	waitFor(t, func() bool {
		n, _ := q.Depth()
		return n == 0
	})
	if pub.callCount() < 3 {
		t.Errorf("attempts = %d, want at least 3", pub.callCount())
	}
	m, _ := db.GetMessage("a_b", "m1")
	if m.Status != msg.StatusSent {
		t.Errorf("final status = %q", m.Status)
	}
}

func TestFailedAttemptKeepsSendInFlight(t *testing.T) {
	db := testDB(t)
	pub := &fakePublisher{failures: 1 << 30}
	q, _ := testQueue(t, db, pub)

	seedMessage(t, db, "a_b", "m1")
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Enqueue(context.Background(), "a_b", "m1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	// While the entry sits on the backoff table the send still owns the
	// chat's in-flight flag, so previews stay suppressed.
	waitFor(t, func() bool { return pub.callCount() >= 2 })
	m, err := db.GetMessage("a_b", "m1")
	if err != nil || m == nil {
		t.Fatalf("message = %+v, %v", m, err)
	}
	if m.Status != msg.StatusPending {
		t.Errorf("status = %q, want pending", m.Status)
	}
	if !m.IsSending {
		t.Error("is_sending cleared while retries remain")
	}
	if sending, _ := db.HasSending("a_b"); !sending {
		t.Error("chat lost its in-flight send after a failed attempt")
	}
}

func TestQueueResumesAfterRestart(t *testing.T) {
	db := testDB(t)

	// First life: everything fails, the entry stays persisted.
	pub1 := &fakePublisher{failures: 1 << 30}
	q1, _ := testQueue(t, db, pub1)
	seedMessage(t, db, "a_b", "m1")
	q1.Start(context.Background())
	if err := q1.Enqueue(context.Background(), "a_b", "m1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return pub1.callCount() >= 1 })
	q1.Stop()

	if n, _ := db.QueueDepth(); n != 1 {
		t.Fatalf("depth after crash = %d, want 1", n)
	}

	// Second life over the same database: no re-enqueue, just Start.
	pub2 := &fakePublisher{}
	q2, _ := testQueue(t, db, pub2)
	q2.Start(context.Background())
	defer q2.Stop()

	waitFor(t, func() bool {
		n, _ := q2.Depth()
		return n == 0
	})
	if pub2.callCount() == 0 {
		t.Error("restarted queue never attempted the persisted entry")
	}
}

func TestDuplicateEnqueueKeepsRetryState(t *testing.T) {
	db := testDB(t)
	pub := &fakePublisher{failures: 1 << 30}
	q, _ := testQueue(t, db, pub)

	seedMessage(t, db, "a_b", "m1")
	if err := q.Enqueue(context.Background(), "a_b", "m1", []byte(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	// Fail once so the row carries retry state.
	q.dispatch(context.Background())
	ready, _ := db.ReadyEntries(time.Now().Add(time.Hour).UnixMilli())
	if len(ready) != 1 || ready[0].RetryCount != 1 {
		t.Fatalf("ready = %+v, want one entry with retry 1", ready)
	}

	// Re-enqueueing the same msgId must not reset the entry.
	if err := q.Enqueue(context.Background(), "a_b", "m1", []byte(`{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	ready, _ = db.ReadyEntries(time.Now().Add(time.Hour).UnixMilli())
	if len(ready) != 1 || ready[0].RetryCount != 1 || ready[0].Envelope != `{"v":1}` {
		t.Errorf("entry after duplicate enqueue = %+v", ready[0])
	}
}

func TestNetOnlineKicksDispatch(t *testing.T) {
	db := testDB(t)
	pub := &fakePublisher{failures: 1}
	cfg := config.Queue{
		Backoff:      []config.Duration{{Duration: 50 * time.Millisecond}},
		PollInterval: config.Duration{Duration: time.Hour}, // polling effectively off
	}
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	q := NewQueue(db, pub, cfg, b, logger)

	seedMessage(t, db, "a_b", "m1")
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Enqueue(context.Background(), "a_b", "m1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return pub.callCount() >= 1 })
	time.Sleep(60 * time.Millisecond) // let the backoff window pass

	// With polling parked, only the connectivity event can drive delivery.
	b.Publish(bus.Event{Kind: "net.online", Timestamp: time.Now()})

	waitFor(t, func() bool {
		n, _ := q.Depth()
		return n == 0
	})
}
