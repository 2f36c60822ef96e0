package keyex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/config"
	"github.com/ponzS/talkflow-core/internal/graph"
	"github.com/ponzS/talkflow-core/internal/keyring"
	"github.com/ponzS/talkflow-core/internal/seal"
	"github.com/ponzS/talkflow-core/internal/store"
	"go.uber.org/zap"
)

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

// testExchange wires an exchange for one identity over a shared graph.
func testExchange(t *testing.T, g graph.Store) (*Exchange, *keyring.Keyring) {
	t.Helper()
	kr, err := keyring.Generate()
	if err != nil {
		t.Fatal(err)
	}
	logger, _ := zap.NewDevelopment()
	ex := NewExchange(testDB(t), g, kr, seal.New(kr), config.Default().KeyExchange, bus.New(), logger)
	return ex, kr
}

func TestRendezvousVerifyAndCleanup(t *testing.T) {
	g := graph.NewMemory()
	ctx := context.Background()

	exA, krA := testExchange(t, g)
	exB, krB := testExchange(t, g)

	_ = exA.db.UpsertBuddy(krB.Pub())
	_ = exB.db.UpsertBuddy(krA.Pub())

	// B offers its key to A on the shared node.
	if err := exB.OfferEpub(ctx, krA.Pub()); err != nil {
		t.Fatal(err)
	}

	epub, ok := exA.EpubFor(ctx, krB.Pub())
	if !ok {
		t.Fatal("EpubFor() did not verify the rendezvous entry")
	}
	if epub != krB.Epub() {
		t.Errorf("epub = %q, want B's", epub)
	}

	// Persisted with the shared source.
	b, err := exA.db.GetBuddy(krB.Pub())
	if err != nil || b == nil {
		t.Fatalf("buddy row = %+v, %v", b, err)
	}
	if b.Epub != krB.Epub() || b.EpubSource != store.EpubSourceShared {
		t.Errorf("buddy = %+v, want verified via shared", b)
	}

	// One-sided cleanup: the consumed entry is gone.
	entry := SharedPath(krA.Pub(), krB.Pub()).Child(krA.Pub())
	if _, ok, _ := g.Once(ctx, entry); ok {
		t.Error("consumed rendezvous entry still present")
	}

	// Second resolution comes from cache, no graph involved.
	epub2, ok := exA.EpubFor(ctx, krB.Pub())
	if !ok || epub2 != epub {
		t.Errorf("cached EpubFor = %q/%v", epub2, ok)
	}
}

func offerFields(kr *keyring.Keyring, to string, ts int64) map[string]any {
	epub := kr.Epub()
	return map[string]any{
		"epub":      epub,
		"from":      kr.Pub(),
		"to":        to,
		"timestamp": ts,
		"signature": kr.Sign(sharedSignedBytes(epub, to, ts)),
	}
}

func TestSharedPayloadRejection(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UnixMilli()

	mutations := map[string]func(kr *keyring.Keyring, me string, f map[string]any){
		"stale beyond freshness window": func(kr *keyring.Keyring, me string, f map[string]any) {
			ts := now - 25*int64(time.Hour/time.Millisecond)
			for k, v := range offerFields(kr, me, ts) {
				f[k] = v
			}
		},
		"too far in the future": func(kr *keyring.Keyring, me string, f map[string]any) {
			ts := now + 2*int64(time.Minute/time.Millisecond)
			for k, v := range offerFields(kr, me, ts) {
				f[k] = v
			}
		},
		"recipient mismatch": func(kr *keyring.Keyring, me string, f map[string]any) {
			other, _ := keyring.Generate()
			for k, v := range offerFields(kr, other.Pub(), now) {
				f[k] = v
			}
		},
		"bad signature": func(kr *keyring.Keyring, me string, f map[string]any) {
			for k, v := range offerFields(kr, me, now) {
				f[k] = v
			}
			f["signature"] = "QUJDREVG"
		},
		"missing timestamp": func(kr *keyring.Keyring, me string, f map[string]any) {
			for k, v := range offerFields(kr, me, now) {
				f[k] = v
			}
			delete(f, "timestamp")
		},
		"malformed epub": func(kr *keyring.Keyring, me string, f map[string]any) {
			for k, v := range offerFields(kr, me, now) {
				f[k] = v
			}
			f["epub"] = "short"
		},
		"owner mismatch": func(kr *keyring.Keyring, me string, f map[string]any) {
			// Epub embedding a different owner than the claimed sender.
			other, _ := keyring.Generate()
			epub := other.Epub()
			f["epub"] = epub
			f["from"] = kr.Pub()
			f["to"] = me
			f["timestamp"] = now
			f["signature"] = kr.Sign(sharedSignedBytes(epub, me, now))
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			g := graph.NewMemory()
			exA, krA := testExchange(t, g)
			krB, _ := keyring.Generate()
			_ = exA.db.UpsertBuddy(krB.Pub())

			fields := make(map[string]any)
			mutate(krB, krA.Pub(), fields)
			entry := SharedPath(krA.Pub(), krB.Pub()).Child(krA.Pub())
			if err := g.Put(ctx, entry, graph.Object(fields)); err != nil {
				t.Fatal(err)
			}

			if epub, ok := exA.EpubFor(ctx, krB.Pub()); ok {
				t.Errorf("invalid payload accepted, epub = %q", epub)
			}
			// The silent failure must not populate the store either.
			b, _ := exA.db.GetBuddy(krB.Pub())
			if b != nil && b.Verified() {
				t.Error("invalid payload persisted an epub")
			}
		})
	}
}

func TestProfileFallback(t *testing.T) {
	g := graph.NewMemory()
	ctx := context.Background()

	exA, _ := testExchange(t, g)
	exB, krB := testExchange(t, g)
	_ = exA.db.UpsertBuddy(krB.Pub())

	// B only published its profile; no rendezvous entry exists.
	if err := exB.PublishEpub(ctx); err != nil {
		t.Fatal(err)
	}

	epub, ok := exA.EpubFor(ctx, krB.Pub())
	if !ok || epub != krB.Epub() {
		t.Fatalf("profile lookup = %q/%v, want B's epub", epub, ok)
	}
	b, _ := exA.db.GetBuddy(krB.Pub())
	if b == nil || b.EpubSource != store.EpubSourceNetwork {
		t.Errorf("buddy = %+v, want network source", b)
	}
}

func TestProfileRejectsForeignOwner(t *testing.T) {
	g := graph.NewMemory()
	ctx := context.Background()

	exA, _ := testExchange(t, g)
	krB, _ := keyring.Generate()
	krC, _ := keyring.Generate()
	_ = exA.db.UpsertBuddy(krB.Pub())

	// B's profile claims C's key; the embedded owner gives it away.
	_ = g.Put(ctx, ProfilePath(krB.Pub()), graph.Object(map[string]any{"epub": krC.Epub()}))

	if _, ok := exA.EpubFor(ctx, krB.Pub()); ok {
		t.Error("profile epub with foreign owner accepted")
	}
}

func TestAcceptRequestEpub(t *testing.T) {
	g := graph.NewMemory()
	exA, _ := testExchange(t, g)
	krB, _ := keyring.Generate()
	_ = exA.db.UpsertBuddy(krB.Pub())

	if !exA.AcceptRequestEpub(krB.Pub(), krB.Epub()) {
		t.Fatal("valid friend-request epub rejected")
	}
	if exA.AcceptRequestEpub(krB.Pub(), "garbage") {
		t.Error("garbage friend-request epub accepted")
	}
	if epub, ok := exA.EpubFor(context.Background(), krB.Pub()); !ok || epub != krB.Epub() {
		t.Errorf("EpubFor after request = %q/%v", epub, ok)
	}
}

func TestHealerCatchesAsyncArrival(t *testing.T) {
	g := graph.NewMemory()
	ctx := context.Background()

	exA, krA := testExchange(t, g)
	exB, krB := testExchange(t, g)
	_ = exA.db.UpsertBuddy(krB.Pub())

	logger, _ := zap.NewDevelopment()
	h := NewHealer(exA, logger)
	h.Start(ctx)
	defer h.Stop()

	// Let the first round run: nothing to find yet, but the shared-node
	// subscription is attached and our key is offered.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry := SharedPath(krA.Pub(), krB.Pub()).Child(krB.Pub())
		if _, ok, _ := g.Once(ctx, entry); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// B's offer arrives asynchronously; the subscription should verify it
	// without waiting for the next round.
	if err := exB.OfferEpub(ctx, krA.Pub()); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b, _ := exA.db.GetBuddy(krB.Pub()); b != nil && b.Verified() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("healer did not verify the async rendezvous arrival")
}

func TestHealerRespectsRetryCap(t *testing.T) {
	g := graph.NewMemory()
	exA, _ := testExchange(t, g)
	krB, _ := keyring.Generate()
	_ = exA.db.UpsertBuddy(krB.Pub())

	// Exhaust the cap up front.
	for range exA.cfg.RetryCap {
		if _, err := exA.db.BumpBuddyRetry(krB.Pub()); err != nil {
			t.Fatal(err)
		}
	}

	logger, _ := zap.NewDevelopment()
	h := NewHealer(exA, logger)
	h.round(context.Background())

	b, _ := exA.db.GetBuddy(krB.Pub())
	if b.SyncRetryCount != exA.cfg.RetryCap {
		t.Errorf("retry count = %d, want capped at %d", b.SyncRetryCount, exA.cfg.RetryCap)
	}
}
