package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/chat"
	"github.com/ponzS/talkflow-core/internal/config"
	"github.com/ponzS/talkflow-core/internal/graph"
	"github.com/ponzS/talkflow-core/internal/keyex"
	"github.com/ponzS/talkflow-core/internal/keyring"
	"github.com/ponzS/talkflow-core/internal/msg"
	"github.com/ponzS/talkflow-core/internal/outbox"
	"github.com/ponzS/talkflow-core/internal/seal"
	"github.com/ponzS/talkflow-core/internal/store"
	"go.uber.org/zap"
)

// testEngine assembles a minimal local identity over the given graph.
func testEngine(t *testing.T, g graph.Store) (*store.DB, *chat.Engine, *keyring.Keyring) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	kr, err := keyring.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	logger := zap.NewNop()
	pipeline := seal.New(kr)
	ex := keyex.NewExchange(db, g, kr, pipeline, config.Default().KeyExchange, b, logger)

	qcfg := config.Queue{
		Backoff:      []config.Duration{{Duration: 20 * time.Millisecond}},
		PollInterval: config.Duration{Duration: 20 * time.Millisecond},
	}
	queue := outbox.NewQueue(db, chat.NewGraphPublisher(g, func() bool { return true }), qcfg, b, logger)
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	engine := chat.NewEngine(db, g, kr, pipeline, ex, queue, nil, b, logger)
	t.Cleanup(engine.CloseAll)
	return db, engine, kr
}

// Opening a chat over the API must reconcile envelopes that arrived while
// the chat was closed, even though the request context dies as soon as
// the handler returns.
func TestOpenChatReconcilesAfterRequestEnds(t *testing.T) {
	g := graph.NewMemory()
	db, engine, kr := testEngine(t, g)

	buddy, err := keyring.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.AddBuddy(context.Background(), buddy.Pub(), buddy.Epub()); err != nil {
		t.Fatal(err)
	}
	engine.CloseChat(buddy.Pub())

	// A message lands while nobody is listening.
	chatID := msg.ChatID(kr.Pub(), buddy.Pub())
	m := &msg.LocalMessage{
		ChatID: chatID, MsgID: msg.NewMsgID(), From: buddy.Pub(),
		Type: msg.TypeText, Text: "while you were out", Timestamp: time.Now().UnixMilli(),
	}
	env, err := seal.New(buddy).Seal(m, kr.Epub())
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(env)
	var fields map[string]any
	_ = json.Unmarshal(raw, &fields)
	if err := g.Put(context.Background(), chat.EnvelopePath(chatID, m.MsgID), graph.Object(fields)); err != nil {
		t.Fatal(err)
	}

	svc := NewChatService(db, engine)
	mux := http.NewServeMux()
	svc.Register(mux)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/chats/open",
		strings.NewReader(`{"pub":"`+buddy.Pub()+`"}`)).WithContext(cancelled)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if has, _ := db.HasMessage(chatID, m.MsgID); has {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("missed envelope never reconciled after reopening over the API")
}
