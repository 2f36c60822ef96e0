package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ponzS/talkflow-core/internal/api"
	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/chat"
	"github.com/ponzS/talkflow-core/internal/config"
	"github.com/ponzS/talkflow-core/internal/graph"
	"github.com/ponzS/talkflow-core/internal/keyex"
	"github.com/ponzS/talkflow-core/internal/keyring"
	"github.com/ponzS/talkflow-core/internal/lock"
	"github.com/ponzS/talkflow-core/internal/outbox"
	"github.com/ponzS/talkflow-core/internal/receipt"
	"github.com/ponzS/talkflow-core/internal/seal"
	"github.com/ponzS/talkflow-core/internal/store"
	"go.uber.org/zap"
)

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "talkflow-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	sessionDir := filepath.Join(tmpDir, "test")
	socketPath := filepath.Join(sessionDir, "d.sock")
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(sessionDir, "talkflow.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	kr, err := keyring.LoadOrCreate(filepath.Join(sessionDir, "keyring.json"))
	if err != nil {
		t.Fatal(err)
	}

	logger, _ := zap.NewDevelopment()
	b := bus.New()
	cfg := config.Default()
	g := graph.NewMemory()
	relay := graph.NewRelay(g, nil, b, logger)
	pipeline := seal.New(kr)
	ex := keyex.NewExchange(db, g, kr, pipeline, cfg.KeyExchange, b, logger)
	queue := outbox.NewQueue(db, chat.NewGraphPublisher(g, func() bool { return true }), cfg.Queue, b, logger)
	svc := receipt.NewService(db, g, kr, queue, b, logger)
	engine := chat.NewEngine(db, g, kr, pipeline, ex, queue, svc, b, logger)

	p := Params{SessionName: "test", SocketPath: socketPath, Cfg: cfg}
	srv, err := NewServer(p, logger, relay,
		api.NewSessionService("test", kr, queue, relay.Online),
		api.NewChatService(db, engine),
		api.NewMessageService(db, engine),
		api.NewEventService(b, logger))
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			t.Errorf("server error: %v", err)
		}
	}()
	defer srv.Stop(context.Background())

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	// Wait for the socket to accept connections.
	deadline := time.Now().Add(3 * time.Second)
	var resp *http.Response
	for time.Now().Before(deadline) {
		resp, err = client.Get("http://unix/v1/session")
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("session endpoint unreachable: %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		Session string `json:"session"`
		Pub     string `json:"pub"`
		Epub    string `json:"epub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Session != "test" || status.Pub != kr.Pub() || status.Epub != kr.Epub() {
		t.Errorf("session status = %+v", status)
	}

	// Adding a buddy over the API opens the chat and persists the pair.
	other, _ := keyring.Generate()
	body := strings.NewReader(`{"pub":"` + other.Pub() + `","epub":"` + other.Epub() + `"}`)
	resp2, err := client.Post("http://unix/v1/buddies/add", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("add buddy status = %d", resp2.StatusCode)
	}
	buddy, err := db.GetBuddy(other.Pub())
	if err != nil || buddy == nil || !buddy.Verified() {
		t.Errorf("buddy after add = %+v, %v", buddy, err)
	}

	// A second daemon cannot take the same session.
	if _, err := lock.Acquire(sessionDir); err == nil {
		t.Error("second lock acquisition succeeded")
	}
}
