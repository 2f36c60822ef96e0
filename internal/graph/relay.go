package graph

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const peerSendBuf = 256

type peerConn struct {
	conn *websocket.Conn
	send chan WirePut
}

// Relay replicates graph writes over WebSocket peers: every locally
// accepted put is broadcast, every inbound put is merged through the LWW
// rule and re-broadcast to the other peers if it was news. Write-id dedup
// in the engine keeps the gossip from echoing forever.
type Relay struct {
	store  *Memory
	peers  []string
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[*peerConn]bool
	online bool

	cancel context.CancelFunc
}

// NewRelay creates a relay for the given peer URLs.
func NewRelay(store *Memory, peers []string, b *bus.Bus, logger *zap.Logger) *Relay {
	r := &Relay{
		store:  store,
		peers:  peers,
		bus:    b,
		logger: logger,
		conns:  make(map[*peerConn]bool),
	}
	store.SetBroadcast(func(put WirePut) { r.Broadcast(put, nil) })
	return r
}

// Start dials all configured peers and keeps redialing with backoff.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, url := range r.peers {
		go r.dialLoop(ctx, url)
	}
}

// Stop tears down all peer connections.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Online reports whether at least one peer connection is up.
func (r *Relay) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

func (r *Relay) dialLoop(ctx context.Context, url string) {
	backoff := time.Second
	for {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			r.logger.Warn("peer dial failed", zap.String("peer", url), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		r.logger.Info("peer connected", zap.String("peer", url))
		r.handlePeer(ctx, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

// Accept serves an inbound peer connection; mount it on the daemon's HTTP
// surface.
func (r *Relay) Accept(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		r.logger.Warn("peer accept failed", zap.Error(err))
		return
	}
	r.handlePeer(req.Context(), conn)
}

func (r *Relay) handlePeer(ctx context.Context, conn *websocket.Conn) {
	// Envelopes carry dual-encrypted media payloads far beyond the
	// library's default read limit.
	conn.SetReadLimit(-1)

	pc := &peerConn{conn: conn, send: make(chan WirePut, peerSendBuf)}

	r.mu.Lock()
	r.conns[pc] = true
	first := !r.online
	r.online = true
	r.mu.Unlock()
	if first {
		r.bus.Publish(bus.Event{Kind: "net.online", Timestamp: time.Now()})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case put := <-pc.send:
				wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
				err := wsjson.Write(wctx, conn, put)
				wcancel()
				if err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var put WirePut
		if err := wsjson.Read(ctx, conn, &put); err != nil {
			break
		}
		if r.store.ApplyRemote(put) {
			r.Broadcast(put, pc)
		}
	}

	r.mu.Lock()
	delete(r.conns, pc)
	if len(r.conns) == 0 {
		r.online = false
	}
	offline := !r.online
	r.mu.Unlock()
	if offline {
		r.bus.Publish(bus.Event{Kind: "net.offline", Timestamp: time.Now()})
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

// Broadcast queues a put to every connected peer except the origin.
// Slow peers drop writes; they converge through later puts or reconnect.
func (r *Relay) Broadcast(put WirePut, except *peerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pc := range r.conns {
		if pc == except {
			continue
		}
		select {
		case pc.send <- put:
		default:
		}
	}
}
