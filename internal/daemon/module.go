package daemon

import (
	"context"

	"github.com/ponzS/talkflow-core/internal/api"
	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/chat"
	"github.com/ponzS/talkflow-core/internal/config"
	"github.com/ponzS/talkflow-core/internal/graph"
	"github.com/ponzS/talkflow-core/internal/keyex"
	"github.com/ponzS/talkflow-core/internal/keyring"
	"github.com/ponzS/talkflow-core/internal/lock"
	"github.com/ponzS/talkflow-core/internal/logging"
	"github.com/ponzS/talkflow-core/internal/outbox"
	"github.com/ponzS/talkflow-core/internal/receipt"
	"github.com/ponzS/talkflow-core/internal/seal"
	"github.com/ponzS/talkflow-core/internal/session"
	"github.com/ponzS/talkflow-core/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Cfg         *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideKeyring,
			provideGraph,
			func(m *graph.Memory) graph.Store { return m },
			provideRelay,
			providePipeline,
			provideExchange,
			provideHealer,
			provideQueue,
			provideReceipts,
			provideEngine,
			provideSessionService,
			provideChatService,
			provideMessageService,
			provideEventService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideKeyring(p Params, logger *zap.Logger) (*keyring.Keyring, error) {
	kr, err := keyring.LoadOrCreate(session.KeyringPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("identity loaded", zap.String("pub", kr.Pub()))
	return kr, nil
}

func provideGraph() *graph.Memory {
	return graph.NewMemory()
}

func provideRelay(p Params, m *graph.Memory, b *bus.Bus, logger *zap.Logger) *graph.Relay {
	return graph.NewRelay(m, p.Cfg.Peers, b, logger)
}

func providePipeline(kr *keyring.Keyring) *seal.Pipeline {
	return seal.New(kr)
}

func provideExchange(p Params, db *store.DB, g graph.Store, kr *keyring.Keyring,
	pipeline *seal.Pipeline, b *bus.Bus, logger *zap.Logger) *keyex.Exchange {
	return keyex.NewExchange(db, g, kr, pipeline, p.Cfg.KeyExchange, b, logger)
}

func provideHealer(ex *keyex.Exchange, logger *zap.Logger) *keyex.Healer {
	return keyex.NewHealer(ex, logger)
}

func provideQueue(p Params, db *store.DB, g graph.Store, relay *graph.Relay,
	b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	publisher := chat.NewGraphPublisher(g, relay.Online)
	return outbox.NewQueue(db, publisher, p.Cfg.Queue, b, logger)
}

func provideReceipts(db *store.DB, g graph.Store, kr *keyring.Keyring,
	q *outbox.Queue, b *bus.Bus, logger *zap.Logger) *receipt.Service {
	return receipt.NewService(db, g, kr, q, b, logger)
}

func provideEngine(db *store.DB, g graph.Store, kr *keyring.Keyring, pipeline *seal.Pipeline,
	ex *keyex.Exchange, q *outbox.Queue, r *receipt.Service, b *bus.Bus, logger *zap.Logger) *chat.Engine {
	return chat.NewEngine(db, g, kr, pipeline, ex, q, r, b, logger)
}

func provideSessionService(p Params, kr *keyring.Keyring, q *outbox.Queue, relay *graph.Relay) *api.SessionService {
	return api.NewSessionService(p.SessionName, kr, q, relay.Online)
}

func provideChatService(db *store.DB, engine *chat.Engine) *api.ChatService {
	return api.NewChatService(db, engine)
}

func provideMessageService(db *store.DB, engine *chat.Engine) *api.MessageService {
	return api.NewMessageService(db, engine)
}

func provideEventService(b *bus.Bus, logger *zap.Logger) *api.EventService {
	return api.NewEventService(b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB,
	relay *graph.Relay, healer *keyex.Healer, queue *outbox.Queue, engine *chat.Engine,
	ex *keyex.Exchange, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := runCtx

			relay.Start(ctx)
			queue.Start(ctx)
			healer.Start(ctx)

			// New buddies go straight into the healing loop.
			ch, unsub := b.Subscribe("buddy.added", 16)
			go func() {
				defer unsub()
				for {
					select {
					case <-ch:
						healer.Kick()
					case <-ctx.Done():
						return
					}
				}
			}()

			// Re-announce our key and restore every known chat.
			if err := ex.PublishEpub(ctx); err != nil {
				logger.Warn("epub publish failed", zap.Error(err))
			}
			buddies, err := db.ListBuddies()
			if err != nil {
				return err
			}
			for _, buddy := range buddies {
				engine.OpenChat(buddy.Pub)
			}
			logger.Info("chats restored", zap.Int("count", len(buddies)))

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			engine.CloseAll()
			healer.Stop()
			queue.Stop()
			relay.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
