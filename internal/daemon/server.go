package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/ponzS/talkflow-core/internal/api"
	"github.com/ponzS/talkflow-core/internal/graph"
	"github.com/ponzS/talkflow-core/internal/session"
	"go.uber.org/zap"
)

// Server serves the local JSON API on the session's Unix socket and,
// when a listen address is configured, the graph relay endpoint on TCP
// for remote peers.
type Server struct {
	httpSrv    *http.Server
	listener   net.Listener
	socketPath string

	relaySrv      *http.Server
	relayListener net.Listener

	logger *zap.Logger
}

// NewServer creates the API server bound to the session's Unix domain
// socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	relay *graph.Relay,
	sessionSvc *api.SessionService,
	chatSvc *api.ChatService,
	messageSvc *api.MessageService,
	eventSvc *api.EventService,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	mux := http.NewServeMux()
	sessionSvc.Register(mux)
	chatSvc.Register(mux)
	messageSvc.Register(mux)
	eventSvc.Register(mux)

	srv := &Server{
		httpSrv:    &http.Server{Handler: mux},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}

	if p.Cfg != nil && p.Cfg.ListenAddr != "" {
		relayListener, err := net.Listen("tcp", p.Cfg.ListenAddr)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen relay addr: %w", err)
		}
		relayMux := http.NewServeMux()
		relayMux.HandleFunc("GET /graph", relay.Accept)
		srv.relaySrv = &http.Server{Handler: relayMux}
		srv.relayListener = relayListener
	}

	return srv, nil
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	if s.relaySrv != nil {
		go func() {
			s.logger.Info("relay listener starting", zap.String("addr", s.relayListener.Addr().String()))
			if err := s.relaySrv.Serve(s.relayListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("relay listener error", zap.Error(err))
			}
		}()
	}
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	err := s.httpSrv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	if s.relaySrv != nil {
		_ = s.relaySrv.Shutdown(ctx)
	}
	_ = s.httpSrv.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}
