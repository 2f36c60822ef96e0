package api

import (
	"net/http"

	"github.com/ponzS/talkflow-core/internal/keyring"
	"github.com/ponzS/talkflow-core/internal/outbox"
)

// SessionService reports daemon identity and health.
type SessionService struct {
	sessionName string
	kr          *keyring.Keyring
	queue       *outbox.Queue
	online      func() bool
}

// NewSessionService creates a session service.
func NewSessionService(sessionName string, kr *keyring.Keyring, q *outbox.Queue, online func() bool) *SessionService {
	return &SessionService{sessionName: sessionName, kr: kr, queue: q, online: online}
}

// Register mounts the session routes.
func (s *SessionService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/session", s.status)
}

type sessionStatus struct {
	Session    string `json:"session"`
	Pub        string `json:"pub"`
	Epub       string `json:"epub"`
	Online     bool   `json:"online"`
	QueueDepth int    `json:"queue_depth"`
}

func (s *SessionService) status(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStatus{
		Session:    s.sessionName,
		Pub:        s.kr.Pub(),
		Epub:       s.kr.Epub(),
		Online:     s.online != nil && s.online(),
		QueueDepth: depth,
	})
}
