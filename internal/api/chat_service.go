package api

import (
	"errors"
	"net/http"

	"github.com/ponzS/talkflow-core/internal/chat"
	"github.com/ponzS/talkflow-core/internal/store"
)

// ChatService handles chat and buddy endpoints.
type ChatService struct {
	db     *store.DB
	engine *chat.Engine
}

// NewChatService creates a chat service.
func NewChatService(db *store.DB, engine *chat.Engine) *ChatService {
	return &ChatService{db: db, engine: engine}
}

// Register mounts the chat and buddy routes.
func (s *ChatService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/chats", s.list)
	mux.HandleFunc("POST /v1/chats/open", s.open)
	mux.HandleFunc("POST /v1/chats/close", s.close)
	mux.HandleFunc("POST /v1/chats/delete", s.delete)
	mux.HandleFunc("GET /v1/buddies", s.listBuddies)
	mux.HandleFunc("POST /v1/buddies/add", s.addBuddy)
	mux.HandleFunc("POST /v1/buddies/remove", s.removeBuddy)
}

func (s *ChatService) list(w http.ResponseWriter, r *http.Request) {
	previews, err := s.db.ListPreviews()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": previews})
}

type buddyRequest struct {
	Pub  string `json:"pub"`
	Epub string `json:"epub,omitempty"` // friend-request epub, optional
}

func (s *ChatService) open(w http.ResponseWriter, r *http.Request) {
	var req buddyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Pub == "" {
		writeError(w, http.StatusBadRequest, errors.New("pub is required"))
		return
	}
	chatID := s.engine.OpenChat(req.Pub)
	writeJSON(w, http.StatusOK, map[string]string{"chat_id": chatID})
}

func (s *ChatService) close(w http.ResponseWriter, r *http.Request) {
	var req buddyRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.engine.CloseChat(req.Pub)
	writeJSON(w, http.StatusOK, map[string]string{"closed": req.Pub})
}

func (s *ChatService) delete(w http.ResponseWriter, r *http.Request) {
	var req buddyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.engine.DeleteChat(req.Pub); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": req.Pub})
}

func (s *ChatService) listBuddies(w http.ResponseWriter, r *http.Request) {
	buddies, err := s.db.ListBuddies()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buddies": buddies})
}

func (s *ChatService) addBuddy(w http.ResponseWriter, r *http.Request) {
	var req buddyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Pub == "" {
		writeError(w, http.StatusBadRequest, errors.New("pub is required"))
		return
	}
	if err := s.engine.AddBuddy(r.Context(), req.Pub, req.Epub); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"added": req.Pub})
}

func (s *ChatService) removeBuddy(w http.ResponseWriter, r *http.Request) {
	var req buddyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.engine.RemoveBuddy(req.Pub); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": req.Pub})
}
