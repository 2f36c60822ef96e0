package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ponzS/talkflow-core/internal/chat"
	"github.com/ponzS/talkflow-core/internal/msg"
	"github.com/ponzS/talkflow-core/internal/store"
)

// MessageService handles message endpoints.
type MessageService struct {
	db     *store.DB
	engine *chat.Engine
}

// NewMessageService creates a message service backed by the store and the
// chat engine.
func NewMessageService(db *store.DB, engine *chat.Engine) *MessageService {
	return &MessageService{db: db, engine: engine}
}

// Register mounts the message routes.
func (s *MessageService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/messages", s.list)
	mux.HandleFunc("POST /v1/messages/send", s.send)
	mux.HandleFunc("POST /v1/messages/retract", s.retract)
}

type sendRequest struct {
	Buddy    string  `json:"buddy"`
	Type     string  `json:"type"` // text (default), voice, file
	Payload  string  `json:"payload"`
	Duration float64 `json:"duration,omitempty"`
}

func (s *MessageService) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Buddy == "" || req.Payload == "" {
		writeError(w, http.StatusBadRequest, errors.New("buddy and payload are required"))
		return
	}

	var (
		m   *msg.LocalMessage
		err error
	)
	switch msg.Type(req.Type) {
	case msg.TypeVoice:
		m, err = s.engine.SendVoice(r.Context(), req.Buddy, req.Payload, req.Duration)
	case msg.TypeFile:
		m, err = s.engine.SendFile(r.Context(), req.Buddy, req.Payload)
	default:
		m, err = s.engine.SendText(r.Context(), req.Buddy, req.Payload)
	}
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, chat.ErrNoKey) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *MessageService) list(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, errors.New("chat_id is required"))
		return
	}
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := s.engine.History(chatID, before, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"has_more": limit > 0 && len(msgs) == limit,
	})
}

type retractRequest struct {
	ChatID string `json:"chat_id"`
	MsgID  string `json:"msg_id"`
}

func (s *MessageService) retract(w http.ResponseWriter, r *http.Request) {
	var req retractRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.engine.Retract(r.Context(), req.ChatID, req.MsgID); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, chat.ErrNotAuthor) {
			code = http.StatusForbidden
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"retracted": req.MsgID})
}
