// Package chat owns the per-chat graph subscriptions and the two data
// paths that meet there: outbound (build, encrypt, persist, enqueue) and
// inbound (decrypt, dedup, persist, receipt). Ingestion is idempotent, so
// the at-least-once graph delivery and parallel queue retries are safe.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/graph"
	"github.com/ponzS/talkflow-core/internal/keyex"
	"github.com/ponzS/talkflow-core/internal/keyring"
	"github.com/ponzS/talkflow-core/internal/msg"
	"github.com/ponzS/talkflow-core/internal/outbox"
	"github.com/ponzS/talkflow-core/internal/seal"
	"github.com/ponzS/talkflow-core/internal/store"
	"go.uber.org/zap"
)

// ErrNoKey is returned when a send is attempted before the buddy's epub
// has been verified.
var ErrNoKey = errors.New("chat: buddy key not verified yet")

// ErrNotAuthor is returned when retracting a message the local user did
// not write.
var ErrNotAuthor = errors.New("chat: not the author of this message")

// ReceiptSink is the receipt protocol as seen from the chat engine:
// Emit acknowledges a counterpart message, Handle processes a pushed
// receipt for one of our own.
type ReceiptSink interface {
	Emit(ctx context.Context, chatID, msgID, senderPub string)
	Handle(ctx context.Context, chatID, msgID string, v graph.Value)
}

const previewMax = 100

// Engine manages active chats. Listener setup and teardown always pair:
// every subscription registered on open is cancelled on close, remove or
// shutdown, never leaked.
type Engine struct {
	db       *store.DB
	g        graph.Store
	kr       *keyring.Keyring
	pipeline *seal.Pipeline
	ex       *keyex.Exchange
	queue    *outbox.Queue
	receipts ReceiptSink
	bus      *bus.Bus
	logger   *zap.Logger

	mu        sync.Mutex
	listeners map[string][]func() // chatID -> cancel funcs
	history   map[string][]msg.LocalMessage
}

// NewEngine wires the chat engine.
func NewEngine(db *store.DB, g graph.Store, kr *keyring.Keyring, p *seal.Pipeline,
	ex *keyex.Exchange, q *outbox.Queue, r ReceiptSink, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:        db,
		g:         g,
		kr:        kr,
		pipeline:  p,
		ex:        ex,
		queue:     q,
		receipts:  r,
		bus:       b,
		logger:    logger,
		listeners: make(map[string][]func()),
		history:   make(map[string][]msg.LocalMessage),
	}
}

// OpenChat subscribes to a buddy's chat and returns its id. Opening an
// already open chat is a no-op.
func (e *Engine) OpenChat(buddyPub string) string {
	chatID := msg.ChatID(e.kr.Pub(), buddyPub)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[chatID]; ok {
		return chatID
	}

	cancelMsgs := e.g.On(MsgsPath(chatID), func(key string, v graph.Value) {
		e.ingest(context.Background(), chatID, key, v)
	})
	cancelReceipts := e.g.On(ReceiptsPath(chatID), func(key string, v graph.Value) {
		if e.receipts != nil {
			e.receipts.Handle(context.Background(), chatID, key, v)
		}
	})
	e.listeners[chatID] = []func(){cancelMsgs, cancelReceipts}

	e.bus.Publish(bus.Event{
		Kind:      "chat.opened",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID, "buddy": buddyPub},
	})

	// Reconcile what arrived before we were listening. Ingestion dedup
	// makes the overlap with the live subscription harmless. The sweep
	// belongs to the listener's lifetime, not the caller's: an API
	// request context ends as soon as the handler returns.
	go e.reconcile(context.Background(), chatID)
	return chatID
}

// reconcile sweeps the existing envelope children of a chat once.
func (e *Engine) reconcile(ctx context.Context, chatID string) {
	children, err := e.g.Children(ctx, MsgsPath(chatID))
	if err != nil {
		e.logger.Warn("reconcile sweep failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	for msgID, v := range children {
		e.ingest(ctx, chatID, msgID, v)
	}
}

// CloseChat tears down a buddy's chat subscriptions.
func (e *Engine) CloseChat(buddyPub string) {
	chatID := msg.ChatID(e.kr.Pub(), buddyPub)
	e.mu.Lock()
	cancels := e.listeners[chatID]
	delete(e.listeners, chatID)
	delete(e.history, chatID)
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if cancels != nil {
		e.bus.Publish(bus.Event{
			Kind:      "chat.closed",
			Timestamp: time.Now(),
			Payload:   map[string]string{"chat_id": chatID, "buddy": buddyPub},
		})
	}
}

// CloseAll tears down every active chat (logout, daemon stop).
func (e *Engine) CloseAll() {
	e.mu.Lock()
	all := e.listeners
	e.listeners = make(map[string][]func())
	e.history = make(map[string][]msg.LocalMessage)
	e.mu.Unlock()

	for _, cancels := range all {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// AddBuddy registers a buddy and starts key verification. requestEpub, when
// non-empty, is the epub carried by the friend-request payload and may
// verify the pair immediately.
func (e *Engine) AddBuddy(ctx context.Context, buddyPub, requestEpub string) error {
	if err := e.db.UpsertBuddy(buddyPub); err != nil {
		return fmt.Errorf("add buddy: %w", err)
	}
	if requestEpub != "" {
		e.ex.AcceptRequestEpub(buddyPub, requestEpub)
	}
	if err := e.ex.OfferEpub(ctx, buddyPub); err != nil {
		e.logger.Warn("epub offer failed", zap.String("buddy", buddyPub), zap.Error(err))
	}
	e.OpenChat(buddyPub)
	e.bus.Publish(bus.Event{
		Kind:      "buddy.added",
		Timestamp: time.Now(),
		Payload:   map[string]string{"pub": buddyPub},
	})
	return nil
}

// RemoveBuddy drops a buddy and all chat/key state tied to them.
func (e *Engine) RemoveBuddy(buddyPub string) error {
	e.CloseChat(buddyPub)
	e.ex.Forget(buddyPub)
	if err := e.db.RemoveBuddy(buddyPub); err != nil {
		return fmt.Errorf("remove buddy: %w", err)
	}
	if err := e.db.DeletePreview(buddyPub); err != nil {
		e.logger.Warn("preview cleanup failed", zap.String("buddy", buddyPub), zap.Error(err))
	}
	e.bus.Publish(bus.Event{
		Kind:      "buddy.removed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"pub": buddyPub},
	})
	return nil
}

// SendText sends a text message to a buddy.
func (e *Engine) SendText(ctx context.Context, buddyPub, text string) (*msg.LocalMessage, error) {
	return e.send(ctx, buddyPub, msg.TypeText, text, 0)
}

// SendVoice sends a voice message; audio is the base64 payload and duration
// its length in seconds.
func (e *Engine) SendVoice(ctx context.Context, buddyPub, audio string, duration float64) (*msg.LocalMessage, error) {
	return e.send(ctx, buddyPub, msg.TypeVoice, audio, duration)
}

// SendFile sends an opaque file payload.
func (e *Engine) SendFile(ctx context.Context, buddyPub, content string) (*msg.LocalMessage, error) {
	return e.send(ctx, buddyPub, msg.TypeFile, content, 0)
}

// send walks the outbound lifecycle: created, encrypting, queued. Delivery
// from queued onward belongs to the outbox.
func (e *Engine) send(ctx context.Context, buddyPub string, mtype msg.Type, payload string, duration float64) (*msg.LocalMessage, error) {
	state := msg.Created

	m := &msg.LocalMessage{
		ChatID:    msg.ChatID(e.kr.Pub(), buddyPub),
		MsgID:     msg.NewMsgID(),
		From:      e.kr.Pub(),
		Type:      mtype,
		Timestamp: time.Now().UnixMilli(),
		Duration:  duration,
		Status:    msg.StatusPending,
		IsSending: true,
	}
	switch mtype {
	case msg.TypeVoice:
		m.Audio = payload
	case msg.TypeFile:
		m.Content = payload
	default:
		m.Text = payload
	}

	state, err := msg.Transition(state, msg.Encrypting)
	if err != nil {
		return nil, err
	}
	epub, ok := e.ex.EpubFor(ctx, buddyPub)
	if !ok {
		return nil, ErrNoKey
	}
	env, err := e.pipeline.Seal(m, epub)
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", m.MsgID, err)
	}

	if _, err := msg.Transition(state, msg.Queued); err != nil {
		return nil, err
	}
	if err := e.db.UpsertMessage(m); err != nil {
		return nil, fmt.Errorf("persist %s: %w", m.MsgID, err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", m.MsgID, err)
	}
	if err := e.queue.Enqueue(ctx, m.ChatID, m.MsgID, raw); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", m.MsgID, err)
	}

	if err := e.db.UpsertPreview(&store.ChatPreview{
		Pub:      buddyPub,
		LastMsg:  previewText(m),
		LastTime: m.Timestamp,
	}); err != nil {
		e.logger.Warn("preview update failed", zap.String("chat_id", m.ChatID), zap.Error(err))
	}

	e.appendHistory(m)
	e.bus.Publish(bus.Event{
		Kind:      "message.stored",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": m.ChatID, "msg_id": m.MsgID},
	})
	return m, nil
}

// Retract tombstones one of our own messages locally and best-effort
// removes its envelope from the graph. The local tombstone keeps the id
// burned so reconciliation cannot resurrect the message.
func (e *Engine) Retract(ctx context.Context, chatID, msgID string) error {
	m, err := e.db.GetMessage(chatID, msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("retract %s: message not found", msgID)
	}
	if m.From != e.kr.Pub() {
		return ErrNotAuthor
	}
	if err := e.db.TombstoneMessage(chatID, msgID); err != nil {
		return err
	}
	if err := e.g.Delete(ctx, EnvelopePath(chatID, msgID)); err != nil {
		e.logger.Warn("remote retraction failed", zap.String("msg_id", msgID), zap.Error(err))
	}
	e.bus.Publish(bus.Event{
		Kind:      "message.retracted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID, "msg_id": msgID},
	})
	return nil
}

// DeleteChat hides a chat locally: everything at or before the cutoff is
// ignored on future reconciliation. The buddy's copy is untouched.
func (e *Engine) DeleteChat(buddyPub string) error {
	chatID := msg.ChatID(e.kr.Pub(), buddyPub)
	if err := e.db.SetCutoff(chatID, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := e.db.DeletePreview(buddyPub); err != nil {
		e.logger.Warn("preview cleanup failed", zap.String("buddy", buddyPub), zap.Error(err))
	}
	e.bus.Publish(bus.Event{
		Kind:      "chat.deleted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID},
	})
	return nil
}

// History pages stored messages for a chat, newest window first.
func (e *Engine) History(chatID string, beforeTs int64, limit int) ([]msg.LocalMessage, error) {
	return e.db.ListMessages(chatID, beforeTs, limit)
}

// Recent returns the in-memory history accumulated since the chat was
// opened.
func (e *Engine) Recent(chatID string) []msg.LocalMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]msg.LocalMessage, len(e.history[chatID]))
	copy(out, e.history[chatID])
	return out
}

// ingest processes one pushed envelope child. Every skip is silent: the
// graph redelivers freely and invalid traffic is not an error condition.
func (e *Engine) ingest(ctx context.Context, chatID, msgID string, v graph.Value) {
	if v.Kind() != graph.KindNodeMap {
		return
	}
	// A reconcile sweep can outlive CloseChat; a closed chat must not
	// gain messages or emit receipts.
	e.mu.Lock()
	_, open := e.listeners[chatID]
	e.mu.Unlock()
	if !open {
		return
	}
	if has, err := e.db.HasMessage(chatID, msgID); err != nil || has {
		return
	}

	env := decodeEnvelope(v, msgID)
	if env.From == "" || !msg.PairMember(chatID, env.From) {
		return
	}
	if env.ChatID != "" && env.ChatID != chatID {
		return
	}
	if cutoff, err := e.db.GetCutoff(chatID); err == nil && env.Timestamp <= cutoff {
		return
	}

	buddy, ok := msg.Counterpart(chatID, e.kr.Pub())
	if !ok {
		return
	}
	epub, ok := e.ex.EpubFor(ctx, buddy)
	if !ok {
		// Not verified yet; the envelope stays in the graph and a later
		// refire will pick it up.
		return
	}

	lm, err := e.pipeline.Open(env, e.kr.Pub(), epub)
	if err != nil {
		e.logger.Debug("envelope rejected", zap.String("msg_id", msgID), zap.Error(err))
		return
	}
	lm.ChatID = chatID
	lm.MsgID = msgID

	if err := e.db.UpsertMessage(lm); err != nil {
		e.logger.Error("ingest persist failed", zap.String("msg_id", msgID), zap.Error(err))
		return
	}
	e.appendHistory(lm)

	// A send in flight owns the preview line until it resolves.
	if sending, err := e.db.HasSending(chatID); err == nil && !sending {
		if err := e.db.UpsertPreview(&store.ChatPreview{
			Pub:      buddy,
			LastMsg:  previewText(lm),
			LastTime: lm.Timestamp,
			HasNew:   lm.From == buddy,
		}); err != nil {
			e.logger.Warn("preview update failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      "chat.message",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID, "msg_id": msgID, "from": lm.From},
	})

	if lm.From == buddy && e.receipts != nil {
		e.receipts.Emit(ctx, chatID, msgID, buddy)
	}
}

func (e *Engine) appendHistory(m *msg.LocalMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, open := e.listeners[m.ChatID]; !open {
		return
	}
	e.history[m.ChatID] = append(e.history[m.ChatID], *m)
}

// decodeEnvelope maps a graph node snapshot back onto the wire envelope.
func decodeEnvelope(v graph.Value, msgID string) *msg.NetworkEnvelope {
	env := &msg.NetworkEnvelope{
		ChatID:        v.FieldString("chatID"),
		From:          v.FieldString("from"),
		Type:          msg.Type(v.FieldString("type")),
		TextForBuddy:  v.FieldString("textForBuddy"),
		TextForMe:     v.FieldString("textForMe"),
		AudioForBuddy: v.FieldString("audioForBuddy"),
		AudioForMe:    v.FieldString("audioForMe"),
		Content:       v.FieldString("content"),
		Signature:     v.FieldString("signature"),
		Hash:          v.FieldString("hash"),
		MsgID:         v.FieldString("msgId"),
	}
	if env.MsgID == "" {
		env.MsgID = msgID
	}
	if ts, ok := v.Field("timestamp"); ok {
		env.Timestamp = int64(ts.Float())
	}
	if d, ok := v.Field("duration"); ok {
		env.Duration = d.Float()
	}
	return env
}

func previewText(m *msg.LocalMessage) string {
	switch m.Type {
	case msg.TypeVoice:
		return "[voice]"
	case msg.TypeFile:
		return "[file]"
	default:
		if len(m.Text) <= previewMax {
			return m.Text
		}
		return m.Text[:previewMax]
	}
}
