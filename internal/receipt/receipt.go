// Package receipt implements the signed delivery-receipt protocol. The
// receiver acknowledges each decrypted counterpart message; the original
// sender verifies the acknowledgement before purging the envelope from
// the graph, so only a provable receipt shortens an envelope's life.
package receipt

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/chat"
	"github.com/ponzS/talkflow-core/internal/graph"
	"github.com/ponzS/talkflow-core/internal/keyring"
	"github.com/ponzS/talkflow-core/internal/msg"
	"github.com/ponzS/talkflow-core/internal/outbox"
	"github.com/ponzS/talkflow-core/internal/store"
	"go.uber.org/zap"
)

// Service is both halves of the receipt protocol, satisfying
// chat.ReceiptSink.
type Service struct {
	db     *store.DB
	g      graph.Store
	kr     *keyring.Keyring
	queue  *outbox.Queue
	bus    *bus.Bus
	logger *zap.Logger
}

// NewService wires the receipt service.
func NewService(db *store.DB, g graph.Store, kr *keyring.Keyring, q *outbox.Queue,
	b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{db: db, g: g, kr: kr, queue: q, bus: b, logger: logger}
}

// signedBytes is the canonical byte string a receipt signature covers.
func signedBytes(chatID, from, originalMsgID string, ts int64) []byte {
	return []byte(chatID + from + originalMsgID + strconv.FormatInt(ts, 10))
}

// Emit acknowledges a decrypted counterpart message. Best-effort: a lost
// receipt only means the envelope lives a little longer.
func (s *Service) Emit(ctx context.Context, chatID, msgID, senderPub string) {
	ts := time.Now().UnixMilli()
	r := msg.Receipt{
		ChatID:           chatID,
		From:             s.kr.Pub(),
		OriginalMsgID:    msgID,
		ReceiptTimestamp: ts,
		Signature:        s.kr.Sign(signedBytes(chatID, s.kr.Pub(), msgID, ts)),
	}

	s.queue.SendDirect(ctx, func(ctx context.Context) error {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return err
		}
		return s.g.Put(ctx, chat.ReceiptPath(chatID, msgID), graph.Object(fields))
	})
}

// Handle processes a receipt pushed for one of our chats. The envelope is
// purged only when the signature verifies against the claimed reader AND
// the local copy of the message is self-authored; anything else is ignored.
func (s *Service) Handle(ctx context.Context, chatID, msgID string, v graph.Value) {
	if v.Kind() != graph.KindNodeMap {
		return
	}

	from := v.FieldString("from")
	originalID := v.FieldString("originalMsgId")
	signature := v.FieldString("signature")
	tsField, hasTS := v.Field("receiptTimestamp")
	if from == "" || originalID == "" || signature == "" || !hasTS {
		return
	}
	ts := int64(tsField.Float())

	// The reader must be the other member of the pair, never ourselves.
	if from == s.kr.Pub() || !msg.PairMember(chatID, from) {
		return
	}
	if !keyring.Verify(from, signedBytes(chatID, from, originalID, ts), signature) {
		s.logger.Warn("receipt signature rejected", zap.String("chat_id", chatID), zap.String("msg_id", originalID))
		return
	}

	// Only purge envelopes we authored; a receipt for someone else's
	// message is not ours to act on.
	m, err := s.db.GetMessage(chatID, originalID)
	if err != nil || m == nil || m.From != s.kr.Pub() {
		return
	}

	if err := s.g.Delete(ctx, chat.EnvelopePath(chatID, originalID)); err != nil {
		s.logger.Warn("envelope purge failed", zap.String("msg_id", originalID), zap.Error(err))
		return
	}
	if err := s.g.Delete(ctx, chat.ReceiptPath(chatID, originalID)); err != nil {
		s.logger.Debug("receipt cleanup failed", zap.String("msg_id", originalID), zap.Error(err))
	}

	s.bus.Publish(bus.Event{
		Kind:      "receipt.confirmed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID, "msg_id": originalID, "from": from},
	})
}
