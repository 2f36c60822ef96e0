package msg

import (
	"strings"

	"github.com/google/uuid"
)

// Type enumerates message payload kinds.
type Type string

const (
	TypeText          Type = "text"
	TypeVoice         Type = "voice"
	TypeFile          Type = "file"
	TypeTranscription Type = "transcription"
)

// LocalMessage is the device-local view of a message. It may hold plaintext;
// the wire form never does.
type LocalMessage struct {
	ChatID    string
	MsgID     string
	From      string
	Type      Type
	Text      string // decrypted plaintext (text/transcription)
	Audio     string // decrypted audio payload (voice), base64
	Content   string // opaque payload for file messages
	Signature string
	Hash      string
	Timestamp int64
	Duration  float64
	Status    Status // pending or sent
	IsSending bool
	Deleted   bool // soft-delete tombstone
}

// NetworkEnvelope is the ciphertext-only wire form stored in the replicated
// graph. Field names are part of the wire contract.
type NetworkEnvelope struct {
	ChatID        string  `json:"chatID"`
	From          string  `json:"from"`
	Type          Type    `json:"type"`
	TextForBuddy  string  `json:"textForBuddy,omitempty"`
	TextForMe     string  `json:"textForMe,omitempty"`
	AudioForBuddy string  `json:"audioForBuddy,omitempty"`
	AudioForMe    string  `json:"audioForMe,omitempty"`
	Content       string  `json:"content,omitempty"`
	Signature     string  `json:"signature"`
	Hash          string  `json:"hash"`
	Timestamp     int64   `json:"timestamp"`
	MsgID         string  `json:"msgId"`
	Duration      float64 `json:"duration,omitempty"`
}

// Receipt is a signed proof of delivery for one message.
type Receipt struct {
	ChatID           string `json:"chatID"`
	From             string `json:"from"`
	OriginalMsgID    string `json:"originalMsgId"`
	ReceiptTimestamp int64  `json:"receiptTimestamp"`
	Signature        string `json:"signature"`
}

// NewMsgID returns a fresh globally unique message id. It is the idempotency
// key across the local store, the delivery queue and the replicated store.
func NewMsgID() string {
	return uuid.New().String()
}

// ChatID derives the deterministic chat identifier for a pair of identity
// keys: the lexically smaller key, an underscore, the larger. Order of the
// arguments does not matter.
func ChatID(pubA, pubB string) string {
	if pubA <= pubB {
		return pubA + "_" + pubB
	}
	return pubB + "_" + pubA
}

// PairMember reports whether pub is one of the two identities encoded in
// chatID. Standard base64 never contains '_', so the separator is
// unambiguous.
func PairMember(chatID, pub string) bool {
	if pub == "" {
		return false
	}
	parts := strings.SplitN(chatID, "_", 2)
	if len(parts) != 2 {
		return false
	}
	return parts[0] == pub || parts[1] == pub
}

// Counterpart returns the other identity of the pair encoded in chatID.
// The boolean is false when pub is not a member.
func Counterpart(chatID, pub string) (string, bool) {
	parts := strings.SplitN(chatID, "_", 2)
	if len(parts) != 2 {
		return "", false
	}
	switch pub {
	case parts[0]:
		return parts[1], true
	case parts[1]:
		return parts[0], true
	}
	return "", false
}
