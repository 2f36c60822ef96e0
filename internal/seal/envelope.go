package seal

import (
	"github.com/ponzS/talkflow-core/internal/msg"
)

// Seal turns a plaintext local message into its ciphertext-only wire form.
// The payload is encrypted twice: once for the buddy and once for the local
// user, so sent history stays readable without the recipient's secret.
// The local message's hash and signature fields are filled in as a side
// effect so the recorded copy matches the wire.
func (p *Pipeline) Seal(m *msg.LocalMessage, buddyEpub string) (*msg.NetworkEnvelope, error) {
	env := &msg.NetworkEnvelope{
		ChatID:    m.ChatID,
		From:      m.From,
		Type:      m.Type,
		Timestamp: m.Timestamp,
		MsgID:     m.MsgID,
		Duration:  m.Duration,
	}

	var plaintext string
	switch m.Type {
	case msg.TypeVoice:
		plaintext = m.Audio
	case msg.TypeFile:
		// File payloads travel as an opaque content reference, sealed
		// like any other plaintext.
		plaintext = m.Content
	default:
		plaintext = m.Text
	}

	forBuddy, err := p.Encrypt([]byte(plaintext), buddyEpub)
	if err != nil {
		return nil, err
	}
	forMe, err := p.Encrypt([]byte(plaintext), p.kr.Epub())
	if err != nil {
		return nil, err
	}

	switch m.Type {
	case msg.TypeVoice:
		env.AudioForBuddy = forBuddy
		env.AudioForMe = forMe
	case msg.TypeFile:
		env.Content = forBuddy
		env.TextForMe = forMe
	default:
		env.TextForBuddy = forBuddy
		env.TextForMe = forMe
	}

	env.Hash = Hash([]byte(plaintext))
	env.Signature = p.SignEnvelope(env.Hash, env.Timestamp, env.Duration)
	m.Hash = env.Hash
	m.Signature = env.Signature
	return env, nil
}

// Open decrypts and authenticates an inbound envelope. selfPub selects the
// *ForMe copy for self-authored messages; counterpartEpub is the other
// party's encryption key. Any failure returns ErrCrypto and the message
// must be dropped, not retried.
func (p *Pipeline) Open(env *msg.NetworkEnvelope, selfPub, counterpartEpub string) (*msg.LocalMessage, error) {
	self := env.From == selfPub
	epub := counterpartEpub
	if self {
		epub = p.kr.Epub()
	}

	var blob string
	switch env.Type {
	case msg.TypeVoice:
		if self {
			blob = env.AudioForMe
		} else {
			blob = env.AudioForBuddy
		}
	case msg.TypeFile:
		if self {
			blob = env.TextForMe
		} else {
			blob = env.Content
		}
	default:
		if self {
			blob = env.TextForMe
		} else {
			blob = env.TextForBuddy
		}
	}
	if blob == "" {
		return nil, ErrCrypto
	}

	plaintext, err := p.Decrypt(blob, epub)
	if err != nil {
		return nil, err
	}

	// The signature covers the claimed hash; the recomputed hash must match
	// it. Together they defeat substitution of either ciphertext or hash.
	if !VerifyEnvelope(env.From, env.Hash, env.Timestamp, env.Duration, env.Signature) {
		return nil, ErrCrypto
	}
	if Hash(plaintext) != env.Hash {
		return nil, ErrCrypto
	}

	m := &msg.LocalMessage{
		ChatID:    env.ChatID,
		MsgID:     env.MsgID,
		From:      env.From,
		Type:      env.Type,
		Signature: env.Signature,
		Hash:      env.Hash,
		Timestamp: env.Timestamp,
		Duration:  env.Duration,
		Status:    msg.StatusSent,
	}
	switch env.Type {
	case msg.TypeVoice:
		m.Audio = string(plaintext)
	case msg.TypeFile:
		m.Content = string(plaintext)
	default:
		m.Text = string(plaintext)
	}
	return m, nil
}
