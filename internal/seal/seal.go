// Package seal implements the per-pair encryption pipeline: pairwise
// shared-secret derivation, payload sealing, and envelope signing and
// verification.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ponzS/talkflow-core/internal/keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// ErrCrypto is the uniform failure for the receive path: missing key,
// failed derive, bad ciphertext, signature or hash mismatch. Callers drop
// the message and never retry.
var ErrCrypto = errors.New("seal: crypto failure")

// Pipeline derives and caches pairwise secrets for one local identity.
// The cache is owned here and invalidated explicitly; nothing else holds
// derived secrets.
type Pipeline struct {
	kr *keyring.Keyring

	mu      sync.Mutex
	secrets map[string]*[32]byte // keyed by counterpart epub wire form
}

// New creates a pipeline bound to the local keyring.
func New(kr *keyring.Keyring) *Pipeline {
	return &Pipeline{kr: kr, secrets: make(map[string]*[32]byte)}
}

// secretFor returns the precomputed X25519 shared secret for a counterpart
// epub. A rotated epub has a different wire form and therefore derives a
// fresh secret; Invalidate drops any copies of the old one.
func (p *Pipeline) secretFor(epub string) (*[32]byte, error) {
	p.mu.Lock()
	if s, ok := p.secrets[epub]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	encPub, _, err := keyring.ParseEpub(epub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	var shared [32]byte
	box.Precompute(&shared, encPub, p.kr.EncPriv())

	p.mu.Lock()
	p.secrets[epub] = &shared
	p.mu.Unlock()
	return &shared, nil
}

// Invalidate drops the cached secret for one counterpart epub. Called on
// every fresh key verification so a rotation never reuses stale material.
func (p *Pipeline) Invalidate(epub string) {
	p.mu.Lock()
	delete(p.secrets, epub)
	p.mu.Unlock()
}

// InvalidateAll clears the whole secret cache.
func (p *Pipeline) InvalidateAll() {
	p.mu.Lock()
	p.secrets = make(map[string]*[32]byte)
	p.mu.Unlock()
}

// Encrypt seals plaintext under the secret derived from epub. Output is a
// base64 dotted pair: nonce "." ciphertext.
func (p *Pipeline) Encrypt(plaintext []byte, epub string) (string, error) {
	secret, err := p.secretFor(epub)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(nonce) + "." + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a sealed blob under the secret derived from epub.
func (p *Pipeline) Decrypt(blob string, epub string) ([]byte, error) {
	secret, err := p.secretFor(epub)
	if err != nil {
		return nil, err
	}
	i := strings.IndexByte(blob, '.')
	if i < 0 {
		return nil, ErrCrypto
	}
	nonce, err := base64.StdEncoding.DecodeString(blob[:i])
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrCrypto
	}
	ct, err := base64.StdEncoding.DecodeString(blob[i+1:])
	if err != nil {
		return nil, ErrCrypto
	}
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, ErrCrypto
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrCrypto
	}
	return pt, nil
}

// Hash returns the base64 SHA-256 of a plaintext.
func Hash(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// signedPayload is the canonical form covered by an envelope signature.
type signedPayload struct {
	From      string  `json:"from"`
	Hash      string  `json:"hash"`
	Timestamp int64   `json:"timestamp"`
	Duration  float64 `json:"duration,omitempty"`
}

func signedBytes(from, hash string, timestamp int64, duration float64) []byte {
	b, _ := json.Marshal(signedPayload{From: from, Hash: hash, Timestamp: timestamp, Duration: duration})
	return b
}

// SignEnvelope produces the envelope signature for the local identity.
func (p *Pipeline) SignEnvelope(hash string, timestamp int64, duration float64) string {
	return p.kr.Sign(signedBytes(p.kr.Pub(), hash, timestamp, duration))
}

// VerifyEnvelope checks an envelope signature against the claimed sender.
func VerifyEnvelope(from, hash string, timestamp int64, duration float64, signature string) bool {
	return keyring.Verify(from, signedBytes(from, hash, timestamp, duration), signature)
}
