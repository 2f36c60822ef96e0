package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

// Keyring holds a session's long-lived identity: an ed25519 signing pair
// (whose public half is the user's "pub") and an X25519 encryption pair
// (whose public half, in wire form, is the "epub").
type Keyring struct {
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	encPub   *[32]byte
	encPriv  *[32]byte
}

type keyfile struct {
	SignPub  string `json:"pub"`
	SignPriv string `json:"priv"`
	EncPub   string `json:"enc_pub"`
	EncPriv  string `json:"enc_priv"`
}

// LoadOrCreate reads the keyring file at path, generating and persisting a
// fresh identity if none exists yet.
func LoadOrCreate(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var kf keyfile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("parse keyring: %w", err)
		}
		return fromKeyfile(&kf)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	kr, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := kr.save(path); err != nil {
		return nil, err
	}
	return kr, nil
}

// Generate creates a fresh identity without persisting it.
func Generate() (*Keyring, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	return &Keyring{signPub: signPub, signPriv: signPriv, encPub: encPub, encPriv: encPriv}, nil
}

func fromKeyfile(kf *keyfile) (*Keyring, error) {
	signPub, err := base64.StdEncoding.DecodeString(kf.SignPub)
	if err != nil || len(signPub) != ed25519.PublicKeySize {
		return nil, errors.New("keyring: bad signing public key")
	}
	signPriv, err := base64.StdEncoding.DecodeString(kf.SignPriv)
	if err != nil || len(signPriv) != ed25519.PrivateKeySize {
		return nil, errors.New("keyring: bad signing private key")
	}
	encPub, err := decode32(kf.EncPub)
	if err != nil {
		return nil, errors.New("keyring: bad encryption public key")
	}
	encPriv, err := decode32(kf.EncPriv)
	if err != nil {
		return nil, errors.New("keyring: bad encryption private key")
	}
	return &Keyring{
		signPub:  ed25519.PublicKey(signPub),
		signPriv: ed25519.PrivateKey(signPriv),
		encPub:   encPub,
		encPriv:  encPriv,
	}, nil
}

func (k *Keyring) save(path string) error {
	kf := keyfile{
		SignPub:  base64.StdEncoding.EncodeToString(k.signPub),
		SignPriv: base64.StdEncoding.EncodeToString(k.signPriv),
		EncPub:   base64.StdEncoding.EncodeToString(k.encPub[:]),
		EncPriv:  base64.StdEncoding.EncodeToString(k.encPriv[:]),
	}
	data, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Pub returns the identity (signing) public key in wire form.
func (k *Keyring) Pub() string {
	return base64.StdEncoding.EncodeToString(k.signPub)
}

// Epub returns the encryption public key in wire form: a base64 dotted pair
// whose second component embeds the owning identity key.
func (k *Keyring) Epub() string {
	return base64.StdEncoding.EncodeToString(k.encPub[:]) + "." + base64.StdEncoding.EncodeToString(k.signPub)
}

// EncPriv exposes the X25519 private key for shared-secret derivation.
func (k *Keyring) EncPriv() *[32]byte {
	return k.encPriv
}

// EncPub exposes the X25519 public key.
func (k *Keyring) EncPub() *[32]byte {
	return k.encPub
}

// Sign returns the base64 ed25519 signature of data.
func (k *Keyring) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.signPriv, data))
}

// Verify checks a base64 signature made by the identity key pub over data.
func Verify(pub string, data []byte, sig string) bool {
	pk, err := base64.StdEncoding.DecodeString(pub)
	if err != nil || len(pk) != ed25519.PublicKeySize {
		return false
	}
	sg, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk), data, sg)
}

const (
	epubMinLen = 20
	epubMaxLen = 2000
)

// ParseEpub decodes a wire-form epub into its X25519 key and, when present,
// the embedded owner identity key. The owner component is optional: a bare
// base64 X25519 key is accepted with an empty owner.
func ParseEpub(epub string) (*[32]byte, string, error) {
	if len(epub) < epubMinLen || len(epub) > epubMaxLen {
		return nil, "", fmt.Errorf("epub length %d out of range", len(epub))
	}
	part := epub
	owner := ""
	if i := strings.IndexByte(epub, '.'); i >= 0 {
		part = epub[:i]
		rest := epub[i+1:]
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, "", errors.New("epub: bad owner component")
		}
		owner = rest
	}
	key, err := decode32(part)
	if err != nil {
		return nil, "", errors.New("epub: bad key component")
	}
	return key, owner, nil
}

// ValidEpub reports whether epub passes the structural format check.
func ValidEpub(epub string) bool {
	_, _, err := ParseEpub(epub)
	return err == nil
}

func decode32(s string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	var out [32]byte
	copy(out[:], raw)
	return &out, nil
}
