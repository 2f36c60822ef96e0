package keyring

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() reload error = %v", err)
	}

	if first.Pub() != second.Pub() {
		t.Errorf("pub changed across reload: %q vs %q", first.Pub(), second.Pub())
	}
	if first.Epub() != second.Epub() {
		t.Errorf("epub changed across reload")
	}
}

func TestSignVerify(t *testing.T) {
	kr, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("payload")
	sig := kr.Sign(data)

	if !Verify(kr.Pub(), data, sig) {
		t.Error("Verify() = false for valid signature")
	}
	if Verify(kr.Pub(), []byte("tampered"), sig) {
		t.Error("Verify() = true for tampered data")
	}

	other, _ := Generate()
	if Verify(other.Pub(), data, sig) {
		t.Error("Verify() = true under wrong key")
	}
	if Verify("not-base64!", data, sig) {
		t.Error("Verify() = true for malformed pub")
	}
}

func TestParseEpub(t *testing.T) {
	kr, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	key, owner, err := ParseEpub(kr.Epub())
	if err != nil {
		t.Fatalf("ParseEpub() error = %v", err)
	}
	if *key != *kr.EncPub() {
		t.Error("parsed key differs from original")
	}
	if owner != kr.Pub() {
		t.Errorf("owner = %q, want %q", owner, kr.Pub())
	}

	// Bare single-component form is accepted without an owner.
	bare := strings.SplitN(kr.Epub(), ".", 2)[0]
	key, owner, err = ParseEpub(bare)
	if err != nil {
		t.Fatalf("ParseEpub(bare) error = %v", err)
	}
	if owner != "" {
		t.Errorf("bare owner = %q, want empty", owner)
	}
	if *key != *kr.EncPub() {
		t.Error("bare parsed key differs from original")
	}
}

func TestValidEpubRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"short",
		strings.Repeat("A", 2001),
		"!!!!not-base64-at-all-but-long-enough!!!!",
		"QUJD.QUJD", // both components too short
	}
	for _, c := range cases {
		if ValidEpub(c) {
			t.Errorf("ValidEpub(%.20q...) = true, want false", c)
		}
	}
}
