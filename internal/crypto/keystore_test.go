package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func testMasterKey(t *testing.T) [32]byte {
	t.Helper()
	key, err := ParseMasterKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	return key
}

func TestParseMasterKey(t *testing.T) {
	if _, err := ParseMasterKey("nothex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := ParseMasterKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := ParseMasterKey(strings.Repeat("00", 32)); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testMasterKey(t)
	plaintext := []byte("delegated-private-key-bytes")

	sealed, err := Seal(key, "grant-1", plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed blob contains plaintext")
	}

	opened, err := Open(key, "grant-1", sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: %q", opened)
	}
}

func TestOpenWrongContextFails(t *testing.T) {
	key := testMasterKey(t)
	sealed, err := Seal(key, "grant-1", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(key, "grant-2", sealed); err == nil {
		t.Fatal("expected decrypt failure with wrong context")
	}
}

func TestOpenTamperedFails(t *testing.T) {
	key := testMasterKey(t)
	sealed, err := Seal(key, "grant-1", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := Open(key, "grant-1", sealed); err == nil {
		t.Fatal("expected decrypt failure for tampered ciphertext")
	}

	if _, err := Open(key, "grant-1", []byte("short")); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}
