package crypto

import (
	"encoding/base64"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.SealString("sk-verysecret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := m.OpenString(raw)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-verysecret" {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestOpenOptional(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if out, err := m.OpenOptional(nil); err != nil || out != "" {
		t.Fatalf("nil field: got %q, %v", out, err)
	}
	blank := "   "
	if out, err := m.OpenOptional(&blank); err != nil || out != "" {
		t.Fatalf("blank field: got %q, %v", out, err)
	}

	sealed, err := m.SealString("gsk_abc")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := m.OpenOptional(&sealed)
	if err != nil {
		t.Fatalf("open optional: %v", err)
	}
	if out != "gsk_abc" {
		t.Fatalf("expected gsk_abc, got %q", out)
	}
}

func TestRotationDecryptOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldCipher, err := oldManager.SealString("legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewManager("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}

	plain, err := rotated.OpenString(oldCipher)
	if err != nil {
		t.Fatalf("open with old key failed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	resealed, err := rotated.ReSeal(oldCipher)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	fresh, err := rotated.OpenString(resealed)
	if err != nil {
		t.Fatalf("open resealed: %v", err)
	}
	if fresh != "legacy" {
		t.Fatalf("unexpected resealed plaintext: %q", fresh)
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
