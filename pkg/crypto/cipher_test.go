package crypto

import (
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal("key-material", "webhook-secret")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	plain, err := Open("key-material", sealed)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if plain != "webhook-secret" {
		t.Fatalf("expected webhook-secret, got %q", plain)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sealed, err := Seal("key-a", "value")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if _, err := Open("key-b", sealed); err == nil {
		t.Fatal("expected error when opening with a different key")
	}
}

func TestOpenRejectsShortPayload(t *testing.T) {
	if _, err := Open("key", []byte{1, 2}); !errors.Is(err, ErrCiphertextTooShort) {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}
