package secrets

import (
	"strings"
	"testing"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	seed := "sEdTM1uX8pu2do5XvTnutH6HsouMaM2"
	sealed, err := box.Seal(seed)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == seed {
		t.Fatal("sealed value must not equal plaintext")
	}
	if strings.Contains(sealed, seed) {
		t.Fatal("sealed value must not contain plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != seed {
		t.Fatalf("round trip mismatch: got %q want %q", opened, seed)
	}
}

func TestSealProducesFreshNonces(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	a, _ := box.Seal("same seed")
	b, _ := box.Seal("same seed")
	if a == b {
		t.Fatal("two seals of the same seed must differ")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	sealed, err := box.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tampered := "A" + sealed[1:]
	if tampered == sealed {
		tampered = "B" + sealed[1:]
	}
	if _, err := box.Open(tampered); err == nil {
		t.Fatal("expected error opening tampered value")
	}
}

func TestNewBoxValidatesKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not hex", "zz"},
		{"too short", "deadbeef"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBox(tt.key); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
