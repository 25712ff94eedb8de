package sigtoken

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testID = uuid.MustParse("0b0f6f4e-5d0c-4b55-9a37-0f6c5e1b2a11")

func TestDeriveDeterministic(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)
	a := Derive(testID, "ada@example.com", at)
	b := Derive(testID, "ada@example.com", at)
	if a != b {
		t.Fatalf("expected deterministic token")
	}
	if len(a) != Length {
		t.Fatalf("expected %d chars, got %d", Length, len(a))
	}
	if !strings.HasPrefix(a, testID.String()) {
		t.Fatalf("expected id prefix, got %s", a)
	}
}

func TestDeriveInputSensitivity(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	base := Derive(testID, "ada@example.com", at)

	otherID := uuid.MustParse("0b0f6f4e-5d0c-4b55-9a37-0f6c5e1b2a12")
	cases := map[string]string{
		"id":       Derive(otherID, "ada@example.com", at),
		"email":    Derive(testID, "adb@example.com", at),
		"selector": Derive(testID, "ada@example.com", at.Add(time.Microsecond)),
	}
	for name, got := range cases {
		if got[IDLength:] == base[IDLength:] {
			t.Fatalf("changing %s did not change the digest", name)
		}
	}
}

func TestVerifiedSelectorRotatesToken(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	verifiedAt := created.Add(3 * time.Second)

	pendingSel, err := Selector(false, created, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	verifiedSel, err := Selector(true, created, &verifiedAt)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if Derive(testID, "ada@example.com", pendingSel) == Derive(testID, "ada@example.com", verifiedSel) {
		t.Fatalf("expected verification to rotate the token")
	}
}

func TestSelectorMissingVerifiedAt(t *testing.T) {
	_, err := Selector(true, time.Now(), nil)
	if !errors.Is(err, ErrMissingVerifiedAt) {
		t.Fatalf("expected ErrMissingVerifiedAt, got %v", err)
	}
}

func TestParse(t *testing.T) {
	tok := Derive(testID, "ada@example.com", time.Unix(1700000000, 0))
	id, err := Parse(tok)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id != testID {
		t.Fatalf("expected %s, got %s", testID, id)
	}

	bad := []string{
		"",
		tok[:Length-1],
		tok + "0",
		strings.ToUpper(tok[:IDLength]) + tok[IDLength:],
		"not-a-uuid-not-a-uuid-not-a-uuid-xyz" + tok[IDLength:],
		tok[:IDLength] + strings.Repeat("z", DigestLength),
	}
	for _, b := range bad {
		if _, err := Parse(b); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("expected ErrInvalidFormat for %q, got %v", b, err)
		}
	}
}

func TestEqual(t *testing.T) {
	tok := Derive(testID, "ada@example.com", time.Unix(1700000000, 0))
	if !Equal(tok, tok) {
		t.Fatalf("expected equal tokens to match")
	}
	flipped := tok[:Length-1] + "0"
	if tok[Length-1] == '0' {
		flipped = tok[:Length-1] + "1"
	}
	if Equal(tok, flipped) {
		t.Fatalf("expected mismatch")
	}
	if Equal(tok, tok[:Length-1]) {
		t.Fatalf("expected length mismatch to fail")
	}
}
