// Package sigtoken derives the capability tokens carried by signature
// confirmation and revocation links.
//
// A token is the signature id followed by a SHA-256 digest over the id, the
// selector timestamp and the email address. The selector timestamp is the
// creation time while a signature is pending and the verification time once
// it is verified, so verifying a signature rotates its token.
package sigtoken

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	IDLength     = 36
	DigestLength = sha256.Size * 2
	Length       = IDLength + DigestLength
)

var (
	ErrInvalidFormat     = errors.New("invalid token format")
	ErrMissingVerifiedAt = errors.New("verified signature has no verified_at")
)

// Derive returns the token for the given signature identity and selector
// timestamp.
func Derive(id uuid.UUID, email string, selector time.Time) string {
	idText := id.String()
	h := sha256.New()
	_, _ = h.Write([]byte(idText))
	_, _ = h.Write([]byte(strconv.FormatInt(selector.UnixNano(), 10)))
	_, _ = h.Write([]byte(email))
	return idText + hex.EncodeToString(h.Sum(nil))
}

// Selector picks the timestamp a signature's current token is bound to.
func Selector(verified bool, createdAt time.Time, verifiedAt *time.Time) (time.Time, error) {
	if !verified {
		return createdAt, nil
	}
	if verifiedAt == nil || verifiedAt.IsZero() {
		return time.Time{}, ErrMissingVerifiedAt
	}
	return *verifiedAt, nil
}

// Parse checks the shape of a presented token and returns the signature id it
// names. It never proves the token is valid; use Equal against a derived token
// for that.
func Parse(token string) (uuid.UUID, error) {
	if len(token) != Length {
		return uuid.Nil, ErrInvalidFormat
	}
	id, err := uuid.Parse(token[:IDLength])
	if err != nil || id.String() != token[:IDLength] {
		return uuid.Nil, ErrInvalidFormat
	}
	if _, err := hex.DecodeString(token[IDLength:]); err != nil {
		return uuid.Nil, ErrInvalidFormat
	}
	return id, nil
}

func Equal(expected, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
