package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/accordsai/openletter/services/signatures/internal/store"

	"github.com/google/uuid"
)

const publicDateLayout = "2006-01-02"

// PublicView is what anyone may see of a signature. It never carries the
// email address or the id.
type PublicView struct {
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Org       *string `json:"org"`
	Message   *string `json:"message"`
	CreatedAt string  `json:"created_at"`
}

func NewPublicView(sig store.Signature) PublicView {
	return PublicView{
		FirstName: sig.FirstName,
		LastName:  sig.LastName,
		Org:       sig.Org,
		Message:   sig.Message,
		CreatedAt: sig.CreatedAt.UTC().Format(publicDateLayout),
	}
}

// GetPublic looks a signature up by id. A malformed id is reported as not
// found.
func (m *Manager) GetPublic(ctx context.Context, id string) (PublicView, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return PublicView{}, ErrNotFound
	}
	sig, err := m.store.Get(ctx, parsed)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return PublicView{}, ErrNotFound
		}
		return PublicView{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return NewPublicView(sig), nil
}

// ListVerified returns verified signatures, newest first.
func (m *Manager) ListVerified(ctx context.Context) ([]PublicView, error) {
	sigs, err := m.store.ListVerified(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	out := make([]PublicView, 0, len(sigs))
	for _, sig := range sigs {
		if !sig.Verified {
			continue
		}
		out = append(out, NewPublicView(sig))
	}
	return out, nil
}
