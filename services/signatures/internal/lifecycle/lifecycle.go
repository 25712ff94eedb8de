// Package lifecycle runs the signature state machine: a signature is created
// pending, becomes verified through its emailed token, and is deleted when
// its signer revokes it or when a required email could not be sent.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/accordsai/openletter/pkg/sigtoken"
	"github.com/accordsai/openletter/services/signatures/internal/metrics"
	"github.com/accordsai/openletter/services/signatures/internal/notify"
	"github.com/accordsai/openletter/services/signatures/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrDuplicateEmail     = errors.New("email already signed")
	ErrNotFound           = errors.New("signature not found")
	ErrInvalidTokenFormat = errors.New("invalid token format")
	ErrInvalidToken       = errors.New("invalid token")
	ErrStore              = errors.New("signature store failure")
	ErrNotificationFailed = errors.New("notification failed")
	ErrInternal           = errors.New("internal error")
)

const compensationTimeout = 10 * time.Second

type Store interface {
	FindByEmail(ctx context.Context, email string) (store.Signature, error)
	Get(ctx context.Context, id uuid.UUID) (store.Signature, error)
	Insert(ctx context.Context, sig store.Signature) (store.Signature, error)
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (store.Signature, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListVerified(ctx context.Context) ([]store.Signature, error)
}

type Notifier interface {
	Notify(ctx context.Context, kind notify.Kind, sig store.Signature, token string) error
}

type Config struct {
	Store    Store
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

type Manager struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	tracer   trace.Tracer
}

func New(cfg Config) *Manager {
	m := &Manager{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		tracer:   otel.Tracer("github.com/accordsai/openletter/lifecycle"),
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

type CreateInput struct {
	FirstName string
	LastName  string
	Org       *string
	Email     string
	Message   *string
}

// Create stores a pending signature and mails its confirmation link. The row
// is removed again when the mail cannot be sent.
func (m *Manager) Create(ctx context.Context, in CreateInput) (sig store.Signature, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Create")
	defer func() { endSpan(span, err) }()

	email := store.NormalizeEmail(in.Email)
	if _, err := m.store.FindByEmail(ctx, email); err == nil {
		m.metrics.DuplicateEmail()
		return store.Signature{}, ErrDuplicateEmail
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Signature{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	sig, err = m.store.Insert(ctx, store.Signature{
		ID:        uuid.New(),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Org:       in.Org,
		Email:     email,
		Message:   in.Message,
		CreatedAt: store.StorageTime(m.now()),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			m.metrics.DuplicateEmail()
			return store.Signature{}, ErrDuplicateEmail
		}
		return store.Signature{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	span.SetAttributes(attribute.String("signature.id", sig.ID.String()))

	token, err := m.currentToken(sig)
	if err != nil {
		m.compensate(ctx, sig, notify.KindConfirmation)
		return store.Signature{}, err
	}
	if err := m.notifier.Notify(ctx, notify.KindConfirmation, sig, token); err != nil {
		m.notificationFailed(ctx, sig, notify.KindConfirmation, err)
		return store.Signature{}, fmt.Errorf("%w: %w", ErrNotificationFailed, err)
	}
	m.metrics.Created()
	m.logger.Info("signature created",
		"component", "lifecycle",
		"signature_id", sig.ID.String(),
		"email", maskEmail(sig.Email),
	)
	return sig, nil
}

// Verify confirms a pending signature and mails the revoke link, which is
// bound to the new verification time. A token for an already verified
// signature is rejected exactly like a forged one.
func (m *Manager) Verify(ctx context.Context, token string) (sig store.Signature, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Verify")
	defer func() { endSpan(span, err) }()

	sig, err = m.authorize(ctx, token, false, "verify")
	if err != nil {
		return store.Signature{}, err
	}
	span.SetAttributes(attribute.String("signature.id", sig.ID.String()))

	verified, err := m.store.MarkVerified(ctx, sig.ID, m.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// verified or deleted by a concurrent request since the read
			m.metrics.InvalidToken("verify")
			return store.Signature{}, ErrInvalidToken
		}
		return store.Signature{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	revokeToken, err := m.currentToken(verified)
	if err != nil {
		m.compensate(ctx, verified, notify.KindSignConfirmation)
		return store.Signature{}, err
	}
	if err := m.notifier.Notify(ctx, notify.KindSignConfirmation, verified, revokeToken); err != nil {
		m.notificationFailed(ctx, verified, notify.KindSignConfirmation, err)
		return store.Signature{}, fmt.Errorf("%w: %w", ErrNotificationFailed, err)
	}
	m.metrics.Verified()
	m.logger.Info("signature verified",
		"component", "lifecycle",
		"signature_id", verified.ID.String(),
		"email", maskEmail(verified.Email),
	)
	return verified, nil
}

// Revoke deletes a verified signature. Pending signatures cannot be revoked.
func (m *Manager) Revoke(ctx context.Context, token string) (err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Revoke")
	defer func() { endSpan(span, err) }()

	sig, err := m.authorize(ctx, token, true, "revoke")
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("signature.id", sig.ID.String()))

	if err := m.store.Delete(ctx, sig.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	m.metrics.Revoked()
	m.logger.Info("signature revoked",
		"component", "lifecycle",
		"signature_id", sig.ID.String(),
		"email", maskEmail(sig.Email),
	)
	return nil
}

// authorize loads the signature a token names and checks the token against
// the signature's current state.
func (m *Manager) authorize(ctx context.Context, token string, wantVerified bool, operation string) (store.Signature, error) {
	id, err := sigtoken.Parse(token)
	if err != nil {
		m.metrics.InvalidToken(operation)
		return store.Signature{}, ErrInvalidTokenFormat
	}
	sig, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Signature{}, ErrNotFound
		}
		return store.Signature{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	expected, err := m.currentToken(sig)
	if err != nil {
		return store.Signature{}, err
	}
	if !sigtoken.Equal(expected, token) || sig.Verified != wantVerified {
		m.metrics.InvalidToken(operation)
		return store.Signature{}, ErrInvalidToken
	}
	return sig, nil
}

func (m *Manager) currentToken(sig store.Signature) (string, error) {
	selector, err := sigtoken.Selector(sig.Verified, sig.CreatedAt, sig.VerifiedAt)
	if err != nil {
		m.logger.Error("signature invariant violated",
			"component", "lifecycle",
			"signature_id", sig.ID.String(),
			"error", err,
		)
		return "", fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return sigtoken.Derive(sig.ID, sig.Email, selector), nil
}

func (m *Manager) notificationFailed(ctx context.Context, sig store.Signature, kind notify.Kind, err error) {
	m.metrics.NotificationFailed(string(kind))
	m.logger.Warn("notification failed, removing signature",
		"component", "lifecycle",
		"signature_id", sig.ID.String(),
		"email", maskEmail(sig.Email),
		"kind", string(kind),
		"error", err,
	)
	m.compensate(ctx, sig, kind)
}

// compensate deletes a signature no valid action could reach any more. It
// runs even when the caller has gone away.
func (m *Manager) compensate(ctx context.Context, sig store.Signature, kind notify.Kind) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := m.store.Delete(ctx, sig.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.metrics.Compensated(false)
		m.logger.Error("compensating delete failed",
			"component", "lifecycle",
			"signature_id", sig.ID.String(),
			"kind", string(kind),
			"error", err,
		)
		return
	}
	m.metrics.Compensated(true)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func maskEmail(email string) string {
	e := strings.TrimSpace(strings.ToLower(email))
	parts := strings.Split(e, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "***"
	}
	local := parts[0]
	domain := parts[1]
	if len(local) <= 2 {
		return local[:1] + "***@" + domain
	}
	return local[:2] + "***@" + domain
}
