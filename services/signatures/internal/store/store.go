package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("signature not found")
	ErrDuplicateEmail = errors.New("email already signed")
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Signature struct {
	ID         uuid.UUID
	FirstName  string
	LastName   string
	Org        *string
	Email      string
	Message    *string
	CreatedAt  time.Time
	Verified   bool
	VerifiedAt *time.Time
}

// Backend is a signature store plus the schema and lifecycle hooks the
// server needs.
type Backend interface {
	FindByEmail(ctx context.Context, email string) (Signature, error)
	Get(ctx context.Context, id uuid.UUID) (Signature, error)
	Insert(ctx context.Context, sig Signature) (Signature, error)
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (Signature, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListVerified(ctx context.Context) ([]Signature, error)
	Count(ctx context.Context) (int, error)
	Migrate(ctx context.Context) error
	Close() error
}

type Config struct {
	Driver string
	// DSN is a Postgres connection string, or a SQLite file path. An empty
	// SQLite DSN opens a private in-memory database.
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverPostgres, "":
		st, err := OpenPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case DriverSQLite:
		st, err := OpenSQLite(cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return logger
}

// NormalizeEmail is the form emails are stored and compared in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// StorageTime is the precision timestamps survive a round trip through
// Postgres with. Tokens are derived from stored timestamps, so anything
// finer would be lost on the way back.
func StorageTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullable(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
