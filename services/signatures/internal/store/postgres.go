package store

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"time"

	"github.com/accordsai/openletter/pkg/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var postgresSchema string

const pgUniqueViolation = "23505"

const signatureColumns = `id::text,first_name,last_name,org,email,message,created_at,verified,verified_at`

type PostgresStore struct {
	DB     *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{DB: pool, logger: orDiscard(logger)}
}

func OpenPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, db.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	return NewPostgres(pool, logger), nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, postgresSchema); err != nil {
		return err
	}
	s.logger.Debug("applied signature schema", "component", "store", "driver", DriverPostgres)
	return nil
}

func (s *PostgresStore) Close() error {
	s.DB.Close()
	return nil
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (Signature, error) {
	return s.queryOne(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE email=$1`, NormalizeEmail(email))
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Signature, error) {
	return s.queryOne(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE id=$1::uuid`, id.String())
}

func (s *PostgresStore) Insert(ctx context.Context, sig Signature) (Signature, error) {
	out, err := s.queryOne(ctx, `
INSERT INTO signatures(id,first_name,last_name,org,email,message,created_at,verified,verified_at)
VALUES($1::uuid,$2,$3,$4,$5,$6,$7,false,NULL)
RETURNING `+signatureColumns,
		sig.ID.String(), sig.FirstName, sig.LastName, nullable(sig.Org), NormalizeEmail(sig.Email), nullable(sig.Message), StorageTime(sig.CreatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Signature{}, ErrDuplicateEmail
		}
		return Signature{}, err
	}
	return out, nil
}

// MarkVerified only touches a pending row, so two racing verifications
// cannot both succeed.
func (s *PostgresStore) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (Signature, error) {
	return s.queryOne(ctx, `
UPDATE signatures
SET verified=true, verified_at=$2
WHERE id=$1::uuid AND verified=false
RETURNING `+signatureColumns, id.String(), StorageTime(at))
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM signatures WHERE id=$1::uuid`, id.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListVerified(ctx context.Context) ([]Signature, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+signatureColumns+`
FROM signatures
WHERE verified=true
ORDER BY created_at DESC, id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Signature{}
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT count(*) FROM signatures`).Scan(&n)
	return n, err
}

func (s *PostgresStore) queryOne(ctx context.Context, sql string, args ...any) (Signature, error) {
	sig, err := scanSignature(s.DB.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signature{}, ErrNotFound
		}
		return Signature{}, err
	}
	return sig, nil
}

func scanSignature(row pgx.Row) (Signature, error) {
	var (
		sig Signature
		id  string
	)
	if err := row.Scan(&id, &sig.FirstName, &sig.LastName, &sig.Org, &sig.Email, &sig.Message, &sig.CreatedAt, &sig.Verified, &sig.VerifiedAt); err != nil {
		return Signature{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Signature{}, err
	}
	sig.ID = parsed
	sig.CreatedAt = sig.CreatedAt.UTC()
	if sig.VerifiedAt != nil {
		v := sig.VerifiedAt.UTC()
		sig.VerifiedAt = &v
	}
	return sig, nil
}
