package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

type signatureRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	FirstName  string `gorm:"not null"`
	LastName   string `gorm:"not null"`
	Org        *string
	Email      string `gorm:"not null;uniqueIndex:signatures_email_key"`
	Message    *string
	CreatedAt  time.Time `gorm:"not null;index:signatures_verified_created_at_idx,priority:2"`
	Verified   bool      `gorm:"not null;index:signatures_verified_created_at_idx,priority:1"`
	VerifiedAt *time.Time
}

func (signatureRow) TableName() string { return "signatures" }

func (r signatureRow) signature() (Signature, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Signature{}, fmt.Errorf("stored signature id %q: %w", r.ID, err)
	}
	sig := Signature{
		ID:        id,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Org:       r.Org,
		Email:     r.Email,
		Message:   r.Message,
		CreatedAt: r.CreatedAt.UTC(),
		Verified:  r.Verified,
	}
	if r.VerifiedAt != nil {
		v := r.VerifiedAt.UTC()
		sig.VerifiedAt = &v
	}
	return sig, nil
}

// SQLiteStore keeps signatures in an embedded SQLite database. It backs local
// development and tests.
type SQLiteStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

var memoryDBSeq atomic.Uint64

func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	var dsn string
	if strings.TrimSpace(path) == "" {
		// each store gets its own named in-memory database
		dsn = fmt.Sprintf("file:openletter-%d?mode=memory&cache=shared", memoryDBSeq.Add(1))
	} else {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, err
	}
	if err := gdb.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &SQLiteStore{db: gdb, logger: orDiscard(logger)}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&signatureRow{}); err != nil {
		return err
	}
	s.logger.Debug("applied signature schema", "component", "store", "driver", DriverSQLite)
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) FindByEmail(ctx context.Context, email string) (Signature, error) {
	return s.first(ctx, "email = ?", NormalizeEmail(email))
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (Signature, error) {
	return s.first(ctx, "id = ?", id.String())
}

func (s *SQLiteStore) Insert(ctx context.Context, sig Signature) (Signature, error) {
	row := signatureRow{
		ID:        sig.ID.String(),
		FirstName: sig.FirstName,
		LastName:  sig.LastName,
		Org:       nullable(sig.Org),
		Email:     NormalizeEmail(sig.Email),
		Message:   nullable(sig.Message),
		CreatedAt: StorageTime(sig.CreatedAt),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isSQLiteUniqueViolation(err) {
			return Signature{}, ErrDuplicateEmail
		}
		return Signature{}, err
	}
	return row.signature()
}

func (s *SQLiteStore) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (Signature, error) {
	res := s.db.WithContext(ctx).
		Model(&signatureRow{}).
		Where("id = ? AND verified = ?", id.String(), false).
		Updates(map[string]any{"verified": true, "verified_at": StorageTime(at)})
	if res.Error != nil {
		return Signature{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Signature{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id.String()).Delete(&signatureRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListVerified(ctx context.Context) ([]Signature, error) {
	var rows []signatureRow
	err := s.db.WithContext(ctx).
		Where("verified = ?", true).
		Order("created_at DESC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Signature, 0, len(rows))
	for _, r := range rows {
		sig, err := r.signature()
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&signatureRow{}).Count(&n).Error
	return int(n), err
}

func (s *SQLiteStore) first(ctx context.Context, query string, args ...any) (Signature, error) {
	var row signatureRow
	err := s.db.WithContext(ctx).Where(query, args...).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Signature{}, ErrNotFound
		}
		return Signature{}, err
	}
	return row.signature()
}

func isSQLiteUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
