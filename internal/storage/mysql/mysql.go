// Package mysql implements broker.Storage on MySQL 8. Leases are taken with
// SELECT ... FOR UPDATE SKIP LOCKED inside a READ COMMITTED transaction, so
// concurrent consumers never lease the same delivery; ordered subscriptions
// additionally serialize on their subscription row.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"broker/internal/broker"
	"broker/internal/validator"
)

//go:embed schema.sql
var schema string

// MySQL server error numbers the store translates.
const (
	errNoReferencedRow2 = 1216
	errRowIsReferenced2 = 1217
	errDuplicateEntry   = 1062
	errLockWaitTimeout  = 1205
	errDeadlock         = 1213
	errRowIsReferenced  = 1451
	errNoReferencedRow  = 1452
)

const maxFailReasonLength = 1000

// Config holds the connection settings.
type Config struct {
	DSN             string        `env:"MYSQL_DSN" envDefault:"broker:broker@tcp(localhost:3306)/broker"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
	Migrate         bool          `env:"MYSQL_MIGRATE" envDefault:"true"`
}

// Store is a MySQL backed broker.Storage.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	newKey func() string
}

var _ broker.Storage = (*Store)(nil)

// New wraps an open database. Timestamps must be read back as UTC
// time.Time values, i.e. parseTime=true and loc=UTC.
func New(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := Store{
		db:     db,
		logger: logger.Named("mysql"),
		newKey: uuid.NewString,
	}

	if err := validator.Validate("mysql store", s.db); err != nil {
		return nil, fmt.Errorf("failed to validate mysql store deps: %w", err)
	}

	return &s, nil
}

// Open connects with cfg, forcing UTC timestamps, and optionally creates the
// schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	mcfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	mcfg.ParseTime = true
	mcfg.Loc = time.UTC

	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	s, err := New(db, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	s.logger.Info("schema applied")
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats exposes connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a READ COMMITTED transaction and translates the error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translate(fmt.Errorf("failed to begin transaction: %w", err))
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("failed to roll back transaction", zap.Error(rbErr))
		}
		return translate(err)
	}

	if err := tx.Commit(); err != nil {
		return translate(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// translate maps driver errors onto the broker error taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, broker.ErrNotFound),
		errors.Is(err, broker.ErrConflict),
		errors.Is(err, broker.ErrValidation),
		errors.Is(err, broker.ErrContention),
		errors.Is(err, broker.ErrStorageFatal):
		return err
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errDuplicateEntry, errRowIsReferenced, errRowIsReferenced2:
			return fmt.Errorf("%w: %w", broker.ErrConflict, err)
		case errNoReferencedRow, errNoReferencedRow2:
			return fmt.Errorf("%w: %w", broker.ErrNotFound, err)
		case errDeadlock, errLockWaitTimeout:
			return fmt.Errorf("%w: %w", broker.ErrContention, err)
		}
	}

	return fmt.Errorf("%w: %w", broker.ErrStorageFatal, err)
}

// lockRow selects a row FOR UPDATE and reports ErrNotFound when it is
// missing.
func lockRow(ctx context.Context, tx *sql.Tx, table string, id int64) error {
	var found int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM "+table+" WHERE id = ? FOR UPDATE", id).Scan(&found)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s %d", broker.ErrNotFound, table, id)
	default:
		return fmt.Errorf("failed to lock %s %d: %w", table, id, err)
	}
}
