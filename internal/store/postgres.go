package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/cjeanneret/RollGo/internal/debug"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresOptions configures NewPostgres.
type PostgresOptions struct {
	DSN string
	// Migrate applies the embedded schema before use.
	Migrate bool
	// ConnectTimeout bounds the total time spent retrying the first
	// connection. Zero means one minute.
	ConnectTimeout time.Duration
	MaxConns       int32
}

// Postgres stores records in the attendance table. The primary key on
// registration_number turns a racing duplicate insert into ErrConflict.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects with exponential backoff and optionally migrates.
func NewPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	pool, err := connectWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.Migrate {
		if err := runMigrations(pool); err != nil {
			pool.Close()
			return nil, err
		}
		debug.Verbose("Store: migrations applied")
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. The store takes ownership.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func connectWithRetry(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = opts.ConnectTimeout
	if expBackoff.MaxElapsedTime <= 0 {
		expBackoff.MaxElapsedTime = time.Minute
	}

	var pool *pgxpool.Pool
	operation := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			debug.Warn("postgres not reachable, will retry: %v", err)
			return err
		}
		pool = p
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, unavailable("connect postgres", err)
	}
	return pool, nil
}

func runMigrations(pool *pgxpool.Pool) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

const (
	selectRecordSQL = `SELECT registration_number, first_name, last_name, marked_at
		FROM attendance WHERE registration_number = $1`
	insertRecordSQL = `INSERT INTO attendance (registration_number, first_name, last_name, marked_at)
		VALUES ($1, $2, $3, $4)`
)

func (p *Postgres) FindByKey(ctx context.Context, registrationNumber string) (Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, selectRecordSQL, registrationNumber).
		Scan(&rec.RegistrationNumber, &rec.FirstName, &rec.LastName, &rec.MarkedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable("find attendance", err)
	}
	return rec, nil
}

func (p *Postgres) Insert(ctx context.Context, rec Record) error {
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, insertRecordSQL,
		rec.RegistrationNumber, rec.FirstName, rec.LastName, rec.MarkedAt)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrConflict
	}
	return unavailable("insert attendance", err)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
