package datalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"geoepic/migrations"
)

// PostgresLogger is the durable DataLogger backend: one physical table per
// callback name, row contents stored as JSONB with an optional unique
// site_id column for the SiteID-keyed upsert semantics. Contention
// (serialization failures under concurrent writers) is retried with
// exponential backoff and jitter up to a small bound.
type PostgresLogger struct {
	pool       *pgxpool.Pool
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// PostgresConfig configures the retry policy; connection/pool setup is the
// caller's responsibility via OpenPostgresLogger.
type PostgresConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func OpenPostgresLogger(ctx context.Context, dsn string, maxConns int32, autoMigrate bool, cfg PostgresConfig) (*PostgresLogger, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("datalog: parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("datalog: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("datalog: ping: %w", err)
	}

	if autoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}

	return &PostgresLogger{
		pool:       pool,
		maxRetries: uint64(cfg.MaxRetries),
		baseDelay:  cfg.InitialBackoff,
		maxDelay:   cfg.MaxBackoff,
	}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("datalog: set dialect: %w", err)
	}
	goose.SetBaseFS(migrations.FS)
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("datalog: run migrations: %w", err)
	}
	return nil
}

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func tableIdent(name string) (string, error) {
	ident := "geoepic_log_" + name
	if !validTableName.MatchString(ident) {
		return "", fmt.Errorf("datalog: invalid table name %q", name)
	}
	return ident, nil
}

func (p *PostgresLogger) withBackoff(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(p.maxRetries, retry.NewExponential(p.baseDelay))
	b = retry.WithCappedDuration(p.maxDelay, b)
	b = retry.WithJitter(p.baseDelay/2, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return true
		}
	}
	return false
}

func (p *PostgresLogger) ensureTable(ctx context.Context, ident string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			id      BIGSERIAL PRIMARY KEY,
			site_id TEXT,
			data    JSONB NOT NULL
		)`, ident))
	if err != nil {
		return fmt.Errorf("datalog: ensure table %s: %w", ident, err)
	}
	_, err = p.pool.Exec(ctx, fmt.Sprintf(
		`CREATE UNIQUE INDEX IF NOT EXISTS %q ON %q (site_id) WHERE site_id IS NOT NULL`,
		ident+"_site_id_idx", ident))
	if err != nil {
		return fmt.Errorf("datalog: ensure site_id index on %s: %w", ident, err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO geoepic_datalog_tables (name) VALUES ($1) ON CONFLICT DO NOTHING`, ident)
	if err != nil {
		return fmt.Errorf("datalog: register table %s: %w", ident, err)
	}
	return nil
}

func (p *PostgresLogger) Log(ctx context.Context, name string, row Row) error {
	ident, err := tableIdent(name)
	if err != nil {
		return err
	}
	if err := p.ensureTable(ctx, ident); err != nil {
		return err
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("datalog: marshal row: %w", err)
	}

	var siteID any
	if v, ok := row[primaryKey]; ok {
		if s, ok := v.(string); ok {
			siteID = s
		}
	}

	return p.withBackoff(ctx, func(ctx context.Context) error {
		if siteID != nil {
			_, err := p.pool.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %q (site_id, data) VALUES ($1, $2)
				ON CONFLICT (site_id) WHERE site_id IS NOT NULL
				DO UPDATE SET data = EXCLUDED.data`, ident), siteID, data)
			return err
		}
		_, err := p.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %q (data) VALUES ($1)`, ident), data)
		return err
	})
}

func (p *PostgresLogger) Fetch(ctx context.Context, name string, keep bool) (*Frame, error) {
	ident, err := tableIdent(name)
	if err != nil {
		return nil, err
	}

	exists, err := p.tableExists(ctx, ident)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &Frame{}, nil
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT data FROM %q ORDER BY id`, ident))
	if err != nil {
		return nil, fmt.Errorf("datalog: fetch %s: %w", name, err)
	}
	defer rows.Close()

	frame := &Frame{}
	seen := make(map[string]bool)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("datalog: scan %s: %w", name, err)
		}
		var r Row
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("datalog: decode %s row: %w", name, err)
		}
		for k := range r {
			if !seen[k] {
				seen[k] = true
				frame.Columns = append(frame.Columns, k)
			}
		}
		frame.Rows = append(frame.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, r := range frame.Rows {
		full := make(Row, len(frame.Columns))
		for _, c := range frame.Columns {
			full[c] = r[c]
		}
		frame.Rows[i] = full
	}

	if !keep {
		if _, err := p.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, ident)); err != nil {
			return nil, fmt.Errorf("datalog: drop %s after fetch: %w", name, err)
		}
		_, _ = p.pool.Exec(ctx, `DELETE FROM geoepic_datalog_tables WHERE name = $1`, ident)
	}
	return frame, nil
}

func (p *PostgresLogger) tableExists(ctx context.Context, ident string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, ident).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("datalog: check table exists: %w", err)
	}
	return exists, nil
}

func (p *PostgresLogger) Close() error {
	p.pool.Close()
	return nil
}

var _ Logger = (*PostgresLogger)(nil)
