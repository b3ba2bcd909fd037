// Package database records World membership in each Game's Postgres instance.
package database

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/SystemCraftsman/kubegame/internal/monitoring"
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS World (
	game VARCHAR(253) NOT NULL,
	name VARCHAR(253) NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (game, name)
)`
	upsertSQL = `INSERT INTO World (game, name) VALUES ($1, $2) ON CONFLICT (game, name) DO NOTHING`
	deleteSQL = `DELETE FROM World WHERE game = $1 AND name = $2`
	existsSQL = `SELECT EXISTS (SELECT 1 FROM World WHERE game = $1 AND name = $2)`
	listSQL   = `SELECT name FROM World WHERE game = $1 ORDER BY name`
)

const (
	DefaultPoolTTL         = 10 * time.Minute
	DefaultMaxOpenConns    = 4
	DefaultMaxIdleConns    = 2
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultConnMaxIdleTime = time.Minute
)

type pool struct {
	db          *sql.DB
	schemaReady atomic.Bool
}

// Accessor runs the membership queries against any number of Game databases. Each
// distinct connection target gets its own small pool, closed after it sits unused for
// the pool TTL.
type Accessor struct {
	driver       string
	dsn          func(ConnInfo) string
	missingTable func(error) bool

	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
	poolTTL     time.Duration

	pools *ttlcache.Cache[string, *pool]
	opens singleflight.Group
}

type Option func(*Accessor)

// WithDriver swaps the database/sql driver and the DSN renderer.
func WithDriver(driver string, dsn func(ConnInfo) string) Option {
	return func(a *Accessor) {
		a.driver = driver
		a.dsn = dsn
	}
}

// WithMissingTable sets how errors meaning "the World table does not exist" are
// recognized. Needed alongside WithDriver for anything other than lib/pq.
func WithMissingTable(match func(error) bool) Option {
	return func(a *Accessor) { a.missingTable = match }
}

// WithPoolTTL sets how long an unused pool is kept open.
func WithPoolTTL(ttl time.Duration) Option {
	return func(a *Accessor) { a.poolTTL = ttl }
}

// WithPoolLimits overrides the per-pool connection limits.
func WithPoolLimits(maxOpen, maxIdle int) Option {
	return func(a *Accessor) {
		a.maxOpen = maxOpen
		a.maxIdle = maxIdle
	}
}

// New returns an Accessor backed by lib/pq. Call Close to release every pool.
func New(opts ...Option) *Accessor {
	a := &Accessor{
		driver:       "postgres",
		dsn:          ConnInfo.DSN,
		missingTable: isUndefinedTable,
		maxOpen:      DefaultMaxOpenConns,
		maxIdle:      DefaultMaxIdleConns,
		maxLifetime:  DefaultConnMaxLifetime,
		maxIdleTime:  DefaultConnMaxIdleTime,
		poolTTL:      DefaultPoolTTL,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.pools = ttlcache.New(ttlcache.WithTTL[string, *pool](a.poolTTL))
	a.pools.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *pool]) {
		_ = item.Value().db.Close()
		openPools.Dec()
	})
	go a.pools.Start()
	return a
}

// Close stops pool expiry and closes every open pool.
func (a *Accessor) Close() error {
	a.pools.Stop()
	a.pools.DeleteAll()
	return nil
}

func (a *Accessor) pool(ci ConnInfo) (*pool, error) {
	key := a.dsn(ci)
	if item := a.pools.Get(key); item != nil {
		return item.Value(), nil
	}
	v, err, _ := a.opens.Do(key, func() (any, error) {
		if item := a.pools.Get(key); item != nil {
			return item.Value(), nil
		}
		db, err := sql.Open(a.driver, key)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(a.maxOpen)
		db.SetMaxIdleConns(a.maxIdle)
		db.SetConnMaxLifetime(a.maxLifetime)
		db.SetConnMaxIdleTime(a.maxIdleTime)

		p := &pool{db: db}
		a.pools.Set(key, p, ttlcache.DefaultTTL)
		openPools.Inc()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pool), nil
}

func (a *Accessor) do(ctx context.Context, op string, ci ConnInfo, fn func(context.Context, *pool) error) error {
	ctx, span := monitoring.StartChildSpan(ctx, "database."+op,
		attribute.String("db.system", "postgresql"),
		attribute.String("db.name", ci.Database),
		attribute.String("server.address", ci.Host),
	)
	defer span.End()

	start := time.Now()
	p, err := a.pool(ci)
	if err == nil {
		err = fn(ctx, p)
	}
	err = classify(op, err)

	operationTotal.WithLabelValues(op, resultLabel(err)).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	monitoring.RecordSpanError(span, err)
	return err
}

// EnsureSchema creates the World table if it does not exist. Once it succeeds for a
// pool it is not repeated until a query finds the table missing.
func (a *Accessor) EnsureSchema(ctx context.Context, ci ConnInfo) error {
	return a.do(ctx, "ensure_schema", ci, func(ctx context.Context, p *pool) error {
		return ensureSchema(ctx, p)
	})
}

func ensureSchema(ctx context.Context, p *pool) error {
	if p.schemaReady.Load() {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil && !isDuplicateTable(err) {
		return err
	}
	p.schemaReady.Store(true)
	return nil
}

// UpsertMembership inserts the (game, world) row unless it is already present.
func (a *Accessor) UpsertMembership(ctx context.Context, ci ConnInfo, game, world string) error {
	return a.do(ctx, "upsert_membership", ci, func(ctx context.Context, p *pool) error {
		if err := ensureSchema(ctx, p); err != nil {
			return err
		}
		_, err := p.db.ExecContext(ctx, upsertSQL, game, world)
		if a.missingTable(err) {
			p.schemaReady.Store(false)
		}
		return err
	})
}

// DeleteMembership removes the (game, world) row. A missing row or table is not an error.
func (a *Accessor) DeleteMembership(ctx context.Context, ci ConnInfo, game, world string) error {
	return a.do(ctx, "delete_membership", ci, func(ctx context.Context, p *pool) error {
		_, err := p.db.ExecContext(ctx, deleteSQL, game, world)
		if a.missingTable(err) {
			p.schemaReady.Store(false)
			return nil
		}
		return err
	})
}

// RowExists reports whether the (game, world) row is present.
func (a *Accessor) RowExists(ctx context.Context, ci ConnInfo, game, world string) (bool, error) {
	var exists bool
	err := a.do(ctx, "row_exists", ci, func(ctx context.Context, p *pool) error {
		err := p.db.QueryRowContext(ctx, existsSQL, game, world).Scan(&exists)
		if a.missingTable(err) {
			p.schemaReady.Store(false)
			exists = false
			return nil
		}
		return err
	})
	return exists, err
}

// ListMembers returns the names of all Worlds recorded for game, sorted.
func (a *Accessor) ListMembers(ctx context.Context, ci ConnInfo, game string) ([]string, error) {
	var names []string
	err := a.do(ctx, "list_members", ci, func(ctx context.Context, p *pool) error {
		rows, err := p.db.QueryContext(ctx, listSQL, game)
		if a.missingTable(err) {
			p.schemaReady.Store(false)
			return nil
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	return names, err
}
