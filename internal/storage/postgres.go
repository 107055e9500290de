package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "chanpost/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (ItemStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if err := migratePostgres(dsn); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Debug("postgres store opened", logx.Int("max_conns", int(poolCfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

// migratePostgres applies the embedded up-migrations. Already-applied
// migrations are skipped.
func migratePostgres(dsn string) error {
	src, err := iofs.New(migrationFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites postgres:// and postgresql:// URLs to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func migrateURL(dsn string) string {
	for _, p := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, p) {
			return "pgx5://" + strings.TrimPrefix(dsn, p)
		}
	}
	if strings.HasPrefix(dsn, "pgx5://") {
		return dsn
	}
	return "pgx5://" + dsn
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) NextEligible(ctx context.Context) (Item, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM content_items
		 WHERE checked AND approved AND NOT published
		 ORDER BY rank DESC, id ASC LIMIT 1`)
	it, err := scanPostgresItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("select next eligible: %w", err)
	}
	return it, true, nil
}

func (s *postgresStore) ListEligible(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM content_items
		 WHERE checked AND approved AND NOT published
		 ORDER BY rank DESC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanPostgresItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *postgresStore) SetPublished(ctx context.Context, id int64, v bool) error {
	return s.setFlag(ctx, "published", id, v)
}

func (s *postgresStore) SetChecked(ctx context.Context, id int64, v bool) error {
	return s.setFlag(ctx, "checked", id, v)
}

func (s *postgresStore) SetApproved(ctx context.Context, id int64, v bool) error {
	return s.setFlag(ctx, "approved", id, v)
}

func (s *postgresStore) setFlag(ctx context.Context, column string, id int64, v bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE content_items SET `+column+` = $1 WHERE id = $2`, v, id); err != nil {
		return fmt.Errorf("set %s on item %d: %w", column, id, err)
	}
	return nil
}

func (s *postgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (PurgeCounts, error) {
	date := DateOnly(cutoff)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PurgeCounts{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var counts PurgeCounts
	tag, err := tx.Exec(ctx,
		`DELETE FROM content_items WHERE checked AND NOT approved AND date_added <= $1`, date)
	if err != nil {
		return PurgeCounts{}, fmt.Errorf("purge unapproved: %w", err)
	}
	counts.Unapproved = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		`DELETE FROM content_items WHERE published AND date_added <= $1`, date)
	if err != nil {
		return PurgeCounts{}, fmt.Errorf("purge published: %w", err)
	}
	counts.Published = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return PurgeCounts{}, err
	}
	return counts, nil
}

func (s *postgresStore) Insert(ctx context.Context, it Item) (int64, error) {
	if it.DateAdded.IsZero() {
		it.DateAdded = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO content_items(rank, url, file_id, signature, caption, date_added, checked, approved, published)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		it.Rank, nullStr(it.URL), nullStr(it.FileID), nullStr(it.Signature), nullStr(it.Caption),
		DateOnly(it.DateAdded), it.Checked, it.Approved, it.Published,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}
	return id, nil
}

func scanPostgresItem(r rowScanner) (Item, error) {
	var (
		it                           Item
		url, fileID, signature, capt pgtype.Text
		date                         pgtype.Date
	)
	if err := r.Scan(&it.ID, &it.Rank, &url, &fileID, &signature, &capt, &date, &it.Checked, &it.Approved, &it.Published); err != nil {
		return Item{}, err
	}
	it.URL = url.String
	it.FileID = fileID.String
	it.Signature = signature.String
	it.Caption = capt.String
	if date.Valid {
		it.DateAdded = DateOnly(date.Time)
	}
	return it, nil
}
