package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "chanpost/pkg/logx"
)

const sqliteDateLayout = "2006-01-02"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (ItemStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := applySQLiteMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const itemColumns = `id, rank, url, file_id, signature, caption, date_added, checked, approved, published`

func (s *sqliteStore) NextEligible(ctx context.Context) (Item, bool, error) {
	if s == nil || s.db == nil {
		return Item{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM content_items
		 WHERE checked = 1 AND approved = 1 AND published = 0
		 ORDER BY rank DESC, id ASC LIMIT 1`)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("select next eligible: %w", err)
	}
	return it, true, nil
}

func (s *sqliteStore) ListEligible(ctx context.Context, limit int) ([]Item, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM content_items
		 WHERE checked = 1 AND approved = 1 AND published = 0
		 ORDER BY rank DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetPublished(ctx context.Context, id int64, v bool) error {
	return s.setFlag(ctx, "published", id, v)
}

func (s *sqliteStore) SetChecked(ctx context.Context, id int64, v bool) error {
	return s.setFlag(ctx, "checked", id, v)
}

func (s *sqliteStore) SetApproved(ctx context.Context, id int64, v bool) error {
	return s.setFlag(ctx, "approved", id, v)
}

// setFlag updates one boolean column. column is never user input.
func (s *sqliteStore) setFlag(ctx context.Context, column string, id int64, v bool) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `UPDATE content_items SET `+column+` = ? WHERE id = ?`, boolInt(v), id)
	if err != nil {
		return fmt.Errorf("set %s on item %d: %w", column, id, err)
	}
	return nil
}

func (s *sqliteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (PurgeCounts, error) {
	if s == nil || s.db == nil {
		return PurgeCounts{}, ErrClosed
	}
	date := DateOnly(cutoff).Format(sqliteDateLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurgeCounts{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var counts PurgeCounts
	res, err := tx.ExecContext(ctx,
		`DELETE FROM content_items WHERE checked = 1 AND approved = 0 AND date_added <= ?`, date)
	if err != nil {
		return PurgeCounts{}, fmt.Errorf("purge unapproved: %w", err)
	}
	counts.Unapproved, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM content_items WHERE published = 1 AND date_added <= ?`, date)
	if err != nil {
		return PurgeCounts{}, fmt.Errorf("purge published: %w", err)
	}
	counts.Published, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PurgeCounts{}, err
	}
	return counts, nil
}

func (s *sqliteStore) Insert(ctx context.Context, it Item) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if it.DateAdded.IsZero() {
		it.DateAdded = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO content_items(rank, url, file_id, signature, caption, date_added, checked, approved, published)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		it.Rank, nullStr(it.URL), nullStr(it.FileID), nullStr(it.Signature), nullStr(it.Caption),
		DateOnly(it.DateAdded).Format(sqliteDateLayout),
		boolInt(it.Checked), boolInt(it.Approved), boolInt(it.Published),
	)
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}
	return res.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(r rowScanner) (Item, error) {
	var (
		it                           Item
		url, fileID, signature, capt sql.NullString
		date                         string
		checked, approved, published int
	)
	if err := r.Scan(&it.ID, &it.Rank, &url, &fileID, &signature, &capt, &date, &checked, &approved, &published); err != nil {
		return Item{}, err
	}
	it.URL = url.String
	it.FileID = fileID.String
	it.Signature = signature.String
	it.Caption = capt.String
	if d, err := time.Parse(sqliteDateLayout, date); err == nil {
		it.DateAdded = d
	}
	it.Checked = checked != 0
	it.Approved = approved != 0
	it.Published = published != 0
	return it, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
