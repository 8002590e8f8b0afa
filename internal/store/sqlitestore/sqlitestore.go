// Package sqlitestore persists cache entries and recipients in a local SQLite
// database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NullMeDev/rsmn/internal/news"
	"github.com/NullMeDev/rsmn/internal/subscriber"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			id         TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			articles   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_created ON cache_entries(created_at DESC);

		CREATE TABLE IF NOT EXISTS recipients (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			phone      TEXT NOT NULL UNIQUE,
			lid        TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			subscribed INTEGER NOT NULL DEFAULT 1,
			paid       INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertEntry(ctx context.Context, e news.Entry) error {
	articles, err := json.Marshal(e.Articles)
	if err != nil {
		return fmt.Errorf("encoding articles: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (id, created_at, articles) VALUES (?, ?, ?)`,
		e.ID, e.CreatedAt.UnixNano(), string(articles))
	if err != nil {
		return fmt.Errorf("inserting entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) LatestEntry(ctx context.Context) (*news.Entry, error) {
	var (
		e        news.Entry
		created  int64
		articles string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, articles FROM cache_entries ORDER BY created_at DESC LIMIT 1`,
	).Scan(&e.ID, &created, &articles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest entry: %w", err)
	}
	if err := json.Unmarshal([]byte(articles), &e.Articles); err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", e.ID, err)
	}
	e.CreatedAt = time.Unix(0, created)
	return &e, nil
}

func (s *Store) EntryIDsBeyond(ctx context.Context, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM cache_entries ORDER BY created_at DESC LIMIT -1 OFFSET ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying old entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning entry id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := "DELETE FROM cache_entries WHERE id IN (" + strings.Join(placeholders, ",") + ")" //nolint:gosec
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting entries: %w", err)
	}
	return nil
}

const recipientColumns = "phone, lid, email, subscribed, paid, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanRecipient(row scanner) (subscriber.Recipient, error) {
	var (
		r                subscriber.Recipient
		created, updated int64
	)
	if err := row.Scan(&r.Phone, &r.LID, &r.Email, &r.Subscribed, &r.Paid, &created, &updated); err != nil {
		return subscriber.Recipient{}, err
	}
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, updated)
	return r, nil
}

func (s *Store) Subscribed(ctx context.Context) ([]subscriber.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE subscribed = 1 ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying recipients: %w", err)
	}
	defer rows.Close()

	var out []subscriber.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, phone string) (subscriber.Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE phone = ?`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return subscriber.Recipient{}, subscriber.ErrNotFound
	}
	if err != nil {
		return subscriber.Recipient{}, fmt.Errorf("querying recipient %s: %w", phone, err)
	}
	return r, nil
}

func (s *Store) Upsert(ctx context.Context, p subscriber.UpsertParams) (subscriber.Recipient, error) {
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipients (phone, lid, email, subscribed, paid, created_at, updated_at)
		VALUES (?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET
			subscribed = 1,
			lid = CASE WHEN excluded.lid != '' THEN excluded.lid ELSE recipients.lid END,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE recipients.email END,
			updated_at = excluded.updated_at
	`, p.Phone, p.LID, p.Email, now, now)
	if err != nil {
		return subscriber.Recipient{}, fmt.Errorf("upserting recipient %s: %w", p.Phone, err)
	}
	return s.Get(ctx, p.Phone)
}

func (s *Store) SetSubscribed(ctx context.Context, phone string, subscribed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET subscribed = ?, updated_at = ? WHERE phone = ?`,
		subscribed, s.now().UnixNano(), phone)
	if err != nil {
		return fmt.Errorf("updating recipient %s: %w", phone, err)
	}
	return requireRow(res)
}

func (s *Store) Delete(ctx context.Context, phone string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE phone = ?`, phone)
	if err != nil {
		return fmt.Errorf("deleting recipient %s: %w", phone, err)
	}
	return requireRow(res)
}

// SetPaid flips the tier flag. There is no user-facing path to it.
func (s *Store) SetPaid(ctx context.Context, phone string, paid bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recipients SET paid = ? WHERE phone = ?`, paid, phone)
	if err != nil {
		return fmt.Errorf("updating recipient %s: %w", phone, err)
	}
	return requireRow(res)
}

func (s *Store) Stats(ctx context.Context) (subscriber.Stats, error) {
	var st subscriber.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(subscribed), 0),
			COALESCE(SUM(paid), 0)
		FROM recipients
	`).Scan(&st.TotalUsers, &st.ActiveSubscribers, &st.PaidUsers)
	if err != nil {
		return subscriber.Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	st.FreeUsers = st.ActiveSubscribers - st.PaidUsers
	return st, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}
