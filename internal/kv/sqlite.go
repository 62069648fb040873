package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/orderlist/internal/store"
)

// Compile-time interface guard.
var _ Backend = (*SQLite)(nil)

// SQLite implements Backend on the embedded SQLite store, for single-node
// deployments and tests that should not need a Redis server.
type SQLite struct {
	st  *store.SQLiteStore
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption customizes a SQLite backend.
type SQLiteOption func(*SQLite)

// WithClock overrides the time source used for key expiry.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLite) { s.now = now }
}

// NewSQLite runs the kv schema migrations on st and returns a backend.
func NewSQLite(ctx context.Context, st *store.SQLiteStore, opts ...SQLiteOption) (*SQLite, error) {
	if err := st.Migrate(ctx, "kv", sqliteMigrations); err != nil {
		return nil, fmt.Errorf("kv migrations: %w", err)
	}
	s := &SQLite{st: st, db: st.DB(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var (
		value   string
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_strings WHERE key = ?`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	if expires.Valid && expires.Int64 <= s.now().UnixNano() {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_strings WHERE key = ? AND expires_at = ?`, key, expires.Int64); err != nil {
			return "", unavailable("expire", err)
		}
		return "", ErrNil
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_strings (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires,
	)
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *SQLite) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		var (
			value   string
			expires sql.NullInt64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT value, expires_at FROM kv_strings WHERE key = ?`, key,
		).Scan(&value, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case expires.Valid && expires.Int64 <= s.now().UnixNano():
		default:
			cur, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("value of %q is not an integer", key)
			}
			n = cur
		}
		n++
		_, err = tx.ExecContext(ctx, `
			INSERT INTO kv_strings (key, value, expires_at) VALUES (?, ?, NULL)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = NULL`,
			key, strconv.FormatInt(n, 10),
		)
		return err
	})
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return n, nil
}

func (s *SQLite) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM kv_hashes WHERE key = ?`, key)
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, unavailable("hgetall scan", err)
		}
		out[f] = v
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("hgetall", err)
	}
	return out, nil
}

func (s *SQLite) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_hashes (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`,
		key, field, value,
	)
	if err != nil {
		return unavailable("hset", err)
	}
	return nil
}

func (s *SQLite) HSetNX(ctx context.Context, key string, fields map[string]string) (bool, error) {
	var written int64
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		for f, v := range fields {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO kv_hashes (key, field, value) VALUES (?, ?, ?)
				ON CONFLICT (key, field) DO NOTHING`,
				key, f, v,
			)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			written += n
		}
		return nil
	})
	if err != nil {
		return false, unavailable("hsetnx", err)
	}
	return written > 0, nil
}

func (s *SQLite) ZAdd(ctx context.Context, key string, members ...Z) error {
	if len(members) == 0 {
		return nil
	}
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		for _, m := range members {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv_zsets (key, member, score) VALUES (?, ?, ?)
				ON CONFLICT (key, member) DO UPDATE SET score = excluded.score`,
				key, m.Member, m.Score,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

func (s *SQLite) ZAddNX(ctx context.Context, key string, members ...Z) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var added int64
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		for _, m := range members {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO kv_zsets (key, member, score) VALUES (?, ?, ?)
				ON CONFLICT (key, member) DO NOTHING`,
				key, m.Member, m.Score,
			)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			added += n
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("zadd nx", err)
	}
	return added, nil
}

func (s *SQLite) ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	if start < 0 || stop < 0 {
		card, err := s.ZCard(ctx, key)
		if err != nil {
			return nil, err
		}
		if start < 0 {
			start = max(card+start, 0)
		}
		if stop < 0 {
			stop = card + stop
		}
	}
	if stop < start {
		return []Z{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT member, score FROM kv_zsets WHERE key = ?
		ORDER BY score, member LIMIT ? OFFSET ?`,
		key, stop-start+1, start,
	)
	if err != nil {
		return nil, unavailable("zrange", err)
	}
	defer rows.Close()

	out := make([]Z, 0, min(stop-start+1, scanBatch))
	for rows.Next() {
		var z Z
		if err := rows.Scan(&z.Member, &z.Score); err != nil {
			return nil, unavailable("zrange scan", err)
		}
		out = append(out, z)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("zrange", err)
	}
	return out, nil
}

func (s *SQLite) ZCount(ctx context.Context, key string, max float64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_zsets WHERE key = ? AND score <= ?`, key, max,
	).Scan(&n)
	if err != nil {
		return 0, unavailable("zcount", err)
	}
	return n, nil
}

func (s *SQLite) ZScores(ctx context.Context, key string, members []string) ([]Z, error) {
	if len(members) == 0 {
		return nil, nil
	}
	found := make(map[string]float64, len(members))
	for lo := 0; lo < len(members); lo += scanBatch {
		hi := min(lo+scanBatch, len(members))
		batch := members[lo:hi]

		args := make([]any, 0, len(batch)+1)
		args = append(args, key)
		for _, m := range batch {
			args = append(args, m)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")

		//nolint:gosec // placeholders are generated, values are parameterized
		rows, err := s.db.QueryContext(ctx,
			`SELECT member, score FROM kv_zsets WHERE key = ? AND member IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return nil, unavailable("zscore", err)
		}
		for rows.Next() {
			var z Z
			if err := rows.Scan(&z.Member, &z.Score); err != nil {
				rows.Close()
				return nil, unavailable("zscore scan", err)
			}
			found[z.Member] = z.Score
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, unavailable("zscore", err)
		}
	}

	var out []Z
	for _, m := range members {
		if score, ok := found[m]; ok {
			out = append(out, Z{Member: m, Score: score})
		}
	}
	return out, nil
}

func (s *SQLite) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_zsets WHERE key = ?`, key,
	).Scan(&n)
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

func (s *SQLite) SAdd(ctx context.Context, key, member string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_sets (key, member) VALUES (?, ?) ON CONFLICT (key, member) DO NOTHING`,
		key, member)
	if err != nil {
		return unavailable("sadd", err)
	}
	return nil
}

func (s *SQLite) SRem(ctx context.Context, key, member string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_sets WHERE key = ? AND member = ?`, key, member)
	if err != nil {
		return unavailable("srem", err)
	}
	return nil
}

func (s *SQLite) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_sets WHERE key = ?`, key)
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, unavailable("smembers scan", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("smembers", err)
	}
	return members, nil
}

func (s *SQLite) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM kv_strings WHERE key = ? AND (expires_at IS NULL OR expires_at > ?))
			OR EXISTS (SELECT 1 FROM kv_hashes WHERE key = ?)
			OR EXISTS (SELECT 1 FROM kv_zsets WHERE key = ?)
			OR EXISTS (SELECT 1 FROM kv_sets WHERE key = ?)`,
		key, s.now().UnixNano(), key, key, key,
	).Scan(&exists)
	if err != nil {
		return false, unavailable("exists", err)
	}
	return exists, nil
}

func (s *SQLite) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			for _, table := range kvTables {
				//nolint:gosec // table names come from a fixed list
				if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ?`, k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *SQLite) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	var deleted int64
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		for _, table := range kvTables {
			// Hashes, sets and sorted sets hold several rows per key; count keys, not rows.
			var n int64
			//nolint:gosec // table names come from a fixed list
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(DISTINCT key) FROM `+table+` WHERE substr(key, 1, length(?)) = ?`, prefix, prefix,
			).Scan(&n); err != nil {
				return err
			}
			//nolint:gosec // table names come from a fixed list
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE substr(key, 1, length(?)) = ?`, prefix, prefix); err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("delete by prefix", err)
	}
	return deleted, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the underlying SQLite store.
func (s *SQLite) Close() error {
	return s.st.Close()
}

var kvTables = []string{"kv_strings", "kv_hashes", "kv_zsets", "kv_sets"}

// sqliteMigrations defines the kv schema.
var sqliteMigrations = []store.Migration{
	{
		Version:     1,
		Description: "create kv tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE kv_strings (
					key        TEXT PRIMARY KEY,
					value      TEXT NOT NULL,
					expires_at INTEGER
				)`,
				`CREATE TABLE kv_hashes (
					key   TEXT NOT NULL,
					field TEXT NOT NULL,
					value TEXT NOT NULL,
					PRIMARY KEY (key, field)
				)`,
				`CREATE TABLE kv_zsets (
					key    TEXT NOT NULL,
					member TEXT NOT NULL,
					score  REAL NOT NULL,
					PRIMARY KEY (key, member)
				)`,
				`CREATE INDEX idx_kv_zsets_rank ON kv_zsets(key, score, member)`,
				`CREATE TABLE kv_sets (
					key    TEXT NOT NULL,
					member TEXT NOT NULL,
					PRIMARY KEY (key, member)
				)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}
