package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/any-hub/offline-hub/internal/cache/migrations"
)

// sqliteStore 将所有站点的缓存代存放在单个 SQLite 文件中，
// PutAll 与 Delete 都在单个事务内完成。
type sqliteStore struct {
	sqlDB *sql.DB
}

type sqliteGeneration struct {
	store *sqliteStore
	site  string
	name  string
}

// OpenSQLite 打开（不存在时创建）path 指向的 SQLite 文件并执行内嵌迁移。
func OpenSQLite(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写事务，避免 SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &sqliteStore{sqlDB: sqlDB}, nil
}

func (s *sqliteStore) Open(ctx context.Context, site, name string) (Generation, error) {
	if err := validateSegment("site", site); err != nil {
		return nil, err
	}
	if err := validateSegment("generation", name); err != nil {
		return nil, err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (site, name, created_at) VALUES (?, ?, ?)`,
		site, name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &sqliteGeneration{store: s, site: site, name: name}, nil
}

func (s *sqliteStore) Lookup(ctx context.Context, site, name string) (Generation, error) {
	if err := validateSegment("site", site); err != nil {
		return nil, err
	}
	if err := validateSegment("generation", name); err != nil {
		return nil, err
	}
	var exists int
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM cache_generations WHERE site = ? AND name = ?`, site, name,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup generation %s: %w", name, err)
	}
	if exists == 0 {
		return nil, ErrGenerationMissing
	}
	return &sqliteGeneration{store: s, site: site, name: name}, nil
}

func (s *sqliteStore) Keys(ctx context.Context, site string) ([]string, error) {
	if err := validateSegment("site", site); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name FROM cache_generations WHERE site = ? ORDER BY name`, site)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, site, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE site = ? AND generation = ?`, site, name); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM cache_generations WHERE site = ? AND name = ?`, site, name)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (g *sqliteGeneration) Name() string {
	return g.name
}

func (g *sqliteGeneration) Match(ctx context.Context, key Key) (*Entry, error) {
	var (
		status     int
		headerJSON string
		body       []byte
		storedMs   int64
	)
	err := g.store.sqlDB.QueryRowContext(ctx,
		`SELECT status, header_json, body, stored_at FROM cache_entries
		 WHERE site = ? AND generation = ? AND method = ? AND url = ?`,
		g.site, g.name, key.Method, key.URL,
	).Scan(&status, &headerJSON, &body, &storedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var header http.Header
	if err := json.Unmarshal([]byte(headerJSON), &header); err != nil {
		return nil, fmt.Errorf("decode header of %s: %w", key, err)
	}
	if header == nil {
		header = http.Header{}
	}
	return &Entry{
		Key:      key,
		Status:   status,
		Header:   header,
		Body:     body,
		StoredAt: time.UnixMilli(storedMs).UTC(),
	}, nil
}

func (g *sqliteGeneration) Put(ctx context.Context, entry Entry) error {
	return g.PutAll(ctx, []Entry{entry})
}

func (g *sqliteGeneration) PutAll(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		if err := validateEntry(entry); err != nil {
			return err
		}
	}

	tx, err := g.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM cache_generations WHERE site = ? AND name = ?`, g.site, g.name,
	).Scan(&exists); err != nil {
		_ = tx.Rollback()
		return err
	}
	if exists == 0 {
		_ = tx.Rollback()
		return ErrGenerationMissing
	}

	for _, entry := range entries {
		headerJSON, err := json.Marshal(entry.Header)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode header of %s: %w", entry.Key, err)
		}
		body := entry.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cache_entries
			 (site, generation, method, url, status, header_json, body, stored_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			g.site, g.name, entry.Key.Method, entry.Key.URL, entry.Status,
			string(headerJSON), body, storedAt(entry).UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("put %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (g *sqliteGeneration) Keys(ctx context.Context) ([]Key, error) {
	rows, err := g.store.sqlDB.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE site = ? AND generation = ? ORDER BY method, url`,
		g.site, g.name)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
