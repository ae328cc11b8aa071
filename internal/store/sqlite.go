package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteStore 基于 go-sqlite3 的持久化实现。
// 写事务使用 BEGIN IMMEDIATE，多个进程共享同一个文件时 nonce 不会重复。
type SQLiteStore struct {
	values
	db *sql.DB
}

// OpenSQLite 打开或创建数据库文件并载入已有数据
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &SQLiteStore{values: newValues(), db: db}
	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key <> ?`, NonceKey)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	defer rows.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		s.data[k] = []byte(v)
	}
	return rows.Err()
}

func (s *SQLiteStore) Get(key string, out interface{}) (bool, error) { return s.get(key, out) }

func (s *SQLiteStore) Set(key string, value interface{}) error { return s.set(key, value) }

// Commit 在一个事务里写入所有暂存值
func (s *SQLiteStore) Commit(ctx context.Context) (err error) {
	pending := s.takePending()
	if len(pending) == 0 {
		return nil
	}
	defer func() {
		if err != nil {
			s.restore(pending)
		}
	}()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()
	for k, raw := range pending {
		if _, err = tx.ExecContext(ctx, `INSERT INTO kv(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, string(raw)); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.apply(pending)
	return nil
}

// NextNonce 返回当前值并加一，从 1 开始
func (s *SQLiteStore) NextNonce(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin nonce: %w", err)
	}
	defer tx.Rollback()

	current := int64(1)
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, NonceKey).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("read nonce: %w", err)
	default:
		if current, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, fmt.Errorf("parse nonce %q: %w", raw, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, NonceKey, strconv.FormatInt(current+1, 10)); err != nil {
		return 0, fmt.Errorf("write nonce: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit nonce: %w", err)
	}
	return current, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
