package postgres

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/lib/pq"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
	"AgentDCA/internal/storage/sqlmigrate"
)

// Config 描述 PostgreSQL 连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store 使用 PostgreSQL 实现 kv.Store。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New 建立连接池、执行迁移并返回存储实例。
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "PostgreSQL DSN 不能为空")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 PostgreSQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 PostgreSQL")
	}
	store := &Store{db: db, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	runner, err := sqlmigrate.NewRunner(s.db, sqlmigrate.Postgres)
	if err != nil {
		return err
	}
	_, err = runner.Run(ctx)
	return err
}

// Get 实现 kv.Store。
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv_entries WHERE k = $1`, key).Scan(&value)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, storageError(err, "查询键值失败")
	}
	return value, nil
}

// Set 实现 kv.Store。
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	const stmt = `INSERT INTO kv_entries (k, v, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, stmt, key, value, s.now().Unix()); err != nil {
		return storageError(err, "写入键值失败")
	}
	return nil
}

// CompareAndSwap 通过 ON CONFLICT DO NOTHING 与条件 UPDATE 实现乐观并发写入。
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error) {
	now := s.now().Unix()
	var (
		res sql.Result
		err error
	)
	if old == nil {
		res, err = s.db.ExecContext(ctx, `INSERT INTO kv_entries (k, v, updated_at) VALUES ($1, $2, $3) ON CONFLICT (k) DO NOTHING`, key, value, now)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE kv_entries SET v = $1, updated_at = $2 WHERE k = $3 AND v = $4`, value, now, key, old)
	}
	if err != nil {
		return false, storageError(err, "更新键值失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storageError(err, "获取影响行数失败")
	}
	return affected == 1, nil
}

// Delete 实现 kv.Store。
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE k = $1`, key); err != nil {
		return storageError(err, "删除键值失败")
	}
	return nil
}

// SAdd 实现 kv.Store，一条语句写入全部成员。
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	const stmt = `INSERT INTO kv_set_members (set_key, member, created_at)
		SELECT $1, m, $3 FROM unnest($2::text[]) AS m
		ON CONFLICT (set_key, member) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, stmt, key, pq.Array(members), s.now().Unix()); err != nil {
		return storageError(err, "写入集合成员失败")
	}
	return nil
}

// SRem 实现 kv.Store。
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_set_members WHERE set_key = $1 AND member = ANY($2)`, key, pq.Array(members)); err != nil {
		return storageError(err, "删除集合成员失败")
	}
	return nil
}

// SMembers 实现 kv.Store。
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(array_agg(member ORDER BY member), '{}') FROM kv_set_members WHERE set_key = $1`, key,
	).Scan(pq.Array(&members))
	if err != nil {
		return nil, storageError(err, "查询集合成员失败")
	}
	return members, nil
}

// Close 关闭连接池。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// storageError 包装数据库错误，并附带 PostgreSQL 错误码。
func storageError(err error, msg string) error {
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg, xerrors.WithMetadata("pg_code", string(pqErr.Code)))
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

var _ kv.Store = (*Store)(nil)
