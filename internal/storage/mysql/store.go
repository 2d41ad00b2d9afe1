package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
	"AgentDCA/internal/storage/sqlmigrate"
)

const mysqlDuplicateEntry = 1062

// Store 使用 MySQL 实现 kv.Store。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New 建立连接池、执行迁移并返回存储实例。
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, now: time.Now}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	runner, err := sqlmigrate.NewRunner(db, sqlmigrate.MySQL)
	if err != nil {
		return err
	}
	_, err = runner.Run(ctx)
	return err
}

// Get 实现 kv.Store。
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv_entries WHERE k = ?`, key).Scan(&value)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询键值失败")
	}
	return value, nil
}

// Set 实现 kv.Store。
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	const stmt = `INSERT INTO kv_entries (k, v, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, key, value, s.now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入键值失败")
	}
	return nil
}

// CompareAndSwap 通过带条件的 INSERT/UPDATE 实现乐观并发写入。
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error) {
	now := s.now().Unix()
	if old == nil {
		_, err := s.db.ExecContext(ctx, `INSERT INTO kv_entries (k, v, updated_at) VALUES (?, ?, ?)`, key, value, now)
		if err != nil {
			var mysqlErr *gomysql.MySQLError
			if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
				return false, nil
			}
			return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入键值失败")
		}
		return true, nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE kv_entries SET v = ?, updated_at = ? WHERE k = ? AND v = ?`, value, now, key, old)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新键值失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return affected == 1, nil
}

// Delete 实现 kv.Store。
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE k = ?`, key); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除键值失败")
	}
	return nil
}

// SAdd 实现 kv.Store。
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		now := s.now().Unix()
		for _, member := range members {
			if _, err := tx.ExecContext(ctx, `INSERT IGNORE INTO kv_set_members (set_key, member, created_at) VALUES (?, ?, ?)`, key, member, now); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入集合成员失败")
			}
		}
		return nil
	})
}

// SRem 实现 kv.Store。
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		for _, member := range members {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv_set_members WHERE set_key = ? AND member = ?`, key, member); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除集合成员失败")
			}
		}
		return nil
	})
}

// SMembers 实现 kv.Store。
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_set_members WHERE set_key = ? ORDER BY member`, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询集合成员失败")
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析集合成员失败")
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历集合成员失败")
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

func (s *Store) withTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

var _ kv.Store = (*Store)(nil)
