package redis

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
)

// Config 描述 Redis 键值存储的连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Store 使用 Redis 实现 kv.Store。
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New 创建 Redis 存储并检查连通性。
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient 基于已有客户端构造存储。
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

// Get 实现 kv.Store。
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取失败")
	}
	return value, nil
}

// Set 实现 kv.Store。
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入失败")
	}
	return nil
}

// CompareAndSwap 通过 WATCH/MULTI 实现乐观并发写入。
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error) {
	fullKey := s.key(key)
	if old == nil {
		ok, err := s.client.SetNX(ctx, fullKey, value, 0).Result()
		if err != nil {
			return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis SETNX 失败")
		}
		return ok, nil
	}

	swapped := false
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			return err
		}
		if !bytes.Equal(current, old) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, fullKey, value, 0)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, fullKey)
	if err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis CAS 失败")
	}
	return swapped, nil
}

// Delete 实现 kv.Store。
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 删除失败")
	}
	return nil
}

// SAdd 实现 kv.Store。
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.SAdd(ctx, s.key(key), toAny(members)...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis SADD 失败")
	}
	return nil
}

// SRem 实现 kv.Store。
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.SRem(ctx, s.key(key), toAny(members)...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis SREM 失败")
	}
	return nil
}

// SMembers 实现 kv.Store。
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis SMEMBERS 失败")
	}
	sort.Strings(members)
	return members, nil
}

// Close 关闭 Redis 连接。
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

var _ kv.Store = (*Store)(nil)
