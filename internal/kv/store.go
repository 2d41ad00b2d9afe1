// Package kv defines the key-value persistence boundary shared by the agent
// key store, the order store and the reconciliation jobs. Records are stored
// as whole blobs under primary keys; secondary indexes are sets or pointers.
// Implementations live in internal/storage/{redis,mysql}; MemoryStore serves
// tests and single-process development.
package kv

import (
	"bytes"
	"context"
	stdErrors "errors"

	xerrors "AgentDCA/internal/errors"
)

const (
	CodeKeyNotFound  xerrors.Code = "KV_KEY_NOT_FOUND"
	CodeCASExhausted xerrors.Code = "KV_CAS_EXHAUSTED"
)

var (
	// ErrNotFound 表示键不存在。
	ErrNotFound = xerrors.New(CodeKeyNotFound, "key not found")
	// ErrCASExhausted 表示乐观并发更新在多次重试后仍然冲突。
	ErrCASExhausted = xerrors.New(CodeCASExhausted, "compare-and-swap retries exhausted")
	// ErrAbort 由 Update 的回调返回，表示放弃写入且不视为失败。
	ErrAbort = stdErrors.New("kv: update aborted")
)

func init() {
	xerrors.Register(CodeKeyNotFound, xerrors.Attributes{
		Message:  "key not found",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassBrokenReference,
	})
	xerrors.Register(CodeCASExhausted, xerrors.Attributes{
		Message:   "compare-and-swap retries exhausted",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Class:     xerrors.ClassTransient,
	})
}

// Store 抽象了键值存储。实现必须支持并发访问。
type Store interface {
	// Get 返回键对应的值，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 无条件写入。
	Set(ctx context.Context, key string, value []byte) error
	// CompareAndSwap 仅当当前值等于 old 时写入 value。old 为 nil 表示键必须不存在。
	CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error)
	// Delete 删除键，键不存在时不报错。
	Delete(ctx context.Context, key string) error
	// SAdd 向集合添加成员。
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem 从集合移除成员。
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers 返回集合的全部成员，集合不存在时返回空。
	SMembers(ctx context.Context, key string) ([]string, error)
	Close() error
}

// MaxCASAttempts bounds optimistic read-modify-write loops.
const MaxCASAttempts = 8

// Mutator receives the current value (nil when absent) and returns the value
// to write. Returning ErrAbort leaves the key untouched.
type Mutator func(current []byte) ([]byte, error)

// Update performs an optimistic read-modify-write on key. It retries when a
// concurrent writer wins the compare-and-swap and gives up with
// ErrCASExhausted after MaxCASAttempts. It returns the written value.
func Update(ctx context.Context, store Store, key string, mutate Mutator) ([]byte, error) {
	for attempt := 0; attempt < MaxCASAttempts; attempt++ {
		current, err := store.Get(ctx, key)
		if err != nil {
			if !stdErrors.Is(err, ErrNotFound) {
				return nil, err
			}
			current = nil
		}
		next, err := mutate(current)
		if err != nil {
			return nil, err
		}
		if current != nil && bytes.Equal(current, next) {
			return next, nil
		}
		swapped, err := store.CompareAndSwap(ctx, key, current, next)
		if err != nil {
			return nil, err
		}
		if swapped {
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, ErrCASExhausted
}
