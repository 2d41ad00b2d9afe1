package approval

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
)

const defaultRetention = 7 * 24 * time.Hour

// UsageTracker 记录会话密钥的操作时间，用于速率限制。
// ScopedSigner 每次执行都会重建，因此使用记录必须持久化。
type UsageTracker interface {
	Since(ctx context.Context, sessionKey common.Address, since time.Time) ([]time.Time, error)
	Record(ctx context.Context, sessionKey common.Address, at time.Time) error
}

// UsageKey 返回使用记录的存储键。
func UsageKey(sessionKey common.Address) string {
	return "agent-key-usage:" + strings.ToLower(sessionKey.Hex())
}

// LedgerTracker 将使用记录保存在 kv.Store 中。
type LedgerTracker struct {
	store     kv.Store
	retention time.Duration
}

// NewLedgerTracker 创建 LedgerTracker，retention 之前的记录会被清理。
func NewLedgerTracker(store kv.Store, retention time.Duration) *LedgerTracker {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &LedgerTracker{store: store, retention: retention}
}

func (l *LedgerTracker) Since(ctx context.Context, sessionKey common.Address, since time.Time) ([]time.Time, error) {
	data, err := l.store.Get(ctx, UsageKey(sessionKey))
	if err != nil {
		if xerrors.CodeOf(err) == kv.CodeKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	stamps, err := decodeStamps(data)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for _, ms := range stamps {
		at := time.UnixMilli(ms)
		if at.After(since) {
			out = append(out, at)
		}
	}
	return out, nil
}

func (l *LedgerTracker) Record(ctx context.Context, sessionKey common.Address, at time.Time) error {
	cutoff := at.Add(-l.retention).UnixMilli()
	_, err := kv.Update(ctx, l.store, UsageKey(sessionKey), func(current []byte) ([]byte, error) {
		var stamps []int64
		if current != nil {
			decoded, err := decodeStamps(current)
			if err != nil {
				return nil, err
			}
			stamps = decoded
		}
		kept := stamps[:0]
		for _, ms := range stamps {
			if ms > cutoff {
				kept = append(kept, ms)
			}
		}
		kept = append(kept, at.UnixMilli())
		return json.Marshal(kept)
	})
	return err
}

func decodeStamps(data []byte) ([]int64, error) {
	var stamps []int64
	if err := json.Unmarshal(data, &stamps); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析授权使用记录失败")
	}
	return stamps, nil
}
