package order

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"sort"
	"strings"
	"time"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
)

const (
	recordPrefix    = "order:"
	allOrdersKey    = "orders"
	userIndexPrefix = "orders-by-user:"
	flaggedKey      = "orders-flagged"
)

// RecordKey 返回订单主记录的键。
func RecordKey(id string) string { return recordPrefix + id }

// UserIndexKey 返回用户订单索引的键。
func UserIndexKey(user string) string { return userIndexPrefix + strings.ToLower(user) }

// Mutation 修改订单。返回 kv.ErrAbort 表示放弃写入。
type Mutation func(o *Order) error

// Store 在 kv.Store 上持久化订单。
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// NewStore 创建订单存储。
func NewStore(store kv.Store) *Store {
	return &Store{kv: store, now: func() time.Time { return time.Now().UTC() }}
}

// Create 写入新订单及其索引。
func (s *Store) Create(ctx context.Context, o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "序列化订单失败")
	}
	swapped, err := s.kv.CompareAndSwap(ctx, RecordKey(o.ID), nil, data)
	if err != nil {
		return err
	}
	if !swapped {
		return xerrors.New(xerrors.CodeConflict, "订单已存在", xerrors.WithMetadata("order_id", o.ID))
	}
	if err := s.kv.SAdd(ctx, allOrdersKey, o.ID); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, UserIndexKey(o.UserAddress), o.ID)
}

// Get 读取订单。
func (s *Store) Get(ctx context.Context, id string) (*Order, error) {
	data, err := s.GetRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// GetRaw 读取订单原始数据。
func (s *Store) GetRaw(ctx context.Context, id string) ([]byte, error) {
	data, err := s.kv.Get(ctx, RecordKey(id))
	if err != nil {
		if stdErrors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Decode 解析订单记录。
func Decode(data []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, xerrors.Wrap(CodeCorrupt, err, "")
	}
	if o.ID == "" {
		return nil, xerrors.New(CodeCorrupt, "order record has no id")
	}
	return &o, nil
}

// Update 以乐观并发方式修改订单。mutation 未产生变化时不写入并返回当前订单。
func (s *Store) Update(ctx context.Context, id string, mutate Mutation) (*Order, error) {
	var result *Order
	_, err := kv.Update(ctx, s.kv, RecordKey(id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		o, err := Decode(current)
		if err != nil {
			return nil, err
		}
		before, err := json.Marshal(o)
		if err != nil {
			return nil, err
		}
		if err := mutate(o); err != nil {
			return nil, err
		}
		after, err := json.Marshal(o)
		if err != nil {
			return nil, err
		}
		result = o
		if bytes.Equal(before, after) {
			return current, nil
		}
		o.UpdatedAt = s.now()
		return json.Marshal(o)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReplaceCorrupt 将无法解析的记录替换为 tombstone，仅当记录仍为 raw 时生效。
func (s *Store) ReplaceCorrupt(ctx context.Context, id string, raw []byte, tombstone *Order) (bool, error) {
	data, err := json.Marshal(tombstone)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化订单失败")
	}
	return s.kv.CompareAndSwap(ctx, RecordKey(id), raw, data)
}

// IDs 返回全部订单 ID。
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, allOrdersKey)
}

// ScanFunc 处理单个订单。raw 为原始数据，解析失败时 o 为 nil、err 非 nil。
type ScanFunc func(id string, raw []byte, o *Order, err error) error

// Scan 遍历全部订单。索引中已不存在的订单会被跳过。
func (s *Store) Scan(ctx context.Context, fn ScanFunc) error {
	ids, err := s.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.GetRaw(ctx, id)
		if err != nil {
			if stdErrors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		o, decodeErr := Decode(raw)
		if err := fn(id, raw, o, decodeErr); err != nil {
			return err
		}
	}
	return nil
}

// Due 返回 now 时到期的订单，按 nextExecutionAt 升序，limit<=0 表示不限。
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	var due []*Order
	err := s.Scan(ctx, func(_ string, _ []byte, o *Order, err error) error {
		if err == nil && o.Due(now) {
			due = append(due, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextExecutionAt.Equal(due[j].NextExecutionAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextExecutionAt.Before(due[j].NextExecutionAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListByUser 返回用户的订单，按创建时间倒序。
func (s *Store) ListByUser(ctx context.Context, user string) ([]*Order, error) {
	ids, err := s.kv.SMembers(ctx, UserIndexKey(user))
	if err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.Get(ctx, id)
		if err != nil {
			if stdErrors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Flag 将订单标记为待对账。
func (s *Store) Flag(ctx context.Context, id string) error {
	return s.kv.SAdd(ctx, flaggedKey, id)
}

// Flagged 返回待对账订单。
func (s *Store) Flagged(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, flaggedKey)
}

// Unflag 清除待对账标记。
func (s *Store) Unflag(ctx context.Context, ids ...string) error {
	return s.kv.SRem(ctx, flaggedKey, ids...)
}

// Stats 汇总各状态订单数量。
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Paused    int `json:"paused"`
	Cancelled int `json:"cancelled"`
	Completed int `json:"completed"`
	Corrupt   int `json:"corrupt"`
	Flagged   int `json:"flagged"`
}

// Stats 统计订单状态。
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.Scan(ctx, func(_ string, _ []byte, o *Order, err error) error {
		st.Total++
		if err != nil {
			st.Corrupt++
			return nil
		}
		switch o.Status {
		case StatusActive:
			st.Active++
		case StatusPaused:
			st.Paused++
		case StatusCancelled:
			st.Cancelled++
		case StatusCompleted:
			st.Completed++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	flagged, err := s.Flagged(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.Flagged = len(flagged)
	return st, nil
}
