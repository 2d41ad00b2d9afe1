package agentkey

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/keycipher"
	"AgentDCA/internal/kv"
	"AgentDCA/pkg/logger"
)

const (
	defaultDecryptRate  = rate.Limit(20)
	defaultDecryptBurst = 20
)

// ApprovalVerifier 在授权写入前校验其账户、会话密钥与调用范围，返回是否为 sudo 授权。
type ApprovalVerifier interface {
	VerifyApproval(blob, provider string, account, sessionKey common.Address) (bool, error)
}

// Service 提供代理密钥的增删改查能力。
type Service struct {
	store    kv.Store
	cipher   *keycipher.Cipher
	verifier ApprovalVerifier
	provider string
	limiter  *rate.Limiter
	now     func() time.Time
	newID   func() string
	log     *slog.Logger
}

// Option 自定义 Service。
type Option func(*Service)

// WithDecryptLimit 设置明文私钥读取的令牌桶参数。
func WithDecryptLimit(limit rate.Limit, burst int) Option {
	return func(s *Service) {
		s.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithApprovalVerifier 设置授权校验器。未设置时授权按不透明字符串保存。
func WithApprovalVerifier(v ApprovalVerifier, defaultProvider string) Option {
	return func(s *Service) {
		s.verifier = v
		s.provider = strings.TrimSpace(defaultProvider)
	}
}

// WithClock 注入时间函数，便于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 注入 ID 生成函数。
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService 构造代理密钥服务。
func NewService(store kv.Store, cipher *keycipher.Cipher, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent key store 未配置")
	}
	if cipher == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "私钥加密器未配置")
	}
	s := &Service{
		store:   store,
		cipher:  cipher,
		limiter: rate.NewLimiter(defaultDecryptRate, defaultDecryptBurst),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		log:     logger.Named("agentkey"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Generate 为用户生成全新的代理密钥，尚未绑定授权。
func (s *Service) Generate(ctx context.Context, userAddress string) (*AgentKey, error) {
	if err := validateAddress("userAddress", userAddress); err != nil {
		return nil, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "生成代理密钥失败")
	}
	plaintext := crypto.FromECDSA(key)
	defer clear(plaintext)
	return s.create(ctx, userAddress, "", key, plaintext, "", "")
}

// StoreSessionKey 保存外部生成的会话密钥及其授权。
func (s *Service) StoreSessionKey(ctx context.Context, in StoreInput) (*AgentKey, error) {
	if err := validateAddress("userAddress", in.UserAddress); err != nil {
		return nil, err
	}
	if err := validateAddress("smartWalletAddress", in.SmartWalletAddress); err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(in.PrivateKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "会话私钥格式无效")
	}
	return s.create(ctx, in.UserAddress, in.SmartWalletAddress, key, in.PrivateKey, in.Approval, in.Provider)
}

func (s *Service) create(ctx context.Context, user, wallet string, key *ecdsa.PrivateKey, plaintext []byte, approval, provider string) (*AgentKey, error) {
	now := s.now()
	rec := &record{
		AgentKey: AgentKey{
			ID:                 s.newID(),
			UserAddress:        NormalizeAddress(user),
			AgentAddress:       NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex()),
			SmartWalletAddress: NormalizeAddress(wallet),
			SessionKeyApproval: approval,
			Provider:           strings.TrimSpace(provider),
			CreatedAt:          now,
			IsActive:           true,
		},
	}
	if err := s.verify(rec); err != nil {
		return nil, err
	}
	blob, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	rec.EncryptedPrivateKey = blob
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化代理密钥失败")
	}
	swapped, err := s.store.CompareAndSwap(ctx, RecordKey(rec.ID), nil, data)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, xerrors.New(xerrors.CodeConflict, "代理密钥 ID 冲突", xerrors.WithMetadata("key_id", rec.ID))
	}
	// 主记录先落盘，索引写入失败时由 GetByWallet/ListByUser 修复。
	if err := s.store.SAdd(ctx, UserIndexKey(rec.UserAddress), rec.ID); err != nil {
		return nil, err
	}
	if rec.SmartWalletAddress != "" {
		if err := s.store.Set(ctx, WalletIndexKey(rec.SmartWalletAddress), []byte(rec.ID)); err != nil {
			return nil, err
		}
	}

	logger.Audit().Info("代理密钥已创建",
		slog.String("key_id", rec.ID),
		slog.String("user", rec.UserAddress),
		slog.String("agent_address", rec.AgentAddress),
		slog.String("smart_wallet", rec.SmartWalletAddress),
		slog.Bool("has_approval", rec.SessionKeyApproval != ""),
		slog.Bool("sudo", rec.Sudo),
	)
	return rec.view(), nil
}

// verify 校验记录上的授权并写入 Sudo 标记。没有授权或未配置校验器时不做检查。
func (s *Service) verify(rec *record) error {
	rec.Sudo = false
	if s.verifier == nil || rec.SessionKeyApproval == "" {
		return nil
	}
	if rec.Provider == "" {
		rec.Provider = s.provider
	}
	if rec.SmartWalletAddress == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "绑定授权前必须提供 smartWalletAddress",
			xerrors.WithMetadata("field", "smartWalletAddress"))
	}
	sudo, err := s.verifier.VerifyApproval(rec.SessionKeyApproval, rec.Provider,
		common.HexToAddress(rec.SmartWalletAddress), common.HexToAddress(rec.AgentAddress))
	if err != nil {
		return err
	}
	rec.Sudo = sudo
	return nil
}

// Get 返回代理密钥。停用或不存在时返回 ErrNotFound。
func (s *Service) Get(ctx context.Context, id string) (*AgentKey, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, ErrNotFound
	}
	return rec.view(), nil
}

// GetPrivateKey 解密并返回代理私钥，是唯一暴露明文的路径。
// purpose 仅用于审计日志。
func (s *Service) GetPrivateKey(ctx context.Context, id, purpose string) (*ecdsa.PrivateKey, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRateLimited, err, "私钥读取过于频繁", xerrors.WithMetadata("key_id", id))
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, ErrNotFound
	}

	plaintext, err := s.cipher.Decrypt(rec.EncryptedPrivateKey)
	if err != nil {
		s.log.Error("代理私钥解密失败", slog.String("key_id", id), slog.Any("error", err))
		return nil, err
	}
	key, err := crypto.ToECDSA(plaintext)
	clear(plaintext)
	if err != nil {
		return nil, xerrors.Wrap(CodeCorruptRecord, err, "", xerrors.WithMetadata("key_id", id))
	}
	if NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex()) != rec.AgentAddress {
		return nil, xerrors.New(CodeAddressMismatch, "", xerrors.WithMetadata("key_id", id))
	}

	if err := s.touch(ctx, id); err != nil {
		s.log.Warn("更新 lastUsedAt 失败", slog.String("key_id", id), slog.Any("error", err))
	}
	logger.Audit().Info("代理私钥已解密",
		slog.String("key_id", id),
		slog.String("agent_address", rec.AgentAddress),
		slog.String("purpose", purpose),
	)
	return key, nil
}

func (s *Service) touch(ctx context.Context, id string) error {
	_, err := kv.Update(ctx, s.store, RecordKey(id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, kv.ErrAbort
		}
		rec, err := decodeRecord(current)
		if err != nil {
			return nil, err
		}
		if !rec.IsActive {
			return nil, kv.ErrAbort
		}
		rec.LastUsedAt = s.now()
		return json.Marshal(rec)
	})
	if stdErrors.Is(err, kv.ErrAbort) {
		return nil
	}
	return err
}

// Update 修改钱包绑定，或为尚无授权的密钥写入一次授权。
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*AgentKey, error) {
	if patch.SmartWalletAddress != nil && *patch.SmartWalletAddress != "" {
		if err := validateAddress("smartWalletAddress", *patch.SmartWalletAddress); err != nil {
			return nil, err
		}
	}

	var previousWallet string
	data, err := kv.Update(ctx, s.store, RecordKey(id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		rec, err := decodeRecord(current)
		if err != nil {
			return nil, err
		}
		if !rec.IsActive {
			return nil, ErrNotFound
		}
		previousWallet = rec.SmartWalletAddress
		approvalBefore, providerBefore := rec.SessionKeyApproval, rec.Provider
		if patch.SmartWalletAddress != nil {
			rec.SmartWalletAddress = NormalizeAddress(*patch.SmartWalletAddress)
		}
		if patch.SessionKeyApproval != nil && *patch.SessionKeyApproval != rec.SessionKeyApproval {
			if rec.SessionKeyApproval != "" {
				return nil, xerrors.New(CodeApprovalImmutable, "", xerrors.WithMetadata("key_id", id))
			}
			rec.SessionKeyApproval = *patch.SessionKeyApproval
		}
		if patch.Provider != nil {
			rec.Provider = strings.TrimSpace(*patch.Provider)
		}
		if rec.SessionKeyApproval != "" && (rec.SmartWalletAddress != previousWallet || rec.SessionKeyApproval != approvalBefore || rec.Provider != providerBefore) {
			if err := s.verify(rec); err != nil {
				return nil, err
			}
		}
		return json.Marshal(rec)
	})
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}

	if rec.SmartWalletAddress != previousWallet {
		if rec.SmartWalletAddress != "" {
			if err := s.store.Set(ctx, WalletIndexKey(rec.SmartWalletAddress), []byte(id)); err != nil {
				return nil, err
			}
		}
		if previousWallet != "" {
			if _, err := s.repointWallet(ctx, rec.UserAddress, previousWallet); err != nil {
				s.log.Warn("修复钱包索引失败", slog.String("wallet", previousWallet), slog.Any("error", err))
			}
		}
	}
	logger.Audit().Info("代理密钥已更新",
		slog.String("key_id", id),
		slog.String("smart_wallet", rec.SmartWalletAddress),
		slog.Bool("has_approval", rec.SessionKeyApproval != ""),
		slog.Bool("sudo", rec.Sudo),
	)
	return rec.view(), nil
}

// Deactivate 停用密钥。重复调用不会产生写入。
func (s *Service) Deactivate(ctx context.Context, id string) error {
	var rec *record
	_, err := kv.Update(ctx, s.store, RecordKey(id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		decoded, err := decodeRecord(current)
		if err != nil {
			return nil, err
		}
		rec = decoded
		if !decoded.IsActive {
			return nil, kv.ErrAbort
		}
		decoded.IsActive = false
		return json.Marshal(decoded)
	})
	if stdErrors.Is(err, kv.ErrAbort) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.SmartWalletAddress != "" {
		if _, err := s.repointWallet(ctx, rec.UserAddress, rec.SmartWalletAddress); err != nil {
			s.log.Warn("修复钱包索引失败", slog.String("wallet", rec.SmartWalletAddress), slog.Any("error", err))
		}
	}
	logger.Audit().Info("代理密钥已停用", slog.String("key_id", id), slog.String("user", rec.UserAddress))
	return nil
}

// GetByWallet 通过钱包指针查找当前有效的密钥，并在指针失效时修复索引。
func (s *Service) GetByWallet(ctx context.Context, wallet string) (*AgentKey, error) {
	wallet = NormalizeAddress(wallet)
	pointer, err := s.store.Get(ctx, WalletIndexKey(wallet))
	if err != nil {
		if stdErrors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	id := string(pointer)
	rec, err := s.load(ctx, id)
	switch {
	case err == nil && rec.IsActive && rec.SmartWalletAddress == wallet:
		return rec.view(), nil
	case err == nil:
		s.log.Info("钱包索引指向失效密钥，开始修复", slog.String("wallet", wallet), slog.String("key_id", id))
		repaired, repairErr := s.repointWallet(ctx, rec.UserAddress, wallet)
		if repairErr != nil {
			return nil, repairErr
		}
		if repaired == nil {
			return nil, ErrNotFound
		}
		return repaired.view(), nil
	case xerrors.CodeOf(err) == CodeNotFound:
		s.log.Info("钱包索引指向不存在的密钥，删除指针", slog.String("wallet", wallet), slog.String("key_id", id))
		if delErr := s.store.Delete(ctx, WalletIndexKey(wallet)); delErr != nil {
			return nil, delErr
		}
		return nil, ErrNotFound
	default:
		return nil, err
	}
}

// ListByUser 返回用户全部有效密钥，按创建时间倒序。
func (s *Service) ListByUser(ctx context.Context, userAddress string) ([]*AgentKey, error) {
	records, err := s.activeRecords(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	out := make([]*AgentKey, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.view())
	}
	return out, nil
}

func (s *Service) activeRecords(ctx context.Context, userAddress string) ([]*record, error) {
	indexKey := UserIndexKey(userAddress)
	ids, err := s.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	var records []*record
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if err != nil {
			if xerrors.CodeOf(err) == CodeNotFound {
				_ = s.store.SRem(ctx, indexKey, id)
				continue
			}
			return nil, err
		}
		if rec.IsActive {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// repointWallet 将钱包指针指向该用户最新的有效密钥，没有则删除指针。
func (s *Service) repointWallet(ctx context.Context, userAddress, wallet string) (*record, error) {
	records, err := s.activeRecords(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.SmartWalletAddress == wallet {
			return rec, s.store.Set(ctx, WalletIndexKey(wallet), []byte(rec.ID))
		}
	}
	return nil, s.store.Delete(ctx, WalletIndexKey(wallet))
}

func (s *Service) load(ctx context.Context, id string) (*record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	data, err := s.store.Get(ctx, RecordKey(id))
	if err != nil {
		if stdErrors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (*record, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, xerrors.Wrap(CodeCorruptRecord, err, "")
	}
	if rec.ID == "" || rec.EncryptedPrivateKey == "" {
		return nil, xerrors.New(CodeCorruptRecord, "agent key record is missing required fields")
	}
	return &rec, nil
}
