package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"strings"

	"AgentDCA/pkg/logger"
)

// Mode 指定认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config 描述静态令牌。空令牌不会被接受。
type Config struct {
	OperatorToken string
	ReadOnlyToken string
}

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验运维接口的 Bearer 令牌。
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService 构造认证服务。未配置任何令牌时以 ModeDisabled 运行。
func NewService(cfg Config) *Service {
	svc := &Service{mode: ModeDisabled, audit: logger.Audit()}
	svc.add(cfg.OperatorToken, Subject{
		Name:        "operator",
		Permissions: []string{PermOrdersRead, PermOrdersWrite, PermKeysWrite, PermMaintenance},
	})
	svc.add(cfg.ReadOnlyToken, Subject{Name: "readonly", Permissions: []string{PermOrdersRead}})
	if len(svc.credentials) > 0 {
		svc.mode = ModeToken
	}
	return svc
}

func (s *Service) add(token string, subject Subject) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	s.credentials = append(s.credentials, credential{digest: sha256.Sum256([]byte(token)), subject: subject})
}

// Mode 返回当前工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(header string) (*Subject, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return nil, ErrMissingToken
	}
	if len(token) < 7 || !strings.EqualFold(token[:7], "bearer ") {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token[7:])))

	var match *Subject
	for i := range s.credentials {
		// 遍历全部凭据，耗时与匹配位置无关。
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 {
			subject := s.credentials[i].subject
			match = &subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	match.normalise()
	return match, nil
}
