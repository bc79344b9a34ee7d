package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	xerrors "Model-Council/internal/errors"
)

// Mode 表示认证服务的工作模式。
type Mode string

const (
	// ModeDisabled 表示不做任何认证，所有请求直接放行。
	ModeDisabled Mode = "disabled"
	// ModeAPIKey 表示使用静态 API Key 做 Bearer 认证。
	ModeAPIKey Mode = "api_key"
)

const (
	CodeMissingToken xerrors.Code = "AUTH_MISSING_TOKEN"
	CodeInvalidToken xerrors.Code = "AUTH_INVALID_TOKEN"
)

var (
	// ErrMissingToken 表示请求没有携带凭证。
	ErrMissingToken = xerrors.New(CodeMissingToken, "missing bearer token")
	// ErrInvalidToken 表示携带的凭证无效。
	ErrInvalidToken = xerrors.New(CodeInvalidToken, "invalid bearer token")
)

func init() {
	xerrors.Register(CodeMissingToken, xerrors.Attributes{
		Message:   "missing bearer token",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidToken, xerrors.Attributes{
		Message:   "invalid bearer token",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Subject 表示通过认证的调用方。
type Subject struct {
	Key string
}

// Service 校验静态 API Key。没有配置任何 Key 时认证被禁用。
type Service struct {
	mode Mode
	keys []string
}

// NewService 根据配置的 Key 列表构建认证服务。
func NewService(keys []string) *Service {
	cleaned := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" {
			cleaned = append(cleaned, key)
		}
	}
	mode := ModeAPIKey
	if len(cleaned) == 0 {
		mode = ModeDisabled
	}
	return &Service{mode: mode, keys: cleaned}
}

// Mode 返回当前工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断认证是否生效。
func (s *Service) Enabled() bool {
	return s.Mode() == ModeAPIKey
}

// AuthenticateRequest 校验形如 "Bearer <key>" 的 Authorization 头。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return &Subject{}, nil
	}
	token := strings.TrimSpace(authorization)
	if token == "" {
		return nil, ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(token, prefix) {
		return nil, ErrInvalidToken
	}
	token = strings.TrimSpace(strings.TrimPrefix(token, prefix))
	if token == "" {
		return nil, ErrMissingToken
	}
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return &Subject{Key: token}, nil
		}
	}
	return nil, ErrInvalidToken
}
