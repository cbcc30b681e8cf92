package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/types"
)

// Invocable 技能、代理与模式目标的统一调用接口
type Invocable interface {
	Invoke(ctx context.Context, input any, e *Engine) (any, error)
}

// SkillFunc 将函数适配为 Invocable
type SkillFunc func(ctx context.Context, input any, e *Engine) (any, error)

// Invoke 实现 Invocable
func (f SkillFunc) Invoke(ctx context.Context, input any, e *Engine) (any, error) {
	return f(ctx, input, e)
}

// Skill 已注册的技能
type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Invocable   `json:"-"`
}

// ============================================================
// 熔断
// ============================================================

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerConfig 熔断配置
type BreakerConfig struct {
	// MaxFailures 连续失败多少次后打开
	MaxFailures uint32 `yaml:"max_failures" json:"maxFailures"`
	// Timeout 打开状态持续多久后进入半开
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Interval 关闭状态下清零计数的周期
	Interval time.Duration `yaml:"interval" json:"interval"`
}

type breakerSkill struct {
	name    string
	inner   Invocable
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerSkill 用熔断器包装 Invocable。
// 熔断打开时快速失败，返回可重试的 CIRCUIT_OPEN 错误。
func NewBreakerSkill(name string, inner Invocable, cfg BreakerConfig, logger *zap.Logger) Invocable {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	log := logger.With(zap.String("component", "skill_breaker"), zap.String("skill", name))

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "skill:" + name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(breaker string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", breaker),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// 调用方取消不计入失败
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &breakerSkill{name: name, inner: inner, breaker: cb}
}

// Invoke 实现 Invocable
func (b *breakerSkill) Invoke(ctx context.Context, input any, e *Engine) (any, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Invoke(ctx, input, e)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, types.NewError(types.ErrCircuitOpen, fmt.Sprintf("skill %q circuit open", b.name)).
			WithCause(err).
			WithRetryable(true).
			WithSource(b.name)
	}
	return out, err
}
