package workflow

import (
	"context"
	"errors"
	"math"
	"time"
)

// 重试默认值
const (
	DefaultBackoffMultiplier = 2.0
	DefaultMaxBackoff        = 30 * time.Second
)

// RetryPolicy 步骤重试策略。
// MaxRetries 为首次执行之后的额外尝试次数，0 表示不重试。
type RetryPolicy struct {
	MaxRetries        int     `mapstructure:"maxRetries" json:"maxRetries"`
	BackoffMs         int     `mapstructure:"backoffMs" json:"backoffMs"`
	BackoffMultiplier float64 `mapstructure:"backoffMultiplier" json:"backoffMultiplier,omitempty"`
	MaxBackoffMs      int     `mapstructure:"maxBackoffMs" json:"maxBackoffMs,omitempty"`
}

// Delay 返回第 attempt 次重试（从 0 开始）前的等待时间：
// backoffMs × multiplier^attempt，不超过 maxBackoffMs。
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BackoffMs <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = DefaultBackoffMultiplier
	}
	maxDelay := DefaultMaxBackoff
	if p.MaxBackoffMs > 0 {
		maxDelay = time.Duration(p.MaxBackoffMs) * time.Millisecond
	}

	ms := float64(p.BackoffMs) * math.Pow(mult, float64(attempt))
	if math.IsInf(ms, 0) || ms > float64(maxDelay/time.Millisecond) {
		return maxDelay
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// retryable 上下文错误不重试
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// retryDo 按策略执行 fn，返回结果、尝试次数与最后一次错误。
// onRetry 在每次等待之前调用。
func retryDo(
	ctx context.Context,
	policy RetryPolicy,
	fn func() (any, error),
	onRetry func(attempt int, err error, delay time.Duration),
) (any, int, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, attempt + 1, nil
		}
		lastErr = err
		if attempt >= policy.MaxRetries || !retryable(err) || ctx.Err() != nil {
			return nil, attempt + 1, lastErr
		}

		delay := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}
		if err := sleepContext(ctx, delay); err != nil {
			return nil, attempt + 1, err
		}
	}
}

// sleepContext 等待 d 或 ctx 结束
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
