// Package retry 封装交易所调用的有界重试策略。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted 重试次数用尽
var ErrExhausted = errors.New("retry attempts exhausted")

// Decision 由分类函数决定某个错误如何处理
type Decision int

const (
	// Abort 不重试，直接返回错误
	Abort Decision = iota
	// Retry 立即重试
	Retry
	// Backoff 等待后重试
	Backoff
)

// Sleeper 可注入的等待函数，测试中替换为不睡眠的实现
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy 有界重试策略。Delay 为首次等待时长，Multiplier>1 时指数增长直到 MaxDelay。
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Sleep       Sleeper
	// OnRetry 每次重试前回调（日志/指标）
	OnRetry func(attempt int, err error)
}

// SleepContext 默认等待实现，ctx 取消时提前返回
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do 执行 fn，按 classify 的结果重试。
// 返回 fn 最后一次的错误；次数用尽时返回包装了 ErrExhausted 的错误，原错误仍可通过 errors.Is/As 匹配。
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, classify func(error) Decision) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	delay := p.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return fmt.Errorf("%w (last error: %v)", ctxErr, err)
			}
			return ctxErr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		decision := Abort
		if classify != nil {
			decision = classify(err)
		}
		if decision == Abort {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if decision == Backoff {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return fmt.Errorf("%w (last error: %v)", sleepErr, err)
			}
			delay = p.next(delay)
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return d
	}
	n := time.Duration(float64(d) * p.Multiplier)
	if p.MaxDelay > 0 && n > p.MaxDelay {
		n = p.MaxDelay
	}
	return n
}

// ExhaustedError 携带最后一次失败原因
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Err} }
