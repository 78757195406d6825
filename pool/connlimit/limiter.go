// Package connlimit 限制连接池建立新连接的速率，
// 避免在连接风暴或故障恢复时压垮数据库。
package connlimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrLimitExceeded 表示在最大等待时间内没有拿到建立连接的许可
	ErrLimitExceeded = errors.New("connect rate limit exceeded")

	// ErrInvalidLimit 表示限流参数无效
	ErrInvalidLimit = errors.New("invalid connect rate limit")
)

// DefaultMaxWait 是等待许可的默认最长时间
const DefaultMaxWait = 5 * time.Second

// Limiter 控制是否允许建立新连接
type Limiter interface {
	// Allow 不等待地检查是否允许建立新连接
	Allow() bool

	// Wait 等待直到允许建立新连接，超过最大等待时间或 ctx 结束时返回错误
	Wait(ctx context.Context) error
}

// TokenBucket 使用令牌桶限制每秒建立的连接数
type TokenBucket struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// Option 配置限流器
type Option func(*settings)

type settings struct {
	maxWait time.Duration
}

// WithMaxWait 设置等待许可的最长时间，0 表示只受 ctx 限制
func WithMaxWait(d time.Duration) Option {
	return func(s *settings) {
		s.maxWait = d
	}
}

func apply(opts []Option) settings {
	s := settings{maxWait: DefaultMaxWait}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// NewTokenBucket 创建一个令牌桶限流器。
// perSecond 是每秒允许建立的连接数，burst 是允许的突发连接数。
func NewTokenBucket(perSecond float64, burst int, opts ...Option) (*TokenBucket, error) {
	if perSecond <= 0 || burst < 1 {
		return nil, ErrInvalidLimit
	}
	s := apply(opts)
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		maxWait: s.maxWait,
	}, nil
}

// Allow 实现 Limiter 接口
func (l *TokenBucket) Allow() bool {
	return l.limiter.Allow()
}

// Wait 实现 Limiter 接口
func (l *TokenBucket) Wait(ctx context.Context) error {
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	if err := l.limiter.Wait(ctx); err != nil {
		// rate 在预计等待超过期限时直接返回错误，这里统一为限流错误
		if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrLimitExceeded
		}
		return err
	}
	return nil
}

// Window 使用滑动窗口限制一段时间内建立的连接数
type Window struct {
	mu      sync.Mutex
	size    time.Duration
	max     int
	stamps  []time.Time
	maxWait time.Duration
}

// NewWindow 创建一个滑动窗口限流器，size 时间内最多允许 max 次连接
func NewWindow(size time.Duration, max int, opts ...Option) (*Window, error) {
	if size <= 0 || max < 1 {
		return nil, ErrInvalidLimit
	}
	s := apply(opts)
	return &Window{
		size:    size,
		max:     max,
		stamps:  make([]time.Time, 0, max),
		maxWait: s.maxWait,
	}, nil
}

// trim 丢弃窗口外的记录，调用时必须持有锁
func (l *Window) trim(now time.Time) {
	start := now.Add(-l.size)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(start) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// reserve 尝试占用一个名额，失败时返回需要等待的时间
func (l *Window) reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.trim(now)
	if len(l.stamps) < l.max {
		l.stamps = append(l.stamps, now)
		return true, 0
	}
	return false, l.stamps[0].Add(l.size).Sub(now)
}

// Allow 实现 Limiter 接口
func (l *Window) Allow() bool {
	ok, _ := l.reserve()
	return ok
}

// Wait 实现 Limiter 接口
func (l *Window) Wait(ctx context.Context) error {
	var deadline time.Time
	if l.maxWait > 0 {
		deadline = time.Now().Add(l.maxWait)
	}

	for {
		ok, delay := l.reserve()
		if ok {
			return nil
		}
		if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
			return ErrLimitExceeded
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Chain 组合多个限流器，只有全部允许时才允许
type Chain []Limiter

// Allow 实现 Limiter 接口
func (c Chain) Allow() bool {
	for _, l := range c {
		if !l.Allow() {
			return false
		}
	}
	return true
}

// Wait 实现 Limiter 接口
func (c Chain) Wait(ctx context.Context) error {
	for _, l := range c {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
