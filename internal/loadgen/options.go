package loadgen

import (
	"time"

	"go.uber.org/zap"
)

// Option 是用于配置压测运行器的函数选项
type Option func(*Config)

// Config 包含压测运行器的所有配置选项
type Config struct {
	// 并发工作协程数
	workers int
	// 每个协程执行的轮数，0 表示只受 duration 限制
	iterations int
	// 运行总时长上限，0 表示只受 iterations 限制
	duration time.Duration
	// 两轮之间的随机停顿区间
	thinkMin time.Duration
	thinkMax time.Duration

	logger *zap.Logger
}

// DefaultConfig 返回压测运行器的默认配置
func DefaultConfig() Config {
	return Config{
		workers:    4,
		iterations: 5,
		thinkMin:   10 * time.Millisecond,
		thinkMax:   50 * time.Millisecond,
	}
}

// WithWorkers 设置并发工作协程数
func WithWorkers(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithIterations 设置每个协程执行的轮数
func WithIterations(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.iterations = n
		}
	}
}

// WithDuration 设置运行总时长上限
func WithDuration(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.duration = d
		}
	}
}

// WithThinkTime 设置两轮之间随机停顿的区间，传入 0, 0 关闭停顿
func WithThinkTime(minWait, maxWait time.Duration) Option {
	return func(c *Config) {
		if minWait >= 0 && maxWait >= minWait {
			c.thinkMin = minWait
			c.thinkMax = maxWait
		}
	}
}

// WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		c.logger = l
	}
}
