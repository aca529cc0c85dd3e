// Package orchestrator 编排器配置
package orchestrator

import "time"

// Config 编排器配置
type Config struct {
	// ConsumerID Redis Streams 消费者标识（多副本部署时须唯一）
	ConsumerID string

	Redis    RedisConfig
	Fallback FallbackConfig
	Lease    LeaseConfig

	// DefaultRetryLimit 步骤未配置 retry_limit 时的默认重试次数
	DefaultRetryLimit int

	// AdvanceRetries 乐观锁冲突时的推进重试次数
	AdvanceRetries int
}

// RedisConfig Redis Streams 消费配置
type RedisConfig struct {
	ReadTimeout time.Duration
	ReadCount   int
}

// FallbackConfig 数据库保底轮询配置
//
// Redis 通知丢失时由保底轮询兜底：扫描长时间未推进的活跃实例。
type FallbackConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

// LeaseConfig Worker 租约回收配置
type LeaseConfig struct {
	ReapInterval time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ConsumerID: "orchestrator-default",
		Redis: RedisConfig{
			ReadTimeout: 5 * time.Second,
			ReadCount:   10,
		},
		Fallback: FallbackConfig{
			Interval:       time.Minute,
			StaleThreshold: time.Minute,
		},
		Lease: LeaseConfig{
			ReapInterval: 10 * time.Second,
		},
		DefaultRetryLimit: 3,
		AdvanceRetries:    3,
	}
}

// Validate 校验并填充默认值
func (c *Config) Validate() {
	if c.ConsumerID == "" {
		c.ConsumerID = "orchestrator-default"
	}
	if c.Redis.ReadTimeout <= 0 {
		c.Redis.ReadTimeout = 5 * time.Second
	}
	if c.Redis.ReadCount <= 0 {
		c.Redis.ReadCount = 10
	}
	if c.Fallback.Interval <= 0 {
		c.Fallback.Interval = time.Minute
	}
	if c.Fallback.StaleThreshold <= 0 {
		c.Fallback.StaleThreshold = time.Minute
	}
	if c.Lease.ReapInterval <= 0 {
		c.Lease.ReapInterval = 10 * time.Second
	}
	if c.DefaultRetryLimit <= 0 {
		c.DefaultRetryLimit = 3
	}
	if c.AdvanceRetries <= 0 {
		c.AdvanceRetries = 3
	}
}
