package redis

import "time"

// Config 为 Redis 后端的连接与租约行为配置。
type Config struct {
	// URL 为 Redis 连接串（例如 redis://localhost:6379）。
	URL string `mapstructure:"url" json:"url,omitempty"`

	// 连接池配置。
	PoolSize     int `mapstructure:"poolSize" json:"poolSize,omitempty"`
	MinIdleConns int `mapstructure:"minIdleConns" json:"minIdleConns,omitempty"`

	// CheckoutTTL 为 checkout 键的过期时间。
	// 持有方崩溃后最多经过该时长，档案即可被其他节点借出。
	CheckoutTTL time.Duration `mapstructure:"checkoutTTL" json:"checkoutTTL,omitempty"`

	// KeepaliveInterval 为续租间隔，应明显小于 CheckoutTTL。
	KeepaliveInterval time.Duration `mapstructure:"keepaliveInterval" json:"keepaliveInterval,omitempty"`
}

// DefaultConfig 返回 Redis 后端的默认配置。
func DefaultConfig() Config {
	return Config{
		URL:               "redis://localhost:6379",
		PoolSize:          10,
		MinIdleConns:      2,
		CheckoutTTL:       30 * time.Second,
		KeepaliveInterval: 10 * time.Second,
	}
}
