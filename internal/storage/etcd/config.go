package etcd

import "time"

// Config 为 etcd 后端的连接与租约行为配置。
type Config struct {
	// Endpoints 为 etcd 集群地址列表。
	Endpoints []string `mapstructure:"endpoints" json:"endpoints,omitempty"`

	// RootPath 为所有键的公共前缀。
	RootPath string `mapstructure:"rootPath" json:"rootPath,omitempty"`

	// CheckoutTTL 为 checkout 租约的 TTL（秒）。
	// 持有方崩溃后最多经过该时长，档案即可被其他节点借出。
	CheckoutTTL int64 `mapstructure:"checkoutTTL" json:"checkoutTTL,omitempty"`

	// DialTimeout 为建立客户端连接的超时时间。
	DialTimeout time.Duration `mapstructure:"dialTimeout" json:"dialTimeout,omitempty"`
}

// DefaultConfig 返回 etcd 后端的默认配置。
func DefaultConfig() Config {
	return Config{
		Endpoints:   []string{"localhost:2379"},
		RootPath:    "garden-profile",
		CheckoutTTL: 30,
		DialTimeout: 5 * time.Second,
	}
}
