package redis

import "fmt"

// 所有键统一使用 garden 前缀。
const keyPrefix = "garden"

// recordKey 返回档案内容对应的 Redis 键。
func recordKey(key string) string {
	return fmt.Sprintf("%s:profile:%s", keyPrefix, key)
}

// checkoutKey 返回 checkout 所有权标记对应的 Redis 键。
func checkoutKey(key string) string {
	return fmt.Sprintf("%s:checkout:%s", keyPrefix, key)
}
