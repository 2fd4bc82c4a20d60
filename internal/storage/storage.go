package storage

import (
	"context"
)

// RevokeReason 描述后端收回一次 checkout 的原因。
type RevokeReason string

const (
	// RevokeReasonTakeover 表示另一节点抢占了该档案的所有权。
	RevokeReasonTakeover RevokeReason = "takeover"
	// RevokeReasonLeaseLost 表示与后端的租约/心跳失效。
	RevokeReasonLeaseLost RevokeReason = "lease_lost"
	// RevokeReasonClosed 表示后端主动关闭。
	RevokeReasonClosed RevokeReason = "closed"
)

// Checkout 表示一次成功的独占借出。
//
// 说明：
//   - Data 为后端存储的序列化档案内容，可能为 nil（档案首次创建）；
//   - Revoked 为一次性通知通道：后端失去所有权时写入原因并关闭，
//     持有方收到通知后必须走释放流程，不得继续写入。
type Checkout struct {
	Data    []byte
	Revoked <-chan RevokeReason
}

// Backend 抽象档案的持久化与独占借出。
//
// 职责说明：
//   - 后端只搬运不透明的字节序列，不理解档案结构；
//   - Load 在获得独占所有权后返回 Checkout；同一 key 未释放前再次 Load
//     应返回 merr.ErrProfileAlreadyCheckedOut（除非后端语义是抢占式接管）；
//   - Release 必须幂等：对未借出或已释放的 key 调用返回 nil。
type Backend interface {
	// Load 借出 key 对应的档案，取得独占所有权。
	Load(ctx context.Context, key string) (*Checkout, error)

	// Save 覆盖写入 key 对应的档案内容。
	//
	// 要求：
	//   - 仅允许当前 checkout 的持有者调用；
	//   - 所有权已被收回时应返回 merr.ErrProfileRevoked。
	Save(ctx context.Context, key string, data []byte) error

	// Release 归还 key 对应的 checkout。幂等。
	Release(ctx context.Context, key string) error

	// Close 关闭后端，释放连接等资源。
	Close() error
}
