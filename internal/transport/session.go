package transport

import (
	"context"
)

// Session 抽象了一条玩家会话。
//
// 约定：
//   - 每个 Session 对应一条底层连接（例如一个 TCP 连接或 WebSocket 会话）。
//   - Session ID 使用 64 位无符号整型，在框架内应保持全局唯一。
//   - 生命周期管理层只关心会话的身份与关闭语义，不关心底层网络细节。
type Session interface {
	// ID 返回该会话在框架内的全局唯一标识。
	ID() uint64

	// Identity 返回该会话绑定的玩家身份（账号/角色唯一键）。
	//
	// 说明：
	//   - 身份由接入层在鉴权完成后写入；
	//   - 同一身份同一时刻至多对应一条 Active 会话。
	Identity() string

	// Context 返回与该会话关联的上下文。
	//
	// 说明：
	//   - 可用于级联取消：当会话关闭时，应触发 Context.Done()。
	Context() context.Context

	// Close 主动关闭该会话。
	//
	// 说明：
	//   - 应关闭底层连接，并触发 Context 的取消。
	//   - 多次调用应是幂等的：对已关闭的会话再次调用 Close 不应引发 panic。
	Close() error
}
