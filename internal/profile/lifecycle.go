package profile

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lk2023060901/garden-profile-go/internal/transport"
	"github.com/lk2023060901/garden-profile-go/pkg/log"
	"github.com/lk2023060901/garden-profile-go/pkg/util/conc"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
	"github.com/lk2023060901/garden-profile-go/pkg/util/typeutil"
)

const defaultConnectWorkerNum = 64

// LifecycleManager 将会话的接入/断开事件映射为档案的借出与释放。
//
// 职责说明：
//   - 状态机：Disconnected → Loading → Active → Releasing → Disconnected；
//   - 接入事件在协程池上调度，后端加载阻塞不会拖住接入循环；
//   - 加载失败直接踢下线，不做重试；
//   - 接入在途期间（排队、加载中、绑定前）到达的断开被记住，
//     借出一结束立即释放，不留孤儿 checkout；
//   - 释放期间的重连严格串行在释放之后（由 Store 保证）。
//
// connecting 从 OnConnect 提交起置位、绑定完成或接入失败时清除，
// 覆盖 Store 尚无条目（任务仍在排队）与条目已 Active（绑定未完成）两段窗口。
type LifecycleManager struct {
	store *Store
	pool  *conc.Pool[*Handle]
	sf    singleflight.Group

	mu         sync.Mutex
	sessions   map[string]transport.Session
	connecting typeutil.Set[string]
	pending    typeutil.Set[string]
}

func NewLifecycleManager(store *Store, workerNum int) *LifecycleManager {
	if workerNum <= 0 {
		workerNum = defaultConnectWorkerNum
	}
	return &LifecycleManager{
		store:      store,
		pool:       conc.NewPool[*Handle](workerNum, conc.WithConcealPanic(true)),
		sessions:   make(map[string]transport.Session),
		connecting: typeutil.NewSet[string](),
		pending:    typeutil.NewSet[string](),
	}
}

// OnConnect 处理一次会话接入，返回借出结果的 Future。
// 实际的借出在协程池上执行，调用方可以立即返回接入循环。
func (m *LifecycleManager) OnConnect(ctx context.Context, sess transport.Session) *conc.Future[*Handle] {
	if identity := sess.Identity(); identity != "" {
		// 从提交起即视为接入在途，断开无论何时到达都能被记住。
		m.mu.Lock()
		m.connecting.Insert(identity)
		m.mu.Unlock()
	}
	return m.pool.Submit(func() (*Handle, error) {
		return m.handleConnect(ctx, sess)
	})
}

func (m *LifecycleManager) handleConnect(ctx context.Context, sess transport.Session) (*Handle, error) {
	identity := sess.Identity()
	if identity == "" {
		_ = sess.Close()
		return nil, merr.WrapErrParameterMissing("identity", "session carries no identity")
	}

	// 同一身份并发的重复接入信号折叠为一次借出。
	v, err, _ := m.sf.Do(identity, func() (any, error) {
		return m.store.Acquire(ctx, identity)
	})
	if err != nil {
		m.mu.Lock()
		m.pending.Remove(identity)
		m.connecting.Remove(identity)
		delete(m.sessions, identity)
		m.mu.Unlock()

		// 加载失败：踢下线，不做重试。
		log.Warn("profile load failed, kicking session",
			zap.String("identity", identity),
			zap.Uint64("sessionID", sess.ID()),
			zap.Error(err))
		if cerr := sess.Close(); cerr != nil {
			log.Warn("failed to close session after load failure",
				zap.Uint64("sessionID", sess.ID()), zap.Error(cerr))
		}
		return nil, err
	}

	return m.attach(ctx, sess, v.(*Handle))
}

// attach 在借出成功后把会话绑定到句柄。
// 接入期间到达的断开（已记为待处理）与绑定前已被释放的句柄在此统一收尾，
// 绝不为已消失的会话登记条目。
func (m *LifecycleManager) attach(ctx context.Context, sess transport.Session, handle *Handle) (*Handle, error) {
	identity := sess.Identity()

	m.mu.Lock()
	wasPending := m.pending.Contain(identity)
	m.pending.Remove(identity)
	m.connecting.Remove(identity)
	if !wasPending && !handle.released.Load() {
		m.sessions[identity] = sess
		m.mu.Unlock()

		log.Info("session attached to profile",
			zap.String("identity", identity),
			zap.Uint64("sessionID", sess.ID()),
			zap.Int64("level", handle.Level()))
		return handle, nil
	}
	delete(m.sessions, identity)
	m.mu.Unlock()

	if wasPending {
		// 接入期间已经断开：立即释放。
		log.Info("disconnect arrived during connect, releasing immediately",
			zap.String("identity", identity))
		if rerr := m.store.Release(ctx, identity); rerr != nil {
			log.Warn("failed to release profile for vanished session",
				zap.String("identity", identity), zap.Error(rerr))
		}
	}
	return nil, merr.WrapErrSessionNotFound(identity, "disconnected during load")
}

// OnDisconnect 处理一次会话断开。
//
// 行为：
//   - 档案不存在时为无害的空操作（重复断开安全）；
//   - 接入仍在途（排队、加载中或尚未完成绑定）时记为待处理，
//     借出一结束立即释放；
//   - 其余情况统一汇入 Store 的释放路径。
func (m *LifecycleManager) OnDisconnect(ctx context.Context, identity string) error {
	if identity == "" {
		return merr.WrapErrParameterMissing("identity")
	}

	m.mu.Lock()
	if m.connecting.Contain(identity) {
		m.pending.Insert(identity)
		m.mu.Unlock()
		log.Info("disconnect while connect in flight, deferred",
			zap.String("identity", identity))
		return nil
	}
	delete(m.sessions, identity)
	m.mu.Unlock()

	return m.store.Release(ctx, identity)
}

// Kick 强制断开 identity 的当前会话并释放档案。
func (m *LifecycleManager) Kick(ctx context.Context, identity string) error {
	m.mu.Lock()
	sess, ok := m.sessions[identity]
	delete(m.sessions, identity)
	m.mu.Unlock()

	if !ok {
		return merr.WrapErrSessionNotFound(identity)
	}

	log.Info("kicking session",
		zap.String("identity", identity), zap.Uint64("sessionID", sess.ID()))
	if err := sess.Close(); err != nil {
		log.Warn("failed to close kicked session",
			zap.Uint64("sessionID", sess.ID()), zap.Error(err))
	}
	return m.store.Release(ctx, identity)
}

// Session 查找 identity 当前绑定的会话。
func (m *LifecycleManager) Session(identity string) (transport.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[identity]
	return sess, ok
}

// Close 关闭接入协程池，等待在途接入处理完成。
func (m *LifecycleManager) Close() {
	m.pool.Release()
}
