package profile

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-profile-go/internal/replica"
	"github.com/lk2023060901/garden-profile-go/internal/storage"
	"github.com/lk2023060901/garden-profile-go/pkg/log"
	"github.com/lk2023060901/garden-profile-go/pkg/metrics"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

// State 为档案条目的生命周期状态。
type State int32

const (
	// StateLoading 表示档案正在从后端借出。
	StateLoading State = iota + 1
	// StateActive 表示档案加载完成，句柄可用。
	StateActive
	// StateReleasing 表示档案正在释放。
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "Loading"
	case StateActive:
		return "Active"
	case StateReleasing:
		return "Releasing"
	default:
		return "Unknown"
	}
}

// entry 为单个身份在注册表中的条目。
// done 在条目被移除（释放完成或加载失败）时关闭。
type entry struct {
	state  State
	handle *Handle
	done   chan struct{}
}

// StoreConfig 为 Store 的行为配置。
type StoreConfig struct {
	// BackendName 为指标中的后端标签（memory/redis/etcd）。
	BackendName string `mapstructure:"backendName" json:"backendName,omitempty"`

	// LoadTimeout 为单次档案加载的时间上限，超时视为一次加载失败。
	LoadTimeout time.Duration `mapstructure:"loadTimeout" json:"loadTimeout,omitempty"`
}

// DefaultStoreConfig 返回 Store 的默认配置。
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		BackendName: "memory",
		LoadTimeout: 10 * time.Second,
	}
}

// Store 维护身份到档案句柄的注册表。
//
// 职责说明：
//   - 同一身份的借出/释放严格串行，不同身份完全并行；
//   - 任一时刻同一身份至多存在一个存活句柄（被抢占前）；
//   - 释放恰好执行一次：断线与后端收回汇入同一条释放路径。
type Store struct {
	cfg     StoreConfig
	backend storage.Backend
	hub     *replica.Hub

	mu      sync.Mutex
	entries map[string]*entry
}

func NewStore(cfg StoreConfig, backend storage.Backend, hub *replica.Hub) *Store {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultStoreConfig().LoadTimeout
	}
	return &Store{
		cfg:     cfg,
		backend: backend,
		hub:     hub,
		entries: make(map[string]*entry),
	}
}

// Acquire 为 identity 借出档案并返回独占句柄。
//
// 行为：
//   - 条目处于 Loading/Active 时并发的第二次 Acquire 直接失败
//     （merr.ErrProfileAlreadyCheckedOut）；
//   - 条目处于 Releasing 时等待释放完成后重试，重连严格串行在释放之后；
//   - 加载在 LoadTimeout 限定内完成，失败时注册表不留任何残余。
func (s *Store) Acquire(ctx context.Context, identity string) (*Handle, error) {
	if identity == "" {
		return nil, merr.WrapErrParameterMissing("identity")
	}

	var e *entry
	for e == nil {
		s.mu.Lock()
		cur, ok := s.entries[identity]
		if !ok {
			e = &entry{state: StateLoading, done: make(chan struct{})}
			s.entries[identity] = e
			s.mu.Unlock()
			break
		}
		if cur.state != StateReleasing {
			s.mu.Unlock()
			return nil, merr.WrapErrProfileAlreadyCheckedOut(identity,
				"state "+cur.state.String())
		}
		done := cur.done
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	handle, err := s.load(ctx, identity)
	if err != nil {
		s.mu.Lock()
		if cur, ok := s.entries[identity]; ok && cur == e {
			delete(s.entries, identity)
		}
		s.mu.Unlock()
		close(e.done)
		return nil, err
	}

	s.mu.Lock()
	e.handle = handle
	e.state = StateActive
	s.mu.Unlock()

	metrics.LiveHandles.WithLabelValues(s.cfg.BackendName).Inc()

	go s.watchRevoke(identity, handle.revoked)
	return handle, nil
}

// load 执行一次后端借出、解码与规整。
func (s *Store) load(ctx context.Context, identity string) (*Handle, error) {
	start := time.Now()

	loadCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	checkout, err := s.backend.Load(loadCtx, identity)
	cancel()
	if err != nil {
		s.observeLoad(start, "backend")
		return nil, merr.WrapErrProfileLoadFailed(identity, err)
	}

	record := NewRecord()
	if checkout.Data != nil {
		record, err = UnmarshalRecord(checkout.Data)
		if err != nil {
			s.abortCheckout(identity)
			s.observeLoad(start, "decode")
			return nil, merr.WrapErrProfileLoadFailed(identity, err)
		}
	}
	if err := record.Reconcile(); err != nil {
		s.abortCheckout(identity)
		s.observeLoad(start, "schema")
		return nil, merr.WrapErrProfileLoadFailed(identity, err)
	}

	handle := newHandle(identity, record, s.hub.NewView(identity), checkout.Revoked)
	handle.seedView()

	metrics.LoadDuration.WithLabelValues(s.cfg.BackendName, "ok").
		Observe(float64(time.Since(start).Milliseconds()))
	log.Info("profile loaded",
		zap.String("identity", identity),
		zap.Int64("level", record.Level),
		zap.Duration("cost", time.Since(start)))
	return handle, nil
}

// observeLoad 记录一次失败加载的指标。
func (s *Store) observeLoad(start time.Time, reason string) {
	metrics.LoadDuration.WithLabelValues(s.cfg.BackendName, "fail").
		Observe(float64(time.Since(start).Milliseconds()))
	metrics.LoadFailures.WithLabelValues(s.cfg.BackendName, reason).Inc()
}

// abortCheckout 在加载中途失败时归还已占用的 checkout。
func (s *Store) abortCheckout(identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.backend.Release(ctx, identity); err != nil {
		log.Warn("failed to return checkout after aborted load",
			zap.String("identity", identity), zap.Error(err))
	}
}

// watchRevoke 消费后端的收回通知，汇入统一的释放路径。
func (s *Store) watchRevoke(identity string, revoked <-chan storage.RevokeReason) {
	if revoked == nil {
		return
	}
	reason, ok := <-revoked
	if !ok || reason == "" {
		// 正常释放路径的静默关闭。
		return
	}

	metrics.Revocations.WithLabelValues(s.cfg.BackendName, string(reason)).Inc()
	log.Warn("profile checkout revoked by backend",
		zap.String("identity", identity),
		zap.String("reason", string(reason)))

	if err := s.Release(context.Background(), identity); err != nil {
		log.Warn("failed to release revoked profile",
			zap.String("identity", identity), zap.Error(err))
	}
}

// Release 释放 identity 的档案。
//
// 行为：
//   - 条目不存在时为无害的空操作（重复释放安全）；
//   - 并发的第二次 Release 等待第一次完成后返回；
//   - 先封句柄（排干在途变更），再写回并归还后端，最后清视图、摘条目。
func (s *Store) Release(ctx context.Context, identity string) error {
	s.mu.Lock()
	e, ok := s.entries[identity]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	switch e.state {
	case StateLoading:
		s.mu.Unlock()
		return merr.WrapErrProfileNotLoaded(identity, "release while loading")
	case StateReleasing:
		done := e.done
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.state = StateReleasing
	handle := e.handle
	s.mu.Unlock()

	handle.markReleased()

	// 写回最终状态。接管已经发生时后端拒绝写入，容忍之。
	if data, err := handle.Snapshot().Marshal(); err != nil {
		log.Error("failed to encode profile record on release",
			zap.String("identity", identity), zap.Error(err))
	} else if err := s.backend.Save(ctx, identity, data); err != nil {
		if errors.Is(err, merr.ErrProfileRevoked) {
			log.Warn("skip final save, checkout already revoked",
				zap.String("identity", identity))
		} else {
			log.Error("failed to save profile record on release",
				zap.String("identity", identity), zap.Error(err))
		}
	}

	if err := s.backend.Release(ctx, identity); err != nil {
		log.Warn("backend release failed",
			zap.String("identity", identity), zap.Error(err))
	}

	handle.View().Clear()

	s.mu.Lock()
	delete(s.entries, identity)
	s.mu.Unlock()
	close(e.done)

	metrics.LiveHandles.WithLabelValues(s.cfg.BackendName).Dec()
	log.Info("profile released", zap.String("identity", identity))
	return nil
}

// Lookup 查找 identity 的存活句柄。
// 只返回 Active 条目，绝不返回构建中的句柄，绝不阻塞。
func (s *Store) Lookup(identity string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identity]
	if !ok || e.state != StateActive {
		return nil, false
	}
	return e.handle, true
}

// State 返回 identity 当前的生命周期状态。
func (s *Store) State(identity string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identity]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// IsActive 返回 (是否存在档案条目, 是否已加载完成)。
//   - (false, false)：无条目；
//   - (true, false) ：Loading 或 Releasing；
//   - (true, true)  ：Active。
func (s *Store) IsActive(identity string) (bool, bool) {
	state, ok := s.State(identity)
	if !ok {
		return false, false
	}
	return true, state == StateActive
}

// Count 返回当前注册表中的条目数量。
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close 释放所有存活档案。
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	identities := lo.Keys(s.entries)
	s.mu.Unlock()

	errs := make([]error, 0, len(identities))
	for _, identity := range identities {
		if err := s.Release(ctx, identity); err != nil {
			errs = append(errs, err)
		}
	}
	return merr.Combine(errs...)
}
