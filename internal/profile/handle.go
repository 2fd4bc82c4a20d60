package profile

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/garden-profile-go/internal/replica"
	"github.com/lk2023060901/garden-profile-go/internal/storage"
	"github.com/lk2023060901/garden-profile-go/pkg/metrics"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

// Handle 是某个玩家档案在会话期间的独占句柄。
//
// 职责说明：
//   - 持有权威记录与复制视图，所有变更经由句柄串行执行；
//   - 变更之间、变更与释放之间通过内部互斥锁串行化；
//   - 释放后的句柄拒绝一切变更（merr.ErrProfileReleased），绝不静默丢写。
type Handle struct {
	identity string
	view     replica.View
	revoked  <-chan storage.RevokeReason

	mu       sync.Mutex
	record   *Record
	released *atomic.Bool
}

func newHandle(identity string, record *Record, view replica.View, revoked <-chan storage.RevokeReason) *Handle {
	return &Handle{
		identity: identity,
		record:   record,
		view:     view,
		revoked:  revoked,
		released: atomic.NewBool(false),
	}
}

// Identity 返回句柄绑定的玩家身份。
func (h *Handle) Identity() string {
	return h.identity
}

// View 返回句柄关联的复制视图。
func (h *Handle) View() replica.View {
	return h.view
}

// Level 返回当前等级。
func (h *Handle) Level() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.Level
}

// Experience 返回当前等级内的经验值。
func (h *Handle) Experience() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.Experience
}

// Coins 返回当前金币余额。
func (h *Handle) Coins() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.Coins
}

// Snapshot 返回权威记录的拷贝。
func (h *Handle) Snapshot() *Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.Clone()
}

// UpdateExperience 投放 delta 经验，可能触发连续升级。
//
// 行为：
//   - 负的 delta 作为参数错误拒绝；
//   - 经验（以及升级时的等级）写入记录后同步写入视图。
func (h *Handle) UpdateExperience(delta int64) error {
	if delta < 0 {
		metrics.Mutations.WithLabelValues("update_experience", "rejected").Inc()
		return merr.WrapErrParameterInvalid(int64(0), delta, "experience delta must be non-negative")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released.Load() {
		metrics.Mutations.WithLabelValues("update_experience", "rejected").Inc()
		return merr.WrapErrProfileReleased(h.identity)
	}

	level, experience := ApplyExperience(h.record.Level, h.record.Experience, delta)
	if level != h.record.Level {
		h.record.Level = level
		h.view.SetField("level", level)
	}
	h.record.Experience = experience
	h.view.SetField("experience", experience)
	h.record.UpdatedAt = time.Now()

	metrics.Mutations.WithLabelValues("update_experience", "ok").Inc()
	return nil
}

// AddCoins 增加金币。负的 v 作为参数错误拒绝。
func (h *Handle) AddCoins(v int64) error {
	if v < 0 {
		metrics.Mutations.WithLabelValues("add_coins", "rejected").Inc()
		return merr.WrapErrParameterInvalid(int64(0), v, "coin amount must be non-negative")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released.Load() {
		metrics.Mutations.WithLabelValues("add_coins", "rejected").Inc()
		return merr.WrapErrProfileReleased(h.identity)
	}

	h.record.Coins += v
	h.view.SetField("coins", h.record.Coins)
	h.record.UpdatedAt = time.Now()

	metrics.Mutations.WithLabelValues("add_coins", "ok").Inc()
	return nil
}

// RemoveCoins 扣减金币。
//
// 行为：
//   - 负的 v 作为参数错误拒绝；
//   - 余额不足时返回 merr.ErrCoinInsufficient，状态保持不变。
func (h *Handle) RemoveCoins(v int64) error {
	if v < 0 {
		metrics.Mutations.WithLabelValues("remove_coins", "rejected").Inc()
		return merr.WrapErrParameterInvalid(int64(0), v, "coin amount must be non-negative")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released.Load() {
		metrics.Mutations.WithLabelValues("remove_coins", "rejected").Inc()
		return merr.WrapErrProfileReleased(h.identity)
	}
	if h.record.Coins < v {
		metrics.Mutations.WithLabelValues("remove_coins", "rejected").Inc()
		return merr.WrapErrCoinInsufficient(h.record.Coins, v)
	}

	h.record.Coins -= v
	h.view.SetField("coins", h.record.Coins)
	h.record.UpdatedAt = time.Now()

	metrics.Mutations.WithLabelValues("remove_coins", "ok").Inc()
	return nil
}

// markReleased 将句柄置为已释放。
// 获取互斥锁保证存量变更先行落盘，返回后不再有新的写入。
func (h *Handle) markReleased() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released.Store(true)
}

// seedView 将记录的全部复制字段写入视图（加载成功后调用一次）。
func (h *Handle) seedView() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.view.SetField("level", h.record.Level)
	h.view.SetField("experience", h.record.Experience)
	h.view.SetField("coins", h.record.Coins)
}
