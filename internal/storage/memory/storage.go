package memory

import (
	"context"
	"sync"

	"github.com/lk2023060901/garden-profile-go/internal/storage"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

// Storage 是基于内存 map 的 Backend 实现。
//
// 说明：
//   - 主要用于单进程部署、示例和测试；
//   - 所有权仅在进程内有效，ForceRevoke 可模拟外部接管。
type Storage struct {
	mu        sync.RWMutex
	records   map[string][]byte
	checkouts map[string]chan storage.RevokeReason
	closed    bool
}

var _ storage.Backend = (*Storage)(nil)

func NewStorage() *Storage {
	return &Storage{
		records:   make(map[string][]byte),
		checkouts: make(map[string]chan storage.RevokeReason),
	}
}

// Load 借出 key 对应的档案。
// 同一 key 未释放前再次 Load 返回 merr.ErrProfileAlreadyCheckedOut。
func (s *Storage) Load(ctx context.Context, key string) (*storage.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, merr.WrapErrServiceUnavailable("memory storage closed")
	}
	if _, ok := s.checkouts[key]; ok {
		return nil, merr.WrapErrProfileAlreadyCheckedOut(key)
	}

	revoked := make(chan storage.RevokeReason, 1)
	s.checkouts[key] = revoked

	var data []byte
	if raw, ok := s.records[key]; ok {
		data = make([]byte, len(raw))
		copy(data, raw)
	}

	return &storage.Checkout{
		Data:    data,
		Revoked: revoked,
	}, nil
}

// Save 覆盖写入档案内容。仅允许当前 checkout 持有者调用。
func (s *Storage) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return merr.WrapErrServiceUnavailable("memory storage closed")
	}
	if _, ok := s.checkouts[key]; !ok {
		return merr.WrapErrProfileRevoked(key, "checkout not held")
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	s.records[key] = stored
	return nil
}

// Release 归还 checkout。幂等：未借出的 key 直接返回 nil。
func (s *Storage) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked, ok := s.checkouts[key]
	if !ok {
		return nil
	}
	delete(s.checkouts, key)
	close(revoked)
	return nil
}

// Close 关闭存储，向所有存活 checkout 发出 closed 通知。
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for key, revoked := range s.checkouts {
		revoked <- storage.RevokeReasonClosed
		close(revoked)
		delete(s.checkouts, key)
	}
	return nil
}

// ForceRevoke 模拟外部接管：收回 key 的 checkout 并通知持有方。
// 返回 false 表示该 key 当前没有存活的 checkout。
func (s *Storage) ForceRevoke(key string, reason storage.RevokeReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked, ok := s.checkouts[key]
	if !ok {
		return false
	}
	delete(s.checkouts, key)
	revoked <- reason
	close(revoked)
	return true
}
