package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/garden-profile-go/internal/replica"
	"github.com/lk2023060901/garden-profile-go/internal/storage"
	"github.com/lk2023060901/garden-profile-go/internal/storage/memory"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

// stubBackend 为可控的 Backend 测试替身：
// 可注入加载错误，可用门闩让 Load/Release 停在指定时刻。
type stubBackend struct {
	mu          sync.Mutex
	loadErr     error
	loadGate    chan struct{}
	releaseGate chan struct{}
	releases    int
}

func (b *stubBackend) Load(ctx context.Context, key string) (*storage.Checkout, error) {
	b.mu.Lock()
	gate := b.loadGate
	loadErr := b.loadErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return &storage.Checkout{}, nil
}

func (b *stubBackend) Save(ctx context.Context, key string, data []byte) error {
	return nil
}

func (b *stubBackend) Release(ctx context.Context, key string) error {
	b.mu.Lock()
	gate := b.releaseGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	b.releases++
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) Close() error { return nil }

func (b *stubBackend) releaseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releases
}

type StoreSuite struct {
	suite.Suite

	hub *replica.Hub
	ctx context.Context
}

func TestStore(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.hub = replica.NewHub(64)
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	s.hub.Close()
}

func (s *StoreSuite) newMemoryStore() (*Store, *memory.Storage) {
	backend := memory.NewStorage()
	store := NewStore(DefaultStoreConfig(), backend, s.hub)
	return store, backend
}

func (s *StoreSuite) TestAcquireReleaseRoundTrip() {
	store, _ := s.newMemoryStore()

	handle, err := store.Acquire(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal("alice", handle.Identity())
	s.EqualValues(1, handle.Level())

	s.NoError(handle.AddCoins(50))
	s.NoError(handle.RemoveCoins(20))
	s.NoError(store.Release(s.ctx, "alice"))

	// 重新借出读到写回后的最终状态。
	handle, err = store.Acquire(s.ctx, "alice")
	s.Require().NoError(err)
	s.EqualValues(30, handle.Coins())
	s.NoError(store.Release(s.ctx, "alice"))
}

func (s *StoreSuite) TestSecondAcquireFails() {
	store, _ := s.newMemoryStore()

	_, err := store.Acquire(s.ctx, "alice")
	s.Require().NoError(err)

	_, err = store.Acquire(s.ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileAlreadyCheckedOut)

	// 不同身份完全并行。
	_, err = store.Acquire(s.ctx, "bob")
	s.NoError(err)
}

func (s *StoreSuite) TestAcquireEmptyIdentity() {
	store, _ := s.newMemoryStore()
	_, err := store.Acquire(s.ctx, "")
	s.ErrorIs(err, merr.ErrParameterMissing)
}

func (s *StoreSuite) TestReleaseIdempotent() {
	store, backend := s.newMemoryStore()

	// 无条目时释放是无害的空操作。
	s.NoError(store.Release(s.ctx, "alice"))

	_, err := store.Acquire(s.ctx, "alice")
	s.Require().NoError(err)
	s.NoError(store.Release(s.ctx, "alice"))
	s.NoError(store.Release(s.ctx, "alice"))
	s.Equal(0, store.Count())

	// 后端侧同样可以安全地重复释放。
	s.NoError(backend.Release(s.ctx, "alice"))
}

func (s *StoreSuite) TestLoadFailureLeavesNoResidue() {
	backend := &stubBackend{loadErr: errors.New("backend down")}
	store := NewStore(DefaultStoreConfig(), backend, s.hub)

	_, err := store.Acquire(s.ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileLoadFailed)

	hasProfile, isLoaded := store.IsActive("alice")
	s.False(hasProfile)
	s.False(isLoaded)
	s.Equal(0, store.Count())

	// 故障恢复后可以重新借出。
	backend.mu.Lock()
	backend.loadErr = nil
	backend.mu.Unlock()
	_, err = store.Acquire(s.ctx, "alice")
	s.NoError(err)
}

func (s *StoreSuite) TestLoadTimeout() {
	backend := &stubBackend{loadGate: make(chan struct{})}
	cfg := DefaultStoreConfig()
	cfg.LoadTimeout = 50 * time.Millisecond
	store := NewStore(cfg, backend, s.hub)

	start := time.Now()
	_, err := store.Acquire(s.ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileLoadFailed)
	s.Less(time.Since(start), 5*time.Second)
	s.Equal(0, store.Count())
}

func (s *StoreSuite) TestIsActiveStates() {
	gate := make(chan struct{})
	backend := &stubBackend{loadGate: gate}
	store := NewStore(DefaultStoreConfig(), backend, s.hub)

	hasProfile, isLoaded := store.IsActive("alice")
	s.False(hasProfile)
	s.False(isLoaded)

	acquired := make(chan error, 1)
	go func() {
		_, err := store.Acquire(s.ctx, "alice")
		acquired <- err
	}()

	// Loading：有条目但未加载完成。
	s.Eventually(func() bool {
		hasProfile, isLoaded := store.IsActive("alice")
		return hasProfile && !isLoaded
	}, time.Second, 5*time.Millisecond)

	close(gate)
	s.NoError(<-acquired)

	hasProfile, isLoaded = store.IsActive("alice")
	s.True(hasProfile)
	s.True(isLoaded)
}

func (s *StoreSuite) TestAcquireWaitsForRelease() {
	releaseGate := make(chan struct{})
	backend := &stubBackend{releaseGate: releaseGate}
	store := NewStore(DefaultStoreConfig(), backend, s.hub)

	_, err := store.Acquire(s.ctx, "alice")
	s.Require().NoError(err)

	released := make(chan error, 1)
	go func() {
		released <- store.Release(s.ctx, "alice")
	}()

	// Releasing：有条目但未加载完成。
	s.Eventually(func() bool {
		state, ok := store.State("alice")
		return ok && state == StateReleasing
	}, time.Second, 5*time.Millisecond)

	// 释放期间的重连排在释放之后。
	reacquired := make(chan error, 1)
	go func() {
		_, err := store.Acquire(s.ctx, "alice")
		reacquired <- err
	}()

	select {
	case err := <-reacquired:
		s.Failf("acquire finished before release", "%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseGate)
	s.NoError(<-released)
	s.NoError(<-reacquired)

	_, isLoaded := store.IsActive("alice")
	s.True(isLoaded)
}

func (s *StoreSuite) TestConcurrentReleaseOnce() {
	backend := &stubBackend{}
	store := NewStore(DefaultStoreConfig(), backend, s.hub)

	_, err := store.Acquire(s.ctx, "alice")
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(store.Release(s.ctx, "alice"))
		}()
	}
	wg.Wait()

	s.Equal(1, backend.releaseCount())
	s.Equal(0, store.Count())
}

func (s *StoreSuite) TestRevokeFunnelsIntoRelease() {
	store, backend := s.newMemoryStore()

	handle, err := store.Acquire(s.ctx, "alice")
	s.Require().NoError(err)

	s.True(backend.ForceRevoke("alice", storage.RevokeReasonTakeover))

	// 收回通知汇入释放路径，条目最终被摘除。
	s.Eventually(func() bool {
		return store.Count() == 0
	}, time.Second, 5*time.Millisecond)

	s.ErrorIs(handle.AddCoins(1), merr.ErrProfileReleased)

	// 抢占方释放后可以再次借出。
	s.NoError(backend.Release(s.ctx, "alice"))
	_, err = store.Acquire(s.ctx, "alice")
	s.NoError(err)
}

func (s *StoreSuite) TestSchemaIncompatibleRejected() {
	store, backend := s.newMemoryStore()

	record := &Record{Level: 1, SchemaVersion: "9.0.0"}
	data, err := record.Marshal()
	s.Require().NoError(err)

	_, err = backend.Load(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().NoError(backend.Save(s.ctx, "alice", data))
	s.Require().NoError(backend.Release(s.ctx, "alice"))

	_, err = store.Acquire(s.ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileLoadFailed)
	s.Equal(0, store.Count())

	// 加载失败后 checkout 已归还，后端可以再次借出。
	_, err = backend.Load(s.ctx, "alice")
	s.NoError(err)
}

func (s *StoreSuite) TestCorruptRecordRejected() {
	store, backend := s.newMemoryStore()

	_, err := backend.Load(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().NoError(backend.Save(s.ctx, "alice", []byte("{not json")))
	s.Require().NoError(backend.Release(s.ctx, "alice"))

	_, err = store.Acquire(s.ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileLoadFailed)
	s.Equal(0, store.Count())
}

func (s *StoreSuite) TestLookup() {
	store, _ := s.newMemoryStore()

	_, ok := store.Lookup("alice")
	s.False(ok)

	handle, err := store.Acquire(s.ctx, "alice")
	s.Require().NoError(err)

	got, ok := store.Lookup("alice")
	s.True(ok)
	s.Same(handle, got)

	s.NoError(store.Release(s.ctx, "alice"))
	_, ok = store.Lookup("alice")
	s.False(ok)
}

func (s *StoreSuite) TestClose() {
	store, _ := s.newMemoryStore()

	_, err := store.Acquire(s.ctx, "alice")
	s.Require().NoError(err)
	_, err = store.Acquire(s.ctx, "bob")
	s.Require().NoError(err)

	s.NoError(store.Close(s.ctx))
	s.Equal(0, store.Count())
}
