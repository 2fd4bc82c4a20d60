package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/garden-profile-go/internal/storage"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

type MemoryStorageSuite struct {
	suite.Suite

	storage *Storage
}

func (s *MemoryStorageSuite) SetupTest() {
	s.storage = NewStorage()
}

func (s *MemoryStorageSuite) TestLoadEmpty() {
	checkout, err := s.storage.Load(context.Background(), "alice")
	s.NoError(err)
	s.Nil(checkout.Data)
}

func (s *MemoryStorageSuite) TestExclusiveCheckout() {
	ctx := context.Background()

	_, err := s.storage.Load(ctx, "alice")
	s.NoError(err)

	_, err = s.storage.Load(ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileAlreadyCheckedOut)

	// 其他 key 不受影响。
	_, err = s.storage.Load(ctx, "bob")
	s.NoError(err)
}

func (s *MemoryStorageSuite) TestSaveRoundTrip() {
	ctx := context.Background()

	_, err := s.storage.Load(ctx, "alice")
	s.NoError(err)
	s.NoError(s.storage.Save(ctx, "alice", []byte(`{"coins":30}`)))
	s.NoError(s.storage.Release(ctx, "alice"))

	checkout, err := s.storage.Load(ctx, "alice")
	s.NoError(err)
	s.Equal([]byte(`{"coins":30}`), checkout.Data)
}

func (s *MemoryStorageSuite) TestSaveWithoutCheckout() {
	err := s.storage.Save(context.Background(), "alice", []byte("x"))
	s.ErrorIs(err, merr.ErrProfileRevoked)
}

func (s *MemoryStorageSuite) TestReleaseIdempotent() {
	ctx := context.Background()

	s.NoError(s.storage.Release(ctx, "alice"))

	_, err := s.storage.Load(ctx, "alice")
	s.NoError(err)
	s.NoError(s.storage.Release(ctx, "alice"))
	s.NoError(s.storage.Release(ctx, "alice"))

	// 释放后可以重新借出。
	_, err = s.storage.Load(ctx, "alice")
	s.NoError(err)
}

func (s *MemoryStorageSuite) TestForceRevoke() {
	ctx := context.Background()

	checkout, err := s.storage.Load(ctx, "alice")
	s.NoError(err)

	s.True(s.storage.ForceRevoke("alice", storage.RevokeReasonTakeover))
	s.False(s.storage.ForceRevoke("alice", storage.RevokeReasonTakeover))

	reason := <-checkout.Revoked
	s.Equal(storage.RevokeReasonTakeover, reason)

	// 收回后写入被拒绝，释放仍然幂等。
	s.ErrorIs(s.storage.Save(ctx, "alice", []byte("x")), merr.ErrProfileRevoked)
	s.NoError(s.storage.Release(ctx, "alice"))
}

func (s *MemoryStorageSuite) TestClose() {
	ctx := context.Background()

	checkout, err := s.storage.Load(ctx, "alice")
	s.NoError(err)

	s.NoError(s.storage.Close())
	s.NoError(s.storage.Close())

	reason := <-checkout.Revoked
	s.Equal(storage.RevokeReasonClosed, reason)

	_, err = s.storage.Load(ctx, "bob")
	s.ErrorIs(err, merr.ErrServiceUnavailable)
}

func TestMemoryStorage(t *testing.T) {
	suite.Run(t, new(MemoryStorageSuite))
}
