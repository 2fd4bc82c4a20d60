package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/garden-profile-go/internal/storage"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

type RedisStorageSuite struct {
	suite.Suite

	mini    *miniredis.Miniredis
	storage *Storage
	ctx     context.Context
}

func TestRedisStorage(t *testing.T) {
	suite.Run(t, new(RedisStorageSuite))
}

func (s *RedisStorageSuite) SetupTest() {
	s.mini = miniredis.RunT(s.T())

	client := goredis.NewClient(&goredis.Options{
		Addr: s.mini.Addr(),
	})

	cfg := DefaultConfig()
	cfg.CheckoutTTL = time.Second
	cfg.KeepaliveInterval = 20 * time.Millisecond

	s.storage = NewWithClient(client, cfg)
	s.ctx = context.Background()
}

func (s *RedisStorageSuite) TearDownTest() {
	if s.storage != nil {
		_ = s.storage.Close()
	}
	if s.mini != nil {
		s.mini.Close()
	}
}

func (s *RedisStorageSuite) TestLoadEmpty() {
	checkout, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)
	s.Nil(checkout.Data)

	// checkout 键被占用且带 TTL。
	s.True(s.mini.Exists(checkoutKey("alice")))
	s.True(s.mini.TTL(checkoutKey("alice")) > 0)
}

func (s *RedisStorageSuite) TestExclusiveCheckout() {
	_, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)

	_, err = s.storage.Load(s.ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileAlreadyCheckedOut)

	// 另一个进程（另一个 Storage 实例）同样拿不到。
	other := NewWithClient(goredis.NewClient(&goredis.Options{Addr: s.mini.Addr()}), s.storage.cfg)
	defer other.Close()
	_, err = other.Load(s.ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileAlreadyCheckedOut)

	_, err = s.storage.Load(s.ctx, "bob")
	s.NoError(err)
}

func (s *RedisStorageSuite) TestSaveRoundTrip() {
	_, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)

	s.NoError(s.storage.Save(s.ctx, "alice", []byte(`{"coins":30}`)))
	s.NoError(s.storage.Release(s.ctx, "alice"))

	checkout, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal([]byte(`{"coins":30}`), checkout.Data)
}

func (s *RedisStorageSuite) TestSaveWithoutCheckout() {
	err := s.storage.Save(s.ctx, "alice", []byte("x"))
	s.ErrorIs(err, merr.ErrProfileRevoked)
}

func (s *RedisStorageSuite) TestReleaseIdempotent() {
	s.NoError(s.storage.Release(s.ctx, "alice"))

	_, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)

	s.NoError(s.storage.Release(s.ctx, "alice"))
	s.NoError(s.storage.Release(s.ctx, "alice"))
	s.False(s.mini.Exists(checkoutKey("alice")))

	_, err = s.storage.Load(s.ctx, "alice")
	s.NoError(err)
}

func (s *RedisStorageSuite) TestTakeoverRevoke() {
	checkout, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)

	// 模拟另一节点抢占：覆盖 token。
	s.mini.Set(checkoutKey("alice"), "stolen-token")

	select {
	case reason := <-checkout.Revoked:
		s.Equal(storage.RevokeReasonTakeover, reason)
	case <-time.After(3 * time.Second):
		s.FailNow("expected revoke notification")
	}

	// 所有权丢失后写入被拒绝，释放仍然幂等。
	s.ErrorIs(s.storage.Save(s.ctx, "alice", []byte("x")), merr.ErrProfileRevoked)
	s.NoError(s.storage.Release(s.ctx, "alice"))
}

func (s *RedisStorageSuite) TestSaveAfterTokenLoss() {
	_, err := s.storage.Load(s.ctx, "bob")
	s.Require().NoError(err)

	s.mini.Set(checkoutKey("bob"), "stolen-token")

	err = s.storage.Save(s.ctx, "bob", []byte("x"))
	s.ErrorIs(err, merr.ErrProfileRevoked)
}
