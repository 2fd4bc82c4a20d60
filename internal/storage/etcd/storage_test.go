package etcd

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/garden-profile-go/internal/storage"
	etcdutil "github.com/lk2023060901/garden-profile-go/pkg/util/etcd"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

type EtcdStorageSuite struct {
	suite.Suite

	client  *clientv3.Client
	storage *Storage
	ctx     context.Context
}

func TestEtcdStorage(t *testing.T) {
	suite.Run(t, new(EtcdStorageSuite))
}

func (s *EtcdStorageSuite) SetupSuite() {
	dir := s.T().TempDir()
	err := etcdutil.InitEtcdServer(true, "", path.Join(dir, "data"), path.Join(dir, "etcd.log"), "info")
	s.Require().NoError(err)

	client, err := etcdutil.GetEmbedEtcdClient()
	s.Require().NoError(err)
	s.client = client
}

func (s *EtcdStorageSuite) TearDownSuite() {
	etcdutil.StopEtcdServer()
}

func (s *EtcdStorageSuite) SetupTest() {
	cfg := DefaultConfig()
	cfg.RootPath = "garden-profile-test/" + s.T().Name()
	cfg.CheckoutTTL = 5

	s.storage = NewWithClient(s.client, cfg)
	s.ctx = context.Background()
}

func (s *EtcdStorageSuite) TearDownTest() {
	// 嵌入式 etcd 的客户端由套件持有，这里只清理本地 checkout 状态。
	s.storage.mu.Lock()
	remaining := make([]*checkout, 0, len(s.storage.checkouts))
	for _, c := range s.storage.checkouts {
		remaining = append(remaining, c)
	}
	s.storage.mu.Unlock()
	for _, c := range remaining {
		s.NoError(s.storage.Release(s.ctx, c.key))
	}
}

func (s *EtcdStorageSuite) TestLoadEmpty() {
	checkout, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)
	s.Nil(checkout.Data)

	resp, err := s.client.Get(s.ctx, s.storage.checkoutKey("alice"))
	s.Require().NoError(err)
	s.Len(resp.Kvs, 1)
	s.NotZero(resp.Kvs[0].Lease)
}

func (s *EtcdStorageSuite) TestExclusiveCheckout() {
	_, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)

	_, err = s.storage.Load(s.ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileAlreadyCheckedOut)

	// 另一个进程（另一个 Storage 实例）同样拿不到。
	other := NewWithClient(s.client, s.storage.cfg)
	_, err = other.Load(s.ctx, "alice")
	s.ErrorIs(err, merr.ErrProfileAlreadyCheckedOut)

	_, err = s.storage.Load(s.ctx, "bob")
	s.NoError(err)
}

func (s *EtcdStorageSuite) TestSaveRoundTrip() {
	_, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)

	s.NoError(s.storage.Save(s.ctx, "alice", []byte(`{"coins":30}`)))
	s.NoError(s.storage.Release(s.ctx, "alice"))

	checkout, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal([]byte(`{"coins":30}`), checkout.Data)
}

func (s *EtcdStorageSuite) TestSaveWithoutCheckout() {
	err := s.storage.Save(s.ctx, "alice", []byte("x"))
	s.ErrorIs(err, merr.ErrProfileRevoked)
}

func (s *EtcdStorageSuite) TestReleaseIdempotent() {
	s.NoError(s.storage.Release(s.ctx, "alice"))

	_, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)

	s.NoError(s.storage.Release(s.ctx, "alice"))
	s.NoError(s.storage.Release(s.ctx, "alice"))

	// 租约撤销后 checkout 键随之消失，可以重新借出。
	resp, err := s.client.Get(s.ctx, s.storage.checkoutKey("alice"))
	s.Require().NoError(err)
	s.Empty(resp.Kvs)

	_, err = s.storage.Load(s.ctx, "alice")
	s.NoError(err)
}

func (s *EtcdStorageSuite) TestTakeoverRevoke() {
	checkout, err := s.storage.Load(s.ctx, "alice")
	s.Require().NoError(err)

	// 模拟另一节点抢占：直接删除 checkout 键。
	_, err = s.client.Delete(s.ctx, s.storage.checkoutKey("alice"))
	s.Require().NoError(err)

	select {
	case reason := <-checkout.Revoked:
		s.Equal(storage.RevokeReasonTakeover, reason)
	case <-time.After(5 * time.Second):
		s.FailNow("expected revoke notification")
	}

	s.ErrorIs(s.storage.Save(s.ctx, "alice", []byte("x")), merr.ErrProfileRevoked)
	s.NoError(s.storage.Release(s.ctx, "alice"))
}
