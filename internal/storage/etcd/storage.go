package etcd

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-profile-go/internal/storage"
	"github.com/lk2023060901/garden-profile-go/pkg/log"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

// checkout 为一次借出在本地的跟踪状态。
type checkout struct {
	key     string
	token   string
	leaseID clientv3.LeaseID
	revoked chan storage.RevokeReason
	cancel  context.CancelFunc
	once    sync.Once
}

// fire 发出一次性收回通知。
func (c *checkout) fire(reason storage.RevokeReason) {
	c.once.Do(func() {
		c.revoked <- reason
		close(c.revoked)
	})
}

// discard 静默关闭通知通道（正常释放路径）。
func (c *checkout) discard() {
	c.once.Do(func() {
		close(c.revoked)
	})
}

// Storage 是基于 etcd 的 Backend 实现。
//
// 说明：
//   - 所有权通过绑定租约的 checkout 键表达，键值为随机 token；
//   - 续租协程保持租约存活，续租失败即判定所有权丢失；
//   - 监听协程观察 checkout 键，被他人删除或覆盖时判定为抢占。
type Storage struct {
	client *clientv3.Client
	cfg    Config

	mu        sync.Mutex
	checkouts map[string]*checkout
	closed    bool
}

var _ storage.Backend = (*Storage)(nil)

// New 创建 etcd 后端。
func New(cfg Config) (*Storage, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, merr.WrapErrIoFailed("etcd", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient 基于已有客户端创建后端（测试或嵌入式 etcd 场景）。
func NewWithClient(client *clientv3.Client, cfg Config) *Storage {
	return &Storage{
		client:    client,
		cfg:       cfg,
		checkouts: make(map[string]*checkout),
	}
}

func (s *Storage) recordKey(key string) string {
	return path.Join(s.cfg.RootPath, "profiles", key)
}

func (s *Storage) checkoutKey(key string) string {
	return path.Join(s.cfg.RootPath, "checkouts", key)
}

// Load 借出 key 对应的档案。
func (s *Storage) Load(ctx context.Context, key string) (*storage.Checkout, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, merr.WrapErrServiceUnavailable("etcd storage closed")
	}
	if _, ok := s.checkouts[key]; ok {
		s.mu.Unlock()
		return nil, merr.WrapErrProfileAlreadyCheckedOut(key)
	}
	s.mu.Unlock()

	grant, err := s.client.Grant(ctx, s.cfg.CheckoutTTL)
	if err != nil {
		return nil, merr.WrapErrIoFailed(key, err)
	}

	token := lo.RandomString(16, lo.AlphanumericCharset)
	completeKey := s.checkoutKey(key)

	txnResp, err := s.client.Txn(ctx).If(
		clientv3.Compare(clientv3.Version(completeKey), "=", 0)).
		Then(clientv3.OpPut(completeKey, token, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		s.revokeLease(grant.ID)
		return nil, merr.WrapErrIoFailed(key, err)
	}
	if !txnResp.Succeeded {
		s.revokeLease(grant.ID)
		return nil, merr.WrapErrProfileAlreadyCheckedOut(key)
	}

	getResp, err := s.client.Get(ctx, s.recordKey(key))
	if err != nil {
		s.revokeLease(grant.ID)
		return nil, merr.WrapErrIoFailed(key, err)
	}
	var data []byte
	if len(getResp.Kvs) > 0 {
		data = getResp.Kvs[0].Value
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	c := &checkout{
		key:     key,
		token:   token,
		leaseID: grant.ID,
		revoked: make(chan storage.RevokeReason, 1),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.checkouts[key] = c
	s.mu.Unlock()

	go s.keepalive(bgCtx, c)
	go s.watchCheckout(bgCtx, c, txnResp.Header.Revision+1)

	return &storage.Checkout{
		Data:    data,
		Revoked: c.revoked,
	}, nil
}

// Save 覆盖写入档案内容。所有权已丢失时返回 merr.ErrProfileRevoked。
func (s *Storage) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	c, ok := s.checkouts[key]
	s.mu.Unlock()
	if !ok {
		return merr.WrapErrProfileRevoked(key, "checkout not held")
	}

	// 只有 checkout 键仍归当前持有者时才允许写入。
	txnResp, err := s.client.Txn(ctx).If(
		clientv3.Compare(clientv3.Value(s.checkoutKey(key)), "=", c.token)).
		Then(clientv3.OpPut(s.recordKey(key), string(data))).
		Commit()
	if err != nil {
		return merr.WrapErrIoFailed(key, err)
	}
	if !txnResp.Succeeded {
		return merr.WrapErrProfileRevoked(key, "checkout token lost")
	}
	return nil
}

// Release 归还 checkout。幂等。
func (s *Storage) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	c, ok := s.checkouts[key]
	if ok {
		delete(s.checkouts, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	c.cancel()
	c.discard()

	// 撤销租约即删除绑定的 checkout 键。
	s.revokeLease(c.leaseID)
	return nil
}

// Close 关闭后端，对所有存活 checkout 发出 closed 通知。
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	remaining := lo.Values(s.checkouts)
	s.checkouts = make(map[string]*checkout)
	s.mu.Unlock()

	for _, c := range remaining {
		c.cancel()
		c.fire(storage.RevokeReasonClosed)
		s.revokeLease(c.leaseID)
	}
	return s.client.Close()
}

func (s *Storage) revokeLease(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.client.Revoke(ctx, id); err != nil {
		log.Warn("failed to revoke checkout lease",
			zap.Int64("leaseID", int64(id)), zap.Error(err))
	}
}

// keepalive 保持 checkout 租约存活。
// KeepAlive 通道因网络错误关闭时使用指数退避重建；
// 租约在重建期间过期则判定所有权丢失。
func (s *Storage) keepalive(ctx context.Context, c *checkout) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var ch <-chan *clientv3.LeaseKeepAliveResponse
	var lastErr error

	for {
		if ctx.Err() != nil {
			return
		}
		if lastErr != nil {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}

		if ch == nil {
			ttlResp, err := s.client.TimeToLive(ctx, c.leaseID)
			if err != nil {
				lastErr = err
				continue
			}
			if ttlResp.TTL <= 0 {
				log.Warn("checkout lease expired",
					zap.String("key", c.key), zap.Int64("leaseID", int64(c.leaseID)))
				s.evict(c, storage.RevokeReasonLeaseLost)
				return
			}

			newCh, err := s.client.KeepAlive(ctx, c.leaseID)
			if err != nil {
				lastErr = err
				continue
			}
			ch = newCh
		}

		// 阻塞直到 KeepAlive 通道关闭。
		for range ch {
		}
		if ctx.Err() != nil {
			return
		}

		ch = nil
		lastErr = nil
		bo.Reset()
	}
}

// watchCheckout 监听 checkout 键，被他人删除或覆盖即判定为抢占。
func (s *Storage) watchCheckout(ctx context.Context, c *checkout, rev int64) {
	wch := s.client.Watch(ctx, s.checkoutKey(c.key), clientv3.WithRev(rev))
	for wresp := range wch {
		if wresp.Err() != nil {
			log.Warn("checkout watch failed",
				zap.String("key", c.key), zap.Error(wresp.Err()))
			return
		}
		for _, ev := range wresp.Events {
			if ev.Type == clientv3.EventTypeDelete || string(ev.Kv.Value) != c.token {
				log.Info("checkout taken over by another holder",
					zap.String("key", c.key))
				s.evict(c, storage.RevokeReasonTakeover)
				return
			}
		}
	}
}

// evict 将本地状态清除并发出收回通知。
func (s *Storage) evict(c *checkout, reason storage.RevokeReason) {
	s.mu.Lock()
	if cur, ok := s.checkouts[c.key]; ok && cur == c {
		delete(s.checkouts, c.key)
	}
	s.mu.Unlock()
	c.cancel()
	c.fire(reason)
}
