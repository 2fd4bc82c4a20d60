package redis

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-profile-go/internal/storage"
	"github.com/lk2023060901/garden-profile-go/pkg/log"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
	"github.com/lk2023060901/garden-profile-go/pkg/util/retry"
)

// refreshScript 在 token 仍属于当前持有者时刷新 checkout 键的 TTL。
// 返回 1 表示续租成功，0 表示所有权已丢失。
var refreshScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`)

// saveScript 在 token 仍属于当前持有者时写入档案内容。
var saveScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	redis.call('set', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// releaseScript 仅在 token 匹配时删除 checkout 键，避免误删他人的 checkout。
var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

// checkout 为一次借出在本地的跟踪状态。
type checkout struct {
	key     string
	token   string
	revoked chan storage.RevokeReason
	stop    chan struct{}
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

// Storage 是基于 Redis 的 Backend 实现。
//
// 说明：
//   - 档案内容存于 profile 键，所有权通过 checkout 键上的随机 token 表达；
//   - 借出依赖 SET NX EX，token 带 TTL，由续租协程定期刷新；
//   - 所有权丢失（键被抢占或续租失败）时向持有方发出 Revoked 通知。
type Storage struct {
	client *goredis.Client
	cfg    Config

	mu        sync.Mutex
	checkouts map[string]*checkout
	closed    bool
}

var _ storage.Backend = (*Storage)(nil)

// New 创建 Redis 后端并校验连通性。
func New(cfg Config) (*Storage, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 仅对建连做重试，档案加载本身严格不重试。
	if err := retry.Do(ctx, func() error {
		return client.Ping(ctx).Err()
	}, retry.Attempts(3)); err != nil {
		return nil, merr.WrapErrIoFailed(cfg.URL, err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient 基于已有客户端创建后端（测试用）。
func NewWithClient(client *goredis.Client, cfg Config) *Storage {
	return &Storage{
		client:    client,
		cfg:       cfg,
		checkouts: make(map[string]*checkout),
	}
}

// Load 借出 key 对应的档案。
func (s *Storage) Load(ctx context.Context, key string) (*storage.Checkout, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, merr.WrapErrServiceUnavailable("redis storage closed")
	}
	if _, ok := s.checkouts[key]; ok {
		s.mu.Unlock()
		return nil, merr.WrapErrProfileAlreadyCheckedOut(key)
	}
	s.mu.Unlock()

	token := lo.RandomString(16, lo.AlphanumericCharset)

	ok, err := s.client.SetNX(ctx, checkoutKey(key), token, s.cfg.CheckoutTTL).Result()
	if err != nil {
		return nil, merr.WrapErrIoFailed(key, err)
	}
	if !ok {
		return nil, merr.WrapErrProfileAlreadyCheckedOut(key)
	}

	data, err := s.client.Get(ctx, recordKey(key)).Bytes()
	if err != nil {
		if err != goredis.Nil {
			// 回收刚占下的 checkout 键，避免留下孤儿租约。
			_, _ = releaseScript.Run(context.Background(), s.client,
				[]string{checkoutKey(key)}, token).Result()
			return nil, merr.WrapErrIoFailed(key, err)
		}
		data = nil
	}

	c := &checkout{
		key:     key,
		token:   token,
		revoked: make(chan storage.RevokeReason, 1),
		stop:    make(chan struct{}),
	}

	s.mu.Lock()
	s.checkouts[key] = c
	s.mu.Unlock()

	go s.keepalive(c)

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

	n, err := saveScript.Run(ctx, s.client,
		[]string{checkoutKey(key), recordKey(key)}, c.token, data).Int()
	if err != nil {
		return merr.WrapErrIoFailed(key, err)
	}
	if n == 0 {
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

	close(c.stop)
	c.discard()

	if _, err := releaseScript.Run(ctx, s.client,
		[]string{checkoutKey(key)}, c.token).Result(); err != nil {
		// checkout 键带 TTL，删除失败最终也会过期，不向调用方冒泡。
		log.Warn("failed to delete checkout key on release",
			zap.String("key", key), zap.Error(err))
	}
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
		close(c.stop)
		c.fire(storage.RevokeReasonClosed)
	}
	return s.client.Close()
}

// keepalive 周期性续租 checkout 键，所有权丢失时通知持有方。
func (s *Storage) keepalive(c *checkout) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		n, err := s.refresh(c)
		if err != nil {
			log.Warn("checkout keepalive failed",
				zap.String("key", c.key), zap.Error(err))
			s.evict(c, storage.RevokeReasonLeaseLost)
			return
		}
		if n == 0 {
			log.Info("checkout taken over by another holder",
				zap.String("key", c.key))
			s.evict(c, storage.RevokeReasonTakeover)
			return
		}
	}
}

// refresh 执行一次续租，瞬时错误使用指数退避重试。
func (s *Storage) refresh(c *checkout) (int, error) {
	var n int

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = s.cfg.KeepaliveInterval

	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KeepaliveInterval)
		defer cancel()

		got, err := refreshScript.Run(ctx, s.client,
			[]string{checkoutKey(c.key)}, c.token, s.cfg.CheckoutTTL.Milliseconds()).Int()
		if err != nil {
			return err
		}
		n = got
		return nil
	}, bo)

	return n, err
}

// evict 将本地状态清除并发出收回通知。
func (s *Storage) evict(c *checkout, reason storage.RevokeReason) {
	s.mu.Lock()
	if cur, ok := s.checkouts[c.key]; ok && cur == c {
		delete(s.checkouts, c.key)
	}
	s.mu.Unlock()
	c.fire(reason)
}
