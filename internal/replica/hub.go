package replica

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-profile-go/internal/json"
	"github.com/lk2023060901/garden-profile-go/pkg/log"
)

// Delta 为广播给观察者的单字段增量。
type Delta struct {
	Identity string `json:"identity"`
	Path     string `json:"path"`
	Value    any    `json:"value"`
}

// Hub 负责复制视图的创建与增量扇出。
//
// 说明：
//   - 每个观察者持有一条带缓冲的通道，增量以 JSON 编码后投递；
//   - 观察者消费过慢导致缓冲打满时直接丢弃该条增量（限频告警），
//     绝不阻塞变更路径；
//   - 迟到的观察者应先通过 View.Snapshot 补齐全量再消费增量。
type Hub struct {
	bufferSize int
	nextID     *atomic.Uint64

	mu          sync.RWMutex
	views       map[string]*view
	subscribers map[uint64]chan []byte
	closed      bool
}

func NewHub(bufferSize int) *Hub {
	return &Hub{
		bufferSize:  bufferSize,
		nextID:      atomic.NewUint64(0),
		views:       make(map[string]*view),
		subscribers: make(map[uint64]chan []byte),
	}
}

// NewView 创建（或复用）identity 对应的视图。
func (h *Hub) NewView(identity string) View {
	h.mu.Lock()
	defer h.mu.Unlock()

	if v, ok := h.views[identity]; ok {
		return v
	}
	v := &view{
		identity: identity,
		hub:      h,
		fields:   make(map[string]any),
	}
	h.views[identity] = v
	return v
}

// GetView 查找 identity 对应的视图。
func (h *Hub) GetView(identity string) (View, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	v, ok := h.views[identity]
	return v, ok
}

// Subscribe 注册一个观察者，返回增量通道和取消函数。
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	id := h.nextID.Inc()
	ch := make(chan []byte, h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subscribers[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// SubscriberCount 返回当前观察者数量。
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close 关闭 Hub，断开所有观察者。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub)
	}
	h.views = make(map[string]*view)
}

func (h *Hub) broadcast(d Delta) {
	payload, err := json.Marshal(d)
	if err != nil {
		log.Error("failed to encode replica delta",
			zap.String("identity", d.Identity), zap.String("path", d.Path), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.subscribers {
		select {
		case sub <- payload:
		default:
			log.RatedWarn(1, "replica subscriber buffer full, delta dropped",
				zap.Uint64("subscriberID", id),
				zap.String("identity", d.Identity),
				zap.String("path", d.Path))
		}
	}
}

func (h *Hub) dropView(identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.views, identity)
}
