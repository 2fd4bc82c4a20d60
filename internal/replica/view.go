package replica

import (
	"sync"
)

// View 是某个玩家档案的复制视图。
//
// 职责说明：
//   - 档案句柄每次变更后将受影响字段写入视图，视图再向观察者广播增量；
//   - 视图内容与权威记录最终一致：任何变更返回后二者字段值相等；
//   - 字段值必须为可比较的标量（数值/字符串/布尔）。
type View interface {
	// SetField 写入一个字段。
	//
	// 行为：
	//   - 幂等：与当前值相同的写入不产生任何广播；
	//   - 值发生变化时向所有观察者广播 {identity, path, value} 增量。
	SetField(path string, value any)

	// Snapshot 返回视图当前所有字段的拷贝，供迟到的观察者补齐全量。
	Snapshot() map[string]any

	// Clear 清空视图并从 Hub 摘除，档案释放时调用。
	Clear()
}

type view struct {
	identity string
	hub      *Hub

	mu     sync.RWMutex
	fields map[string]any
}

var _ View = (*view)(nil)

func (v *view) SetField(path string, value any) {
	v.mu.Lock()
	if prev, ok := v.fields[path]; ok && prev == value {
		v.mu.Unlock()
		return
	}
	v.fields[path] = value
	v.mu.Unlock()

	v.hub.broadcast(Delta{
		Identity: v.identity,
		Path:     path,
		Value:    value,
	})
}

func (v *view) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snapshot := make(map[string]any, len(v.fields))
	for path, value := range v.fields {
		snapshot[path] = value
	}
	return snapshot
}

func (v *view) Clear() {
	v.mu.Lock()
	v.fields = make(map[string]any)
	v.mu.Unlock()

	v.hub.dropView(v.identity)
}
