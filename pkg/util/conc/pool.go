// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"sync"

	ants "github.com/panjf2000/ants/v2"
)

// Pool 是基于 ants 的泛型协程池封装。
//
// 说明：
//   - Submit 返回 Future，调用方可选择同步等待或稍后收割结果；
//   - 池内任务 panic 的处理行为由 PoolOption 控制。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// Future 表示一次异步任务的结果占位。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

// NewPool 创建一个容量为 cap 的协程池。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		// 仅在参数非法（cap <= 0 且未允许无界）时可能出现。
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 将任务提交到池中执行，返回对应的 Future。
// 当池已满且配置为阻塞模式时，Submit 会阻塞直到有空闲 worker。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := &Future[T]{
		ch: make(chan struct{}),
	}

	err := pool.inner.Submit(func() {
		defer close(future.ch)
		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}
		future.value, future.err = method()
	})
	if err != nil {
		future.err = err
		close(future.ch)
	}

	return future
}

// Free 返回池中空闲 worker 数量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Running 返回池中正在执行任务的 worker 数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Release 关闭协程池，等待存量任务完成。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}

// Await 阻塞等待任务完成，返回任务结果。
func (future *Future[T]) Await() (T, error) {
	<-future.ch
	return future.value, future.err
}

// Done 返回任务完成通知通道。
func (future *Future[T]) Done() <-chan struct{} {
	return future.ch
}

// AwaitAll 等待所有 Future 完成，返回首个非空错误。
func AwaitAll[T any](futures ...*Future[T]) error {
	var (
		first error
		once  sync.Once
	)
	for _, future := range futures {
		if _, err := future.Await(); err != nil {
			once.Do(func() {
				first = err
			})
		}
	}
	return first
}
