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

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// gardenNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	gardenNamespace = "garden"

	profileSubsystem = "profile"

	// 以下为当前使用的通用标签名。
	backendLabelName  = "backend"
	resultLabelName   = "result"
	mutationLabelName = "mutation"
	reasonLabelName   = "reason"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	// LiveHandles 为当前处于 Active 状态的用户档案句柄数量。
	LiveHandles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: gardenNamespace,
			Subsystem: profileSubsystem,
			Name:      "live_handles",
			Help:      "number of profile handles currently checked out",
		}, []string{backendLabelName})

	// LoadDuration 为档案加载耗时直方图。
	LoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: gardenNamespace,
			Subsystem: profileSubsystem,
			Name:      "load_duration_ms",
			Help:      "latency of profile loads in milliseconds",
			Buckets:   buckets,
		}, []string{backendLabelName, resultLabelName})

	// LoadFailures 为按原因分类的档案加载失败计数。
	LoadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: gardenNamespace,
			Subsystem: profileSubsystem,
			Name:      "load_failures_total",
			Help:      "number of failed profile loads",
		}, []string{backendLabelName, reasonLabelName})

	// Mutations 为档案变更操作计数。
	Mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: gardenNamespace,
			Subsystem: profileSubsystem,
			Name:      "mutations_total",
			Help:      "number of profile mutations by kind",
		}, []string{mutationLabelName, resultLabelName})

	// Revocations 为后端强制收回档案的计数。
	Revocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: gardenNamespace,
			Subsystem: profileSubsystem,
			Name:      "revocations_total",
			Help:      "number of backend-initiated checkout revocations",
		}, []string{backendLabelName, reasonLabelName})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
// 通常应在 init 函数中调用。
func Register(r prometheus.Registerer) {
	r.MustRegister(LiveHandles)
	r.MustRegister(LoadDuration)
	r.MustRegister(LoadFailures)
	r.MustRegister(Mutations)
	r.MustRegister(Revocations)
	metricRegisterer = r
}
