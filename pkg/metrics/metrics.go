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
	"net/http"
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// collabNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	collabNamespace = "collab"

	// 以下为当前使用的通用标签名。
	nodeIDLabelName   = "node_id"
	roleNameLabelName = "role_name"
	sourceLabelName   = "source"
	statusLabelName   = "status"
	modeLabelName     = "mode"
	opLabelName       = "op"
	backendLabelName  = "backend"
	directionLabel    = "direction"
	reasonLabelName   = "reason"
	stageLabelName    = "stage"

	SuccessLabel = "success"
	FailLabel    = "fail"

	LocalSourceLabel  = "local"
	RemoteSourceLabel = "remote"

	DebouncedModeLabel = "debounced"
	ImmediateModeLabel = "immediate"

	PublishDirectionLabel = "publish"
	ReceiveDirectionLabel = "receive"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	// sizeBuckets 为快照大小的桶划分，单位为字节。
	sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

	NumNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: collabNamespace,
			Name:      "num_node",
			Help:      "number of collab nodes",
		}, []string{nodeIDLabelName, roleNameLabelName})

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: collabNamespace,
			Name:      "active_sessions",
			Help:      "number of sessions registered in rooms",
		})

	ActiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: collabNamespace,
			Name:      "active_rooms",
			Help:      "number of documents with at least one local session",
		})

	CachedDocuments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: collabNamespace,
			Name:      "cached_documents",
			Help:      "number of documents held in the state cache",
		})

	AppliedUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: collabNamespace,
			Name:      "applied_updates_total",
			Help:      "count of updates merged into cached document state",
		}, []string{sourceLabelName, statusLabelName})

	BroadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: collabNamespace,
			Name:      "broadcast_failures_total",
			Help:      "count of per-session deliveries that failed during a room broadcast",
		})

	PersistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: collabNamespace,
			Name:      "persist_total",
			Help:      "count of snapshot persistence attempts",
		}, []string{modeLabelName, statusLabelName})

	PersistLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: collabNamespace,
			Name:      "persist_latency",
			Help:      "latency of snapshot persistence in milliseconds",
			Buckets:   buckets,
		}, []string{modeLabelName})

	SnapshotSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: collabNamespace,
			Name:      "snapshot_size_bytes",
			Help:      "size of persisted snapshots",
			Buckets:   sizeBuckets,
		})

	CodecFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: collabNamespace,
			Name:      "codec_failures_total",
			Help:      "count of failed crdt codec calls",
		}, []string{opLabelName})

	BusMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: collabNamespace,
			Name:      "bus_messages_total",
			Help:      "count of cross-instance bus messages",
		}, []string{backendLabelName, directionLabel, statusLabelName})

	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: collabNamespace,
			Name:      "admission_rejections_total",
			Help:      "count of connections rejected during handshake or authorization",
		}, []string{reasonLabelName})

	SessionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: collabNamespace,
			Name:      "session_errors_total",
			Help:      "count of session errors by stage",
		}, []string{stageLabelName})

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
// 进程内只应调用一次。
func Register(r prometheus.Registerer) {
	r.MustRegister(NumNodes)
	r.MustRegister(ActiveSessions)
	r.MustRegister(ActiveRooms)
	r.MustRegister(CachedDocuments)
	r.MustRegister(AppliedUpdates)
	r.MustRegister(BroadcastFailures)
	r.MustRegister(PersistTotal)
	r.MustRegister(PersistLatency)
	r.MustRegister(SnapshotSize)
	r.MustRegister(CodecFailures)
	r.MustRegister(BusMessages)
	r.MustRegister(AdmissionRejections)
	r.MustRegister(SessionErrors)
	metricRegisterer = r
}

// Handler 返回暴露 g 中指标的 HTTP handler。
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
