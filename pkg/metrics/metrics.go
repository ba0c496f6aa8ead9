// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
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
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 admin server 暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		PromotionsTotal, PromotionConflictsTotal,
		OrphanResetsTotal, DispatchedTotal,
		LoopTickDurationSeconds, LoopErrorsTotal,
		CapacityAvailable, CapacityRefreshFailuresTotal,
	)
}

// PromotionsTotal Prioritizer 成功提升到 READY_FOR_SCHEDULING 的 Job 数
var PromotionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobplane_promotions_total",
		Help: "Jobs promoted to READY_FOR_SCHEDULING",
	},
	[]string{"pool"},
)

// PromotionConflictsTotal 条件更新未命中（并发写者已处理）
var PromotionConflictsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobplane_promotion_conflicts_total",
		Help: "Conditional promotions that matched zero jobs",
	},
	[]string{"pool"},
)

// OrphanResetsTotal Recovery Manager 重置回 SUBMITTED 的孤儿 Job 数
var OrphanResetsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "jobplane_orphan_resets_total",
		Help: "Orphaned jobs reset to SUBMITTED",
	},
)

// DispatchedTotal Dispatcher 提交到 workflow engine 的 Job 数
var DispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobplane_dispatched_total",
		Help: "Jobs submitted to the workflow engine",
	},
	[]string{"job_type"},
)

// LoopTickDurationSeconds 各循环单次 tick 耗时
var LoopTickDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "jobplane_loop_tick_duration_seconds",
		Help:    "Duration of one loop iteration",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"loop"},
)

// LoopErrorsTotal 被 catch-log-continue 吞掉的租户/批次级错误
var LoopErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobplane_loop_errors_total",
		Help: "Tenant or batch level errors swallowed by a loop",
	},
	[]string{"loop"},
)

// CapacityAvailable 最近一次成功刷新的可用资源量
var CapacityAvailable = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "jobplane_capacity_available",
		Help: "Last known available compute resources",
	},
	[]string{"resource"},
)

// CapacityRefreshFailuresTotal capacity provider 调用失败次数
var CapacityRefreshFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "jobplane_capacity_refresh_failures_total",
		Help: "Failed capacity provider refreshes",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
