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

// Package recovery 对已派发的 Job 与 Workflow Engine 对账：引擎中不存在对应执行的 Job 视为孤儿，重置回 SUBMITTED
package recovery

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"jobplane/internal/engine"
	"jobplane/internal/job"
	"jobplane/pkg/log"
	"jobplane/pkg/metrics"
	"jobplane/pkg/tracing"
)

const loopName = "recovery"

// Config Recovery Manager 配置
type Config struct {
	Interval time.Duration
	// 每次引擎查询的最大执行名数量
	BatchSize int
	// 单个租户一次迭代的上限
	TenantTimeout time.Duration
	// 单次引擎查询的超时
	EngineTimeout time.Duration
}

// Manager 自愈循环。引擎决定"是否真的在运行"，JobStore 决定"是否应该运行"
type Manager struct {
	store  job.JobStore
	engine engine.Engine
	cfg    Config
	log    *log.Logger
}

// New 创建 Manager；BatchSize 默认 50
func New(store job.JobStore, eng engine.Engine, cfg Config, logger *log.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.TenantTimeout <= 0 {
		cfg.TenantTimeout = 30 * time.Second
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{store: store, engine: eng, cfg: cfg, log: logger.Component(loopName)}
}

// Run 按 Interval 执行 Tick，直到 ctx 结束
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("recovery manager started", "interval", m.cfg.Interval, "batch_size", m.cfg.BatchSize)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("recovery manager stopping")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick 遍历有非终态 Job 的租户，逐个对账；返回本轮重置的 Job 总数
func (m *Manager) Tick(ctx context.Context) int {
	start := time.Now()
	defer func() {
		metrics.LoopTickDurationSeconds.WithLabelValues(loopName).Observe(time.Since(start).Seconds())
	}()

	tenants, err := m.store.TenantsWithJobsNotInFinalState(ctx)
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
		m.log.Error("list active tenants failed", "error", err)
		return 0
	}
	total := 0
	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		n, err := m.processTenant(ctx, t)
		total += n
		if err != nil {
			metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
			m.log.Error("recover tenant failed", "tenant", t.String(), "error", err)
		}
	}
	return total
}

func (m *Manager) processTenant(ctx context.Context, tenant job.Tenant) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.TenantTimeout)
	defer cancel()
	ctx, span := tracing.StartLoopSpan(ctx, loopName, tenant.String())
	defer span.End()

	n, err := m.RecoverTenant(ctx, tenant)
	span.SetAttributes(attribute.Int("orphans_reset", n))
	if err != nil {
		span.RecordError(err)
	}
	return n, err
}

// RecoverTenant 分批查询引擎并重置孤儿。单个批次失败只记录日志，继续下一批；
// 只有读取已派发 Job 失败时返回错误
func (m *Manager) RecoverTenant(ctx context.Context, tenant job.Tenant) (int, error) {
	jobs, err := m.store.ScheduledJobsNotInFinalState(ctx, tenant)
	if err != nil {
		return 0, err
	}
	logger := m.log.With("tenant", tenant.String())
	reset := 0
	for start, batch := 0, 0; start < len(jobs); start, batch = start+m.cfg.BatchSize, batch+1 {
		end := start + m.cfg.BatchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		n, err := m.recoverBatch(ctx, jobs[start:end])
		reset += n
		if err != nil {
			metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
			logger.Warn("recovery batch failed, retrying next tick", "batch", batch, "size", end-start, "error", err)
		}
	}
	return reset, nil
}

func (m *Manager) recoverBatch(ctx context.Context, jobs []*job.Job) (int, error) {
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.Executions.Main != nil && j.Executions.Main.ExecutionID != "" {
			names = append(names, j.Executions.Main.ExecutionID)
		}
	}

	alive := make(map[string]struct{}, len(names))
	if len(names) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.EngineTimeout)
		execs, err := m.engine.ListExecutions(callCtx, names)
		cancel()
		if err != nil {
			return 0, err
		}
		for _, e := range execs {
			alive[e.Name] = struct{}{}
		}
	}

	reset := 0
	for _, j := range jobs {
		execID := ""
		if j.Executions.Main != nil {
			execID = j.Executions.Main.ExecutionID
		}
		if _, ok := alive[execID]; ok && execID != "" {
			continue
		}
		ok, err := m.store.ResetJobToSubmitted(ctx, j.ID, execID)
		if err != nil {
			return reset, err
		}
		if !ok {
			// 已被其他实例重置、重新派发或已推进到终态
			continue
		}
		reset++
		metrics.OrphanResetsTotal.Inc()
		m.log.Warn("orphaned job reset to SUBMITTED", "job_id", j.ID, "execution_id", execID, "state", j.State.String())
	}
	return reset, nil
}
