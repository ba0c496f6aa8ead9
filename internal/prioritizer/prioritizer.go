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

// Package prioritizer 实现准入控制：每个资源池一个固定间隔循环，按租户在预算内把 SUBMITTED 提升到 READY_FOR_SCHEDULING
package prioritizer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"jobplane/internal/job"
	"jobplane/pkg/log"
	"jobplane/pkg/metrics"
	"jobplane/pkg/tracing"
)

const loopName = "prioritizer"

// BudgetSource 资源池预算来源（通常是 capacity.Manager）
type BudgetSource interface {
	Available(ctx context.Context, resource string) (int, bool)
}

// Pool 一组共享预算的 job type。Resource 非空且 BudgetSource 有值时以其为预算，否则用 Budget
type Pool struct {
	Name     string
	JobTypes []string
	Budget   int
	Resource string
}

// Config Prioritizer 配置
type Config struct {
	Pool     Pool
	Interval time.Duration
	// 单个租户一次迭代的上限
	TenantTimeout time.Duration
}

// Prioritizer 单个资源池的准入循环；多个实例（多进程）并发运行时依赖 PromoteIfEligible 的条件更新
type Prioritizer struct {
	store   job.JobStore
	budgets BudgetSource
	cfg     Config
	log     *log.Logger
}

// New 创建 Prioritizer；budgets 可为 nil
func New(store job.JobStore, budgets BudgetSource, cfg Config, logger *log.Logger) *Prioritizer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.TenantTimeout <= 0 {
		cfg.TenantTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Prioritizer{
		store:   store,
		budgets: budgets,
		cfg:     cfg,
		log:     logger.Component(loopName).With("pool", cfg.Pool.Name),
	}
}

// Run 按 Interval 执行 Tick，直到 ctx 结束
func (p *Prioritizer) Run(ctx context.Context) error {
	p.log.Info("prioritizer started", "interval", p.cfg.Interval, "job_types", p.cfg.Pool.JobTypes)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("prioritizer stopping")
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick 对每个有非终态 Job 的租户执行一次准入；单个租户失败只记录日志，不影响其他租户
func (p *Prioritizer) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.LoopTickDurationSeconds.WithLabelValues(loopName).Observe(time.Since(start).Seconds())
	}()

	tenants, err := p.store.TenantsWithJobsNotInFinalState(ctx)
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
		p.log.Error("list active tenants failed", "error", err)
		return
	}
	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.processTenant(ctx, t); err != nil {
			metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
			p.log.Error("prioritize tenant failed", "tenant", t.String(), "error", err)
		}
	}
}

func (p *Prioritizer) processTenant(ctx context.Context, tenant job.Tenant) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TenantTimeout)
	defer cancel()
	ctx, span := tracing.StartLoopSpan(ctx, loopName, tenant.String())
	defer span.End()
	span.SetAttributes(attribute.String("pool", p.cfg.Pool.Name))

	n, err := p.PromoteTenant(ctx, tenant)
	span.SetAttributes(attribute.Int("promoted", n))
	if err != nil {
		span.RecordError(err)
	}
	return n, err
}

// Budget 当前预算
func (p *Prioritizer) Budget(ctx context.Context) int {
	pool := p.cfg.Pool
	if pool.Resource != "" && p.budgets != nil {
		if n, ok := p.budgets.Available(ctx, pool.Resource); ok {
			return n
		}
	}
	return pool.Budget
}

// PromoteTenant 在预算剩余槽位内，按 priority desc, creation_time asc 提升候选 Job；返回实际提升数量。
// 条件更新未命中（并发取消或其他实例已提升）本轮不重试
func (p *Prioritizer) PromoteTenant(ctx context.Context, tenant job.Tenant) (int, error) {
	pool := p.cfg.Pool
	logger := p.log.With("tenant", tenant.String())

	running, err := p.store.CountAdmitted(ctx, tenant, pool.JobTypes)
	if err != nil {
		return 0, err
	}
	budget := p.Budget(ctx)
	if running >= budget {
		logger.Debug("pool at budget", "running", running, "budget", budget)
		return 0, nil
	}
	slots := budget - running

	candidates, err := p.store.ListPromotionCandidates(ctx, tenant, pool.JobTypes, slots)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, j := range candidates {
		if promoted >= slots {
			break
		}
		ok, err := p.store.PromoteIfEligible(ctx, j.ID, job.StateSubmitted)
		if err != nil {
			return promoted, err
		}
		if !ok {
			metrics.PromotionConflictsTotal.WithLabelValues(pool.Name).Inc()
			logger.Debug("promotion lost race", "job_id", j.ID)
			continue
		}
		promoted++
		metrics.PromotionsTotal.WithLabelValues(pool.Name).Inc()
		logger.Info("job promoted", "job_id", j.ID, "job_type", j.Type, "priority", j.Priority)
	}
	return promoted, nil
}
