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

// Package dispatcher 是内置的执行端：把 READY_FOR_SCHEDULING 的 Job 提交给 Workflow Engine 并标记为 SCHEDULED，
// 同时把已请求取消、尚未派发的 Job 收敛到 CANCELLED
package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"jobplane/internal/engine"
	"jobplane/internal/job"
	"jobplane/internal/template"
	"jobplane/internal/workflow"
	"jobplane/pkg/errors"
	"jobplane/pkg/log"
	"jobplane/pkg/metrics"
	"jobplane/pkg/tracing"
)

const loopName = "dispatcher"

// MetadataBranchCondition Job.Metadata 中的分支条件键；带分支的步骤只有被该条件选中时才执行，否则标记 SKIPPED
const MetadataBranchCondition = "branch_condition"

// Config Dispatcher 配置
type Config struct {
	Interval      time.Duration
	BatchSize     int
	TenantTimeout time.Duration
	EngineTimeout time.Duration
}

// Dispatcher 派发循环
type Dispatcher struct {
	store     job.JobStore
	engine    engine.Engine
	workflows *workflow.Registry
	templates *template.Registry
	cfg       Config
	log       *log.Logger
}

// New 创建 Dispatcher
func New(store job.JobStore, eng engine.Engine, workflows *workflow.Registry, templates *template.Registry, cfg Config, logger *log.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
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
	return &Dispatcher{
		store:     store,
		engine:    eng,
		workflows: workflows,
		templates: templates,
		cfg:       cfg,
		log:       logger.Component(loopName),
	}
}

// Run 按 Interval 执行 Tick；ConfigurationError 直接返回，使进程退出
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", "interval", d.cfg.Interval, "batch_size", d.cfg.BatchSize)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping")
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Error("dispatcher stopped on configuration error", "error", err)
				return err
			}
		}
	}
}

// Tick 处理所有活跃租户；只返回 ConfigurationError，其余错误按租户记录后继续
func (d *Dispatcher) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.LoopTickDurationSeconds.WithLabelValues(loopName).Observe(time.Since(start).Seconds())
	}()

	tenants, err := d.store.TenantsWithJobsNotInFinalState(ctx)
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
		d.log.Error("list active tenants failed", "error", err)
		return nil
	}
	for _, t := range tenants {
		if ctx.Err() != nil {
			return nil
		}
		if err := d.processTenant(ctx, t); err != nil {
			if errors.IsConfigurationError(err) {
				return err
			}
			metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
			d.log.Error("dispatch tenant failed", "tenant", t.String(), "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) processTenant(ctx context.Context, tenant job.Tenant) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.TenantTimeout)
	defer cancel()
	ctx, span := tracing.StartLoopSpan(ctx, loopName, tenant.String())
	defer span.End()

	if _, err := d.FinalizeCancelled(ctx, tenant); err != nil {
		span.RecordError(err)
		return err
	}
	n, err := d.DispatchTenant(ctx, tenant)
	span.SetAttributes(attribute.Int("dispatched", n))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// FinalizeCancelled 把已请求取消、仍处于 SUBMITTED / READY_FOR_SCHEDULING 的 Job 置为 CANCELLED
func (d *Dispatcher) FinalizeCancelled(ctx context.Context, tenant job.Tenant) (int, error) {
	jobs, err := d.store.ListCancelledUndispatched(ctx, tenant)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		ok, err := d.store.TransitionState(ctx, j.ID, j.State, job.StateCancelled)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			d.log.Info("cancelled job finalized", "tenant", tenant.String(), "job_id", j.ID, "from", j.State.String())
		}
	}
	return n, nil
}

// DispatchTenant 提交本租户至多 BatchSize 个 READY_FOR_SCHEDULING 的 Job。
// 引擎调用失败的 Job 留在 READY_FOR_SCHEDULING，下个 tick 重试
func (d *Dispatcher) DispatchTenant(ctx context.Context, tenant job.Tenant) (int, error) {
	ready, err := d.store.ListByState(ctx, tenant, job.StateReadyForScheduling, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	logger := d.log.With("tenant", tenant.String())
	n := 0
	for _, j := range ready {
		if j.CancellationInfo.IsCancelled {
			continue
		}
		ok, err := d.dispatch(ctx, j)
		if err != nil {
			if errors.IsConfigurationError(err) {
				return n, err
			}
			metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
			logger.Warn("dispatch failed, retrying next tick", "job_id", j.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, j *job.Job) (bool, error) {
	coords, err := d.workflows.ResolveMainWorkflow(j.Type)
	if err != nil {
		return false, err
	}
	steps, err := d.templates.BuildStepDetails(j.Type)
	if err != nil {
		return false, err
	}
	// 未设置条件时，带分支的步骤全部跳过
	cond, _ := j.Metadata[MetadataBranchCondition].(string)
	if steps, err = d.templates.ApplyBranch(steps, j.Type, cond); err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.EngineTimeout)
	handle, err := d.engine.Submit(callCtx, coords.Name, coords.Version, workflow.MainExecutionName(j.ID), inputs(j))
	cancel()
	if err != nil {
		return false, err
	}

	ref := job.ExecutionRef{ExecutionID: handle.ID, Version: coords.Version}
	ok, err := d.store.MarkScheduled(ctx, j.ID, ref, steps)
	if err != nil {
		return false, err
	}
	if !ok {
		// 其他实例已派发或 Job 已被取消；本次提交的执行没有 Job 引用，不会被对账
		d.log.Warn("mark scheduled lost race", "job_id", j.ID, "execution_id", handle.ID)
		return false, nil
	}
	metrics.DispatchedTotal.WithLabelValues(j.Type).Inc()
	d.log.Info("job dispatched", "job_id", j.ID, "workflow", coords.Name, "version", coords.Version, "execution_id", handle.ID)
	return true, nil
}

func inputs(j *job.Job) map[string]any {
	return map[string]any{
		"job_id":          j.ID,
		"job_type":        j.Type,
		"organization_id": j.OrganizationID,
		"workspace_id":    j.WorkspaceID,
		"payload":         j.Payload,
	}
}

// SubmitRevert 提交回滚执行并记录到 executions.revert。job type 没有回滚 workflow 时返回 ErrNotRevertible；
// 已存在回滚执行时直接返回已有记录
func (d *Dispatcher) SubmitRevert(ctx context.Context, jobID string) (job.ExecutionRef, error) {
	j, err := d.store.Get(ctx, jobID)
	if err != nil {
		return job.ExecutionRef{}, err
	}
	if j == nil {
		return job.ExecutionRef{}, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if j.Executions.Revert != nil {
		return *j.Executions.Revert, nil
	}
	coords, ok := d.workflows.ResolveRevertWorkflow(j.Type)
	if !ok {
		return job.ExecutionRef{}, errors.Wrapf(errors.ErrNotRevertible, "job type %s", j.Type)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.EngineTimeout)
	handle, err := d.engine.Submit(callCtx, coords.Name, coords.Version, workflow.RevertExecutionName(j.ID), inputs(j))
	cancel()
	if err != nil {
		return job.ExecutionRef{}, err
	}
	ref := job.ExecutionRef{ExecutionID: handle.ID, Version: coords.Version}
	set, err := d.store.SetRevertExecution(ctx, j.ID, ref)
	if err != nil {
		return job.ExecutionRef{}, err
	}
	if !set {
		latest, err := d.store.Get(ctx, j.ID)
		if err != nil {
			return job.ExecutionRef{}, err
		}
		if latest != nil && latest.Executions.Revert != nil {
			return *latest.Executions.Revert, nil
		}
	}
	d.log.Info("revert submitted", "job_id", j.ID, "workflow", coords.Name, "execution_id", handle.ID)
	return ref, nil
}
