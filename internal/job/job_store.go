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

package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobplane/pkg/errors"
)

// CancelRequest 取消请求参数
type CancelRequest struct {
	UserID    string
	DeleteJob bool
}

// JobStore 持久化 Job 与条件更新。所有返回 bool 的方法：false 表示条件未命中（并发写者已处理），不是错误
type JobStore interface {
	Create(ctx context.Context, j *Job) (string, error)
	// Get 不存在时返回 nil, nil
	Get(ctx context.Context, jobID string) (*Job, error)
	// ListActiveByKey 同一 (tenant, key) 下非终态且未取消的 Job
	ListActiveByKey(ctx context.Context, tenant Tenant, key string) ([]*Job, error)
	JobsNotInFinalState(ctx context.Context, tenant Tenant) ([]*Job, error)
	// TenantsWithJobsNotInFinalState 仅返回有非终态 Job 的租户，循环据此限定范围，避免全表扫描
	TenantsWithJobsNotInFinalState(ctx context.Context) ([]Tenant, error)
	// ListCancelledUndispatched 已请求取消、仍处于 SUBMITTED / READY_FOR_SCHEDULING 的 Job
	ListCancelledUndispatched(ctx context.Context, tenant Tenant) ([]*Job, error)
	// ScheduledJobsNotInFinalState 已派发（SCHEDULED / RUNNING）的 Job
	ScheduledJobsNotInFinalState(ctx context.Context, tenant Tenant) ([]*Job, error)
	// ListByState 按 priority desc, creation_time asc 排序；limit<=0 不限
	ListByState(ctx context.Context, tenant Tenant, state State, limit int) ([]*Job, error)
	// CountAdmitted 统计 jobTypes 中状态在 [READY_FOR_SCHEDULING, FINISHED) 且未取消的 Job
	CountAdmitted(ctx context.Context, tenant Tenant, jobTypes []string) (int, error)
	// ListPromotionCandidates SUBMITTED、未取消、属于 jobTypes，且同 key 没有其他已准入 Job；
	// 每个 key 至多一个，按 priority desc, creation_time asc 取前 limit 个
	ListPromotionCandidates(ctx context.Context, tenant Tenant, jobTypes []string, limit int) ([]*Job, error)
	// PromoteIfEligible expected -> READY_FOR_SCHEDULING；要求未取消且同 key 无其他已准入 Job
	PromoteIfEligible(ctx context.Context, jobID string, expected State) (bool, error)
	// ResetJobToSubmitted 仅当当前为 SCHEDULED / RUNNING 且 executions.main 仍是 observedExecID 时
	// 置回 SUBMITTED 并清空 executions.main；observedExecID 为空表示对账时没有执行 id
	ResetJobToSubmitted(ctx context.Context, jobID, observedExecID string) (bool, error)
	// MarkScheduled READY_FOR_SCHEDULING -> SCHEDULED，写入 executions.main 与 step_details
	MarkScheduled(ctx context.Context, jobID string, main ExecutionRef, steps []StepDetail) (bool, error)
	SetRevertExecution(ctx context.Context, jobID string, revert ExecutionRef) (bool, error)
	// TransitionState from -> to，须满足 CanTransition
	TransitionState(ctx context.Context, jobID string, from, to State) (bool, error)
	// RequestCancel 写一次：已取消或已终态时返回 false
	RequestCancel(ctx context.Context, jobID string, req CancelRequest) (bool, error)
}

// JobStoreMem 内存实现：map + 单把锁，条件更新在锁内原子完成
type JobStoreMem struct {
	mu   sync.Mutex
	byID map[string]*Job
	now  func() time.Time
}

// NewJobStoreMem 创建内存 JobStore
func NewJobStoreMem() *JobStoreMem {
	return &JobStoreMem{
		byID: make(map[string]*Job),
		now:  time.Now,
	}
}

func (s *JobStoreMem) Create(ctx context.Context, j *Job) (string, error) {
	if j == nil {
		return "", errors.Wrap(errors.ErrInvalidArg, "job is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = "job-" + uuid.New().String()
	}
	if _, exists := s.byID[j.ID]; exists {
		return "", errors.Wrapf(errors.ErrInvalidArg, "job %s already exists", j.ID)
	}
	j.State = StateSubmitted
	if j.CreationTime.IsZero() {
		j.CreationTime = s.now()
	}
	j.UpdatedAt = s.now()
	s.byID[j.ID] = j.Clone()
	return j.ID, nil
}

func (s *JobStoreMem) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

// selectLocked 调用方持锁；返回满足 pred 的副本，按 priority desc, creation_time asc 排序
func (s *JobStoreMem) selectLocked(pred func(*Job) bool) []*Job {
	var list []*Job
	for _, j := range s.byID {
		if pred(j) {
			list = append(list, j.Clone())
		}
	}
	sortByPriority(list)
	return list
}

func sortByPriority(list []*Job) {
	sort.SliceStable(list, func(a, b int) bool {
		if list[a].Priority != list[b].Priority {
			return list[a].Priority > list[b].Priority
		}
		if !list[a].CreationTime.Equal(list[b].CreationTime) {
			return list[a].CreationTime.Before(list[b].CreationTime)
		}
		return list[a].ID < list[b].ID
	})
}

func inTenant(j *Job, t Tenant) bool {
	return j.OrganizationID == t.OrganizationID && j.WorkspaceID == t.WorkspaceID
}

func typeIn(jobType string, jobTypes []string) bool {
	for _, t := range jobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

func (s *JobStoreMem) ListActiveByKey(ctx context.Context, tenant Tenant, key string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(func(j *Job) bool {
		return inTenant(j, tenant) && j.Key == key && j.IsActive()
	}), nil
}

func (s *JobStoreMem) JobsNotInFinalState(ctx context.Context, tenant Tenant) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(func(j *Job) bool {
		return inTenant(j, tenant) && !j.State.IsFinal()
	}), nil
}

func (s *JobStoreMem) TenantsWithJobsNotInFinalState(ctx context.Context) ([]Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[Tenant]struct{})
	var out []Tenant
	for _, j := range s.byID {
		if j.State.IsFinal() {
			continue
		}
		t := j.Tenant()
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].String() < out[b].String() })
	return out, nil
}

func (s *JobStoreMem) ScheduledJobsNotInFinalState(ctx context.Context, tenant Tenant) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.selectLocked(func(j *Job) bool {
		return inTenant(j, tenant) && j.State.IsDispatched()
	})
	sort.SliceStable(list, func(a, b int) bool { return list[a].ID < list[b].ID })
	return list, nil
}

func (s *JobStoreMem) ListCancelledUndispatched(ctx context.Context, tenant Tenant) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(func(j *Job) bool {
		return inTenant(j, tenant) && j.CancellationInfo.IsCancelled &&
			(j.State == StateSubmitted || j.State == StateReadyForScheduling)
	}), nil
}

func (s *JobStoreMem) ListByState(ctx context.Context, tenant Tenant, state State, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.selectLocked(func(j *Job) bool {
		return inTenant(j, tenant) && j.State == state
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *JobStoreMem) CountAdmitted(ctx context.Context, tenant Tenant, jobTypes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.byID {
		if inTenant(j, tenant) && typeIn(j.Type, jobTypes) && j.State.IsAdmitted() && !j.CancellationInfo.IsCancelled {
			n++
		}
	}
	return n, nil
}

// keyAdmittedLocked 同 (tenant, key) 下除 exceptID 外是否存在已准入 Job；调用方持锁
func (s *JobStoreMem) keyAdmittedLocked(tenant Tenant, key, exceptID string) bool {
	for _, o := range s.byID {
		if o.ID != exceptID && inTenant(o, tenant) && o.Key == key && o.State.IsAdmitted() {
			return true
		}
	}
	return false
}

func (s *JobStoreMem) ListPromotionCandidates(ctx context.Context, tenant Tenant, jobTypes []string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.selectLocked(func(j *Job) bool {
		return inTenant(j, tenant) &&
			j.State == StateSubmitted &&
			!j.CancellationInfo.IsCancelled &&
			typeIn(j.Type, jobTypes) &&
			!s.keyAdmittedLocked(tenant, j.Key, j.ID)
	})
	seenKeys := make(map[string]struct{})
	out := make([]*Job, 0, len(list))
	for _, j := range list {
		if _, dup := seenKeys[j.Key]; dup {
			continue
		}
		seenKeys[j.Key] = struct{}{}
		out = append(out, j)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *JobStoreMem) PromoteIfEligible(ctx context.Context, jobID string, expected State) (bool, error) {
	if !CanTransition(expected, StateReadyForScheduling) {
		return false, errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", expected, StateReadyForScheduling)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || j.State != expected || j.CancellationInfo.IsCancelled {
		return false, nil
	}
	if s.keyAdmittedLocked(j.Tenant(), j.Key, j.ID) {
		return false, nil
	}
	j.State = StateReadyForScheduling
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *JobStoreMem) ResetJobToSubmitted(ctx context.Context, jobID, observedExecID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || !CanReset(j.State) {
		return false, nil
	}
	current := ""
	if j.Executions.Main != nil {
		current = j.Executions.Main.ExecutionID
	}
	if current != observedExecID {
		return false, nil
	}
	j.State = StateSubmitted
	j.Executions.Main = nil
	j.StartTime = nil
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *JobStoreMem) MarkScheduled(ctx context.Context, jobID string, main ExecutionRef, steps []StepDetail) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || j.State != StateReadyForScheduling {
		return false, nil
	}
	m := main
	j.State = StateScheduled
	j.Executions.Main = &m
	j.StepDetails = append([]StepDetail(nil), steps...)
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *JobStoreMem) SetRevertExecution(ctx context.Context, jobID string, revert ExecutionRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || j.Executions.Revert != nil {
		return false, nil
	}
	r := revert
	j.Executions.Revert = &r
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *JobStoreMem) TransitionState(ctx context.Context, jobID string, from, to State) (bool, error) {
	if !CanTransition(from, to) {
		return false, errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || j.State != from {
		return false, nil
	}
	now := s.now()
	j.State = to
	j.UpdatedAt = now
	if to == StateRunning && j.StartTime == nil {
		j.StartTime = &now
	}
	if to.IsFinal() {
		j.EndTime = &now
	}
	if to == StateCancelled {
		j.CancellationInfo.CancelTime = &now
	}
	return true, nil
}

func (s *JobStoreMem) RequestCancel(ctx context.Context, jobID string, req CancelRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || j.CancellationInfo.IsCancelled || j.State.IsFinal() {
		return false, nil
	}
	now := s.now()
	j.CancellationInfo.IsCancelled = true
	j.CancellationInfo.UserID = req.UserID
	j.CancellationInfo.DeleteJob = req.DeleteJob
	j.CancellationInfo.RequestTime = &now
	j.UpdatedAt = now
	return true, nil
}
