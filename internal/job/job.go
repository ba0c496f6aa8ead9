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
	"fmt"
	"time"
)

// Tenant 隔离的调度域：(organization, workspace)
type Tenant struct {
	OrganizationID string
	WorkspaceID    string
}

func (t Tenant) String() string {
	return fmt.Sprintf("%s/%s", t.OrganizationID, t.WorkspaceID)
}

// CancellationInfo 取消请求；IsCancelled 一旦为 true 不再重置。读方需容忍滞后（轮询可见）
type CancellationInfo struct {
	IsCancelled bool       `json:"is_cancelled"`
	UserID      string     `json:"user_id,omitempty"`
	CancelTime  *time.Time `json:"cancel_time,omitempty"`  // 进入 CANCELLED 的时间
	RequestTime *time.Time `json:"request_time,omitempty"` // 请求取消的时间
	DeleteJob   bool       `json:"delete_job"`
}

// ExecutionRef 外部 workflow engine 中的一次执行
type ExecutionRef struct {
	ExecutionID string `json:"execution_id"`
	Version     string `json:"version"`
}

// Executions 主执行与可选的回滚执行
type Executions struct {
	Main   *ExecutionRef `json:"main,omitempty"`
	Revert *ExecutionRef `json:"revert,omitempty"`
}

// StepState 单步状态
type StepState string

const (
	StepPending StepState = "PENDING"
	StepRunning StepState = "RUNNING"
	StepDone    StepState = "DONE"
	StepFailed  StepState = "FAILED"
	StepSkipped StepState = "SKIPPED"
)

// StepDetail 进度上报结构，由模板物化
type StepDetail struct {
	Index    int       `json:"index"`
	TaskID   string    `json:"task_id"`
	StepName string    `json:"step_name"`
	State    StepState `json:"state"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Warning  string    `json:"warning,omitempty"`
}

// Resource 资源量，如 {2, "gpu"}
type Resource struct {
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}

// Cost 资源申请与实际消耗
type Cost struct {
	Requests []Resource `json:"requests"`
	Consumed []Resource `json:"consumed"`
}

// Job 调度核心唯一实体。Payload / Metadata 为 job type 私有数据，调度器不解释
type Job struct {
	ID             string
	OrganizationID string
	WorkspaceID    string
	ProjectID      string
	Author         string

	Type     string
	Key      string // 去重指纹
	Priority int    // 越大越先

	State            State
	CancellationInfo CancellationInfo
	Executions       Executions
	StepDetails      []StepDetail
	Cost             Cost

	CreationTime time.Time
	StartTime    *time.Time
	EndTime      *time.Time
	UpdatedAt    time.Time

	Payload  map[string]any
	Metadata map[string]any
}

// Tenant 返回 Job 所属租户
func (j *Job) Tenant() Tenant {
	return Tenant{OrganizationID: j.OrganizationID, WorkspaceID: j.WorkspaceID}
}

// IsActive 非终态且未取消
func (j *Job) IsActive() bool {
	return !j.State.IsFinal() && !j.CancellationInfo.IsCancelled
}

// Clone 深拷贝，存储实现返回副本避免共享可变状态
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.CancellationInfo.CancelTime = cloneTime(j.CancellationInfo.CancelTime)
	cp.CancellationInfo.RequestTime = cloneTime(j.CancellationInfo.RequestTime)
	if j.Executions.Main != nil {
		m := *j.Executions.Main
		cp.Executions.Main = &m
	}
	if j.Executions.Revert != nil {
		r := *j.Executions.Revert
		cp.Executions.Revert = &r
	}
	if j.StepDetails != nil {
		cp.StepDetails = append([]StepDetail(nil), j.StepDetails...)
	}
	cp.Cost.Requests = append([]Resource(nil), j.Cost.Requests...)
	cp.Cost.Consumed = append([]Resource(nil), j.Cost.Consumed...)
	cp.StartTime = cloneTime(j.StartTime)
	cp.EndTime = cloneTime(j.EndTime)
	cp.Payload = cloneMap(j.Payload)
	cp.Metadata = cloneMap(j.Metadata)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// cloneMap 浅拷贝顶层；嵌套值视为不可变
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
