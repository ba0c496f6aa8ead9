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

// Package engine 是外部 Workflow Engine 的适配层：提交执行、按名字查询执行是否仍存在
package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ExecutionHandle Submit 的返回；ID 为引擎生成的具体执行名（以提交时的名字为前缀）
type ExecutionHandle struct {
	ID string `json:"execution_id"`
}

// Execution 引擎中存在的执行
type Execution struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Engine 外部 Workflow Engine。ListExecutions 只返回仍存在的执行，缺席即孤儿
type Engine interface {
	Submit(ctx context.Context, workflow, version, executionName string, inputs map[string]any) (ExecutionHandle, error)
	ListExecutions(ctx context.Context, names []string) ([]Execution, error)
}

// 执行状态
const (
	StatusRunning   = "Running"
	StatusSucceeded = "Succeeded"
	StatusFailed    = "Failed"
)

type memExecution struct {
	workflow string
	version  string
	status   string
	inputs   map[string]any
}

// MemoryEngine 进程内引擎，供本地运行与测试；Forget 模拟引擎丢失执行记录
type MemoryEngine struct {
	mu         sync.Mutex
	executions map[string]*memExecution
	// 非 nil 时 Submit / ListExecutions 直接返回该错误
	failWith error
}

// NewMemoryEngine 创建空的 MemoryEngine
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{executions: make(map[string]*memExecution)}
}

func (e *MemoryEngine) Submit(ctx context.Context, workflow, version, executionName string, inputs map[string]any) (ExecutionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return ExecutionHandle{}, e.failWith
	}
	id := executionName + "-" + uuid.New().String()[:8]
	e.executions[id] = &memExecution{workflow: workflow, version: version, status: StatusRunning, inputs: inputs}
	return ExecutionHandle{ID: id}, nil
}

func (e *MemoryEngine) ListExecutions(ctx context.Context, names []string) ([]Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return nil, e.failWith
	}
	var out []Execution
	for _, n := range names {
		if ex, ok := e.executions[n]; ok {
			out = append(out, Execution{Name: n, Status: ex.status})
		}
	}
	return out, nil
}

// Forget 删除执行记录
func (e *MemoryEngine) Forget(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executions, name)
}

// SetStatus 修改执行状态，不存在时忽略
func (e *MemoryEngine) SetStatus(name, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.executions[name]; ok {
		ex.status = status
	}
}

// FailWith 之后的调用都返回 err；传 nil 恢复
func (e *MemoryEngine) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failWith = err
}

// Names 当前所有执行名，排序后返回
func (e *MemoryEngine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.executions))
	for n := range e.executions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Workflow 返回执行对应的 workflow 与版本
func (e *MemoryEngine) Workflow(name string) (workflow, version string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[name]
	if !ok {
		return "", "", false
	}
	return ex.workflow, ex.version, true
}
