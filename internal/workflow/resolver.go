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

// Package workflow 负责 job_id 与外部执行名的确定性映射，以及 job_type -> workflow 坐标查找
package workflow

import (
	"sort"

	"jobplane/pkg/config"
	"jobplane/pkg/errors"
)

const (
	executionPrefix = "ex-"
	revertSuffix    = "-revert"
)

// Coordinates workflow 名称与版本
type Coordinates struct {
	Name    string
	Version string
}

// Mapping 单个 job type 的主 workflow 与可选 revert workflow
type Mapping struct {
	Main   Coordinates
	Revert *Coordinates
}

// MainExecutionName 主执行名
func MainExecutionName(jobID string) string {
	return executionPrefix + jobID
}

// RevertExecutionName 回滚执行名
func RevertExecutionName(jobID string) string {
	return MainExecutionName(jobID) + revertSuffix
}

// Registry job_type -> Mapping，启动时加载一次
type Registry struct {
	mappings map[string]Mapping
}

// NewRegistry 复制 mappings
func NewRegistry(mappings map[string]Mapping) *Registry {
	r := &Registry{mappings: make(map[string]Mapping, len(mappings))}
	for k, m := range mappings {
		if m.Revert != nil {
			rv := *m.Revert
			m.Revert = &rv
		}
		r.mappings[k] = m
	}
	return r
}

// FromConfig 由配置 workflows 段构建；revert_name 为空表示不可回滚
func FromConfig(cfg map[string]config.WorkflowConfig) *Registry {
	mappings := make(map[string]Mapping, len(cfg))
	for jobType, wc := range cfg {
		m := Mapping{Main: Coordinates{Name: wc.Name, Version: wc.Version}}
		if wc.RevertName != "" {
			m.Revert = &Coordinates{Name: wc.RevertName, Version: wc.RevertVersion}
		}
		mappings[jobType] = m
	}
	return NewRegistry(mappings)
}

// ResolveMainWorkflow 缺少映射属于部署错误，返回 ConfigurationError
func (r *Registry) ResolveMainWorkflow(jobType string) (Coordinates, error) {
	m, ok := r.mappings[jobType]
	if !ok || m.Main.Name == "" {
		return Coordinates{}, errors.NewConfigurationError("workflow", jobType, "no main workflow mapping")
	}
	return m.Main, nil
}

// ResolveRevertWorkflow ok=false 表示该 job type 不可回滚
func (r *Registry) ResolveRevertWorkflow(jobType string) (Coordinates, bool) {
	m, ok := r.mappings[jobType]
	if !ok || m.Revert == nil {
		return Coordinates{}, false
	}
	return *m.Revert, true
}

// JobTypes 已配置主 workflow 的 job type
func (r *Registry) JobTypes() []string {
	out := make([]string, 0, len(r.mappings))
	for t := range r.mappings {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate 每个 job type 都必须有主 workflow
func (r *Registry) Validate(jobTypes []string) error {
	for _, jobType := range jobTypes {
		if _, err := r.ResolveMainWorkflow(jobType); err != nil {
			return err
		}
	}
	return nil
}
