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

// Package template 维护 job_type -> 有序步骤列表的只读注册表，
// 用于生成 step_details 与解析条件分支。进程启动时构建一次，按引用传入各组件
package template

import (
	"fmt"
	"sort"

	"jobplane/internal/job"
	"jobplane/pkg/config"
	"jobplane/pkg/errors"
)

// Branch 条件分支：Condition 成立时 Step 属于 Branch；否则该 Step 以 SkipMessage 跳过
type Branch struct {
	Condition   string
	Branch      string
	SkipMessage string
}

// Step 模板中的单个步骤；Branches 为空表示无条件执行
type Step struct {
	Name           string
	TaskID         string
	StartMessage   string
	SuccessMessage string
	FailureMessage string
	Branches       []Branch
}

// Registry 只读，构建后不再修改，可并发读取
type Registry struct {
	templates map[string][]Step
}

// NewRegistry 复制传入的模板
func NewRegistry(templates map[string][]Step) *Registry {
	r := &Registry{templates: make(map[string][]Step, len(templates))}
	for jobType, steps := range templates {
		cp := make([]Step, len(steps))
		for i, s := range steps {
			s.Branches = append([]Branch(nil), s.Branches...)
			cp[i] = s
		}
		r.templates[jobType] = cp
	}
	return r
}

// FromConfig 由配置 templates 段构建
func FromConfig(cfg map[string][]config.StepConfig) *Registry {
	templates := make(map[string][]Step, len(cfg))
	for jobType, steps := range cfg {
		list := make([]Step, 0, len(steps))
		for _, sc := range steps {
			st := Step{
				Name:           sc.Name,
				TaskID:         sc.TaskID,
				StartMessage:   sc.StartMessage,
				SuccessMessage: sc.SuccessMessage,
				FailureMessage: sc.FailureMessage,
			}
			for _, b := range sc.Branches {
				st.Branches = append(st.Branches, Branch{Condition: b.Condition, Branch: b.Branch, SkipMessage: b.SkipMessage})
			}
			list = append(list, st)
		}
		templates[jobType] = list
	}
	return NewRegistry(templates)
}

func missingTemplate(jobType string) error {
	return errors.NewConfigurationError("template", jobType, "no job template registered")
}

// Steps 返回 jobType 的步骤副本；未注册时返回 ConfigurationError
func (r *Registry) Steps(jobType string) ([]Step, error) {
	steps, ok := r.templates[jobType]
	if !ok {
		return nil, missingTemplate(jobType)
	}
	return append([]Step(nil), steps...), nil
}

// JobTypes 已注册的 job type，排序后返回
func (r *Registry) JobTypes() []string {
	out := make([]string, 0, len(r.templates))
	for t := range r.templates {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// BuildStepDetails 按模板生成初始 step_details，全部 PENDING
func (r *Registry) BuildStepDetails(jobType string) ([]job.StepDetail, error) {
	steps, err := r.Steps(jobType)
	if err != nil {
		return nil, err
	}
	details := make([]job.StepDetail, len(steps))
	for i, s := range steps {
		details[i] = job.StepDetail{
			Index:    i,
			TaskID:   s.TaskID,
			StepName: s.Name,
			State:    job.StepPending,
			Message:  s.StartMessage,
		}
	}
	return details, nil
}

// ResolveBranch 返回 condition 对应的分支名；模板中没有该条件时 ok=false
func (r *Registry) ResolveBranch(jobType, condition string) (branch string, ok bool, err error) {
	steps, err := r.Steps(jobType)
	if err != nil {
		return "", false, err
	}
	for _, s := range steps {
		for _, b := range s.Branches {
			if b.Condition == condition {
				return b.Branch, true, nil
			}
		}
	}
	return "", false, nil
}

// ApplyBranch 将不属于 condition 所选分支的步骤标记为 SKIPPED。
// details 与模板按 Index 对应，长度不一致视为模板已变更
func (r *Registry) ApplyBranch(details []job.StepDetail, jobType, condition string) ([]job.StepDetail, error) {
	steps, err := r.Steps(jobType)
	if err != nil {
		return nil, err
	}
	if len(details) != len(steps) {
		return nil, errors.Wrapf(errors.ErrInvalidArg, "job type %s: %d step details for %d template steps", jobType, len(details), len(steps))
	}
	out := append([]job.StepDetail(nil), details...)
	for i, s := range steps {
		if len(s.Branches) == 0 || selects(s.Branches, condition) {
			continue
		}
		out[i].State = job.StepSkipped
		out[i].Progress = 0
		out[i].Message = s.Branches[0].SkipMessage
	}
	return out, nil
}

func selects(branches []Branch, condition string) bool {
	for _, b := range branches {
		if b.Condition == condition {
			return true
		}
	}
	return false
}

// Validate 启动时校验：每个 job type 都有模板，步骤名非空且不重复
func (r *Registry) Validate(jobTypes []string) error {
	for _, jobType := range jobTypes {
		steps, ok := r.templates[jobType]
		if !ok {
			return missingTemplate(jobType)
		}
		seen := make(map[string]struct{}, len(steps))
		for i, s := range steps {
			if s.Name == "" {
				return errors.NewConfigurationError("template", jobType, fmt.Sprintf("step %d has no name", i))
			}
			if _, dup := seen[s.Name]; dup {
				return errors.NewConfigurationError("template", jobType, fmt.Sprintf("duplicate step %q", s.Name))
			}
			seen[s.Name] = struct{}{}
		}
	}
	return nil
}
