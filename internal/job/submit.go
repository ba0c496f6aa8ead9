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
	"strings"

	"jobplane/pkg/errors"
)

// DuplicatePolicy 提交时对同 (tenant, key) 活跃 Job 的处理
type DuplicatePolicy string

const (
	// DuplicateAbort 已有活跃 Job 时拒绝提交
	DuplicateAbort DuplicatePolicy = "ABORT"
	// DuplicateReplace 对已有活跃 Job 发起取消请求后再创建
	DuplicateReplace DuplicatePolicy = "REPLACE"
)

// ParseDuplicatePolicy 空串视为 ABORT
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(DuplicateAbort):
		return DuplicateAbort, nil
	case string(DuplicateReplace):
		return DuplicateReplace, nil
	default:
		return "", errors.Wrapf(errors.ErrInvalidArg, "unknown duplicate policy %q", s)
	}
}

// Submit 以 SUBMITTED 状态创建 Job。检查与创建不是原子的，
// 同 key 的并发提交仍可能都落库，准入阶段的 key 排除负责兜底
func Submit(ctx context.Context, store JobStore, j *Job, policy DuplicatePolicy) (string, error) {
	if j == nil {
		return "", errors.Wrap(errors.ErrInvalidArg, "job is nil")
	}
	if j.OrganizationID == "" || j.WorkspaceID == "" {
		return "", errors.Wrap(errors.ErrInvalidArg, "tenant is required")
	}
	if j.Type == "" || j.Key == "" {
		return "", errors.Wrap(errors.ErrInvalidArg, "type and key are required")
	}
	active, err := store.ListActiveByKey(ctx, j.Tenant(), j.Key)
	if err != nil {
		return "", err
	}
	if len(active) > 0 {
		switch policy {
		case DuplicateReplace:
			for _, old := range active {
				if _, err := store.RequestCancel(ctx, old.ID, CancelRequest{UserID: j.Author}); err != nil {
					return "", errors.Wrapf(err, "cancel replaced job %s", old.ID)
				}
			}
		default:
			return "", errors.Wrapf(errors.ErrDuplicateJob, "key %s already has active job %s", j.Key, active[0].ID)
		}
	}
	return store.Create(ctx, j)
}
