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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobplane/pkg/errors"
)

// JobStorePg Postgres 实现：jobs 表，多个调度进程共享；跨进程协调只依赖条件更新
type JobStorePg struct {
	pool *pgxpool.Pool
}

// NewJobStorePg 创建基于 PostgreSQL 的 JobStore 并执行迁移
func NewJobStorePg(ctx context.Context, dsn string) (*JobStorePg, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &JobStorePg{pool: pool}, nil
}

// Close 关闭连接池
func (s *JobStorePg) Close() {
	s.pool.Close()
}

const jobColumns = `id, organization_id, workspace_id, project_id, author, job_type, job_key, priority, state,
	is_cancelled, cancel_user_id, cancel_time, cancel_request_time, cancel_delete_job,
	main_execution_id, main_version, revert_execution_id, revert_version,
	step_details, cost, payload, metadata, creation_time, start_time, end_time, updated_at`

const (
	// 与某 Job 同租户同 key 的其他 Job 已处于 [READY_FOR_SCHEDULING, FINISHED)
	keyAdmittedClause = `EXISTS (SELECT 1 FROM jobs o
		WHERE o.organization_id = j.organization_id AND o.workspace_id = j.workspace_id
		  AND o.job_key = j.job_key AND o.id <> j.id AND o.state >= 1 AND o.state < 4)`
	orderByPriority = `ORDER BY priority DESC, creation_time ASC, id ASC`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                                    Job
		state                                int16
		projectID, author, cancelUser        *string
		mainID, mainVer, revertID, revertVer *string
		steps, cost, payload, metadata       []byte
	)
	err := row.Scan(&j.ID, &j.OrganizationID, &j.WorkspaceID, &projectID, &author, &j.Type, &j.Key, &j.Priority, &state,
		&j.CancellationInfo.IsCancelled, &cancelUser, &j.CancellationInfo.CancelTime, &j.CancellationInfo.RequestTime, &j.CancellationInfo.DeleteJob,
		&mainID, &mainVer, &revertID, &revertVer,
		&steps, &cost, &payload, &metadata, &j.CreationTime, &j.StartTime, &j.EndTime, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.State = State(state)
	j.ProjectID = deref(projectID)
	j.Author = deref(author)
	j.CancellationInfo.UserID = deref(cancelUser)
	if mainID != nil {
		j.Executions.Main = &ExecutionRef{ExecutionID: *mainID, Version: deref(mainVer)}
	}
	if revertID != nil {
		j.Executions.Revert = &ExecutionRef{ExecutionID: *revertID, Version: deref(revertVer)}
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{steps, &j.StepDetails}, {cost, &j.Cost}, {payload, &j.Payload}, {metadata, &j.Metadata}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, errors.Wrapf(err, "decode job %s", j.ID)
		}
	}
	return &j, nil
}

func (s *JobStorePg) queryJobs(ctx context.Context, sql string, args ...any) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (s *JobStorePg) exec(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStorePg) Create(ctx context.Context, j *Job) (string, error) {
	if j == nil {
		return "", errors.Wrap(errors.ErrInvalidArg, "job is nil")
	}
	if j.ID == "" {
		j.ID = "job-" + uuid.New().String()
	}
	now := time.Now()
	if j.CreationTime.IsZero() {
		j.CreationTime = now
	}
	j.UpdatedAt = now
	j.State = StateSubmitted
	if j.StepDetails == nil {
		j.StepDetails = []StepDetail{}
	}
	steps, err := marshalJSON(j.StepDetails)
	if err != nil {
		return "", err
	}
	cost, err := marshalJSON(j.Cost)
	if err != nil {
		return "", err
	}
	var payload, metadata any
	if j.Payload != nil {
		if payload, err = marshalJSON(j.Payload); err != nil {
			return "", err
		}
	}
	if j.Metadata != nil {
		if metadata, err = marshalJSON(j.Metadata); err != nil {
			return "", err
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, organization_id, workspace_id, project_id, author, job_type, job_key, priority, state,
			step_details, cost, payload, metadata, creation_time, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		j.ID, j.OrganizationID, j.WorkspaceID, nullStr(j.ProjectID), nullStr(j.Author), j.Type, j.Key, j.Priority, int16(StateSubmitted),
		steps, cost, payload, metadata, j.CreationTime, j.UpdatedAt)
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *JobStorePg) Get(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (s *JobStorePg) ListActiveByKey(ctx context.Context, tenant Tenant, key string) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE organization_id = $1 AND workspace_id = $2 AND job_key = $3 AND state < 4 AND NOT is_cancelled `+orderByPriority,
		tenant.OrganizationID, tenant.WorkspaceID, key)
}

func (s *JobStorePg) JobsNotInFinalState(ctx context.Context, tenant Tenant) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE organization_id = $1 AND workspace_id = $2 AND state < 4 `+orderByPriority,
		tenant.OrganizationID, tenant.WorkspaceID)
}

func (s *JobStorePg) TenantsWithJobsNotInFinalState(ctx context.Context) ([]Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT organization_id, workspace_id FROM jobs WHERE state < 4 ORDER BY organization_id, workspace_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.OrganizationID, &t.WorkspaceID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *JobStorePg) ScheduledJobsNotInFinalState(ctx context.Context, tenant Tenant) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE organization_id = $1 AND workspace_id = $2 AND state IN (2, 3) ORDER BY id`,
		tenant.OrganizationID, tenant.WorkspaceID)
}

func (s *JobStorePg) ListCancelledUndispatched(ctx context.Context, tenant Tenant) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE organization_id = $1 AND workspace_id = $2 AND is_cancelled AND state IN (0, 1) `+orderByPriority,
		tenant.OrganizationID, tenant.WorkspaceID)
}

func (s *JobStorePg) ListByState(ctx context.Context, tenant Tenant, state State, limit int) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE organization_id = $1 AND workspace_id = $2 AND state = $3 `+orderByPriority+` LIMIT $4`,
		tenant.OrganizationID, tenant.WorkspaceID, int16(state), limitArg(limit))
}

func (s *JobStorePg) CountAdmitted(ctx context.Context, tenant Tenant, jobTypes []string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE organization_id = $1 AND workspace_id = $2 AND job_type = ANY($3)
		   AND state >= 1 AND state < 4 AND NOT is_cancelled`,
		tenant.OrganizationID, tenant.WorkspaceID, jobTypes).Scan(&n)
	return n, err
}

func (s *JobStorePg) ListPromotionCandidates(ctx context.Context, tenant Tenant, jobTypes []string, limit int) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM (
			SELECT DISTINCT ON (j.job_key) j.* FROM jobs j
			WHERE j.organization_id = $1 AND j.workspace_id = $2 AND j.job_type = ANY($3)
			  AND j.state = 0 AND NOT j.is_cancelled AND NOT `+keyAdmittedClause+`
			ORDER BY j.job_key, j.priority DESC, j.creation_time ASC, j.id ASC
		) c `+orderByPriority+` LIMIT $4`,
		tenant.OrganizationID, tenant.WorkspaceID, jobTypes, limitArg(limit))
}

// PromoteIfEligible 在事务内按 (tenant, key) 取 advisory lock 后再做条件更新，
// 保证同 key 的两个 SUBMITTED Job 不会被不同进程同时准入
func (s *JobStorePg) PromoteIfEligible(ctx context.Context, jobID string, expected State) (bool, error) {
	if !CanTransition(expected, StateReadyForScheduling) {
		return false, errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", expected, StateReadyForScheduling)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var org, ws, key string
	err = tx.QueryRow(ctx, `SELECT organization_id, workspace_id, job_key FROM jobs WHERE id = $1`, jobID).Scan(&org, &ws, &key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, org+"/"+ws+"/"+key); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE jobs j SET state = 1, updated_at = NOW()
		 WHERE j.id = $1 AND j.state = $2 AND NOT j.is_cancelled AND NOT `+keyAdmittedClause,
		jobID, int16(expected))
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStorePg) ResetJobToSubmitted(ctx context.Context, jobID, observedExecID string) (bool, error) {
	return s.exec(ctx,
		`UPDATE jobs SET state = 0, main_execution_id = NULL, main_version = NULL, start_time = NULL, updated_at = NOW()
		 WHERE id = $1 AND state IN (2, 3) AND COALESCE(main_execution_id, '') = $2`, jobID, observedExecID)
}

func (s *JobStorePg) MarkScheduled(ctx context.Context, jobID string, main ExecutionRef, steps []StepDetail) (bool, error) {
	if steps == nil {
		steps = []StepDetail{}
	}
	raw, err := marshalJSON(steps)
	if err != nil {
		return false, err
	}
	return s.exec(ctx,
		`UPDATE jobs SET state = 2, main_execution_id = $2, main_version = $3, step_details = $4, updated_at = NOW()
		 WHERE id = $1 AND state = 1`, jobID, main.ExecutionID, main.Version, raw)
}

func (s *JobStorePg) SetRevertExecution(ctx context.Context, jobID string, revert ExecutionRef) (bool, error) {
	return s.exec(ctx,
		`UPDATE jobs SET revert_execution_id = $2, revert_version = $3, updated_at = NOW()
		 WHERE id = $1 AND revert_execution_id IS NULL`, jobID, revert.ExecutionID, revert.Version)
}

func (s *JobStorePg) TransitionState(ctx context.Context, jobID string, from, to State) (bool, error) {
	if !CanTransition(from, to) {
		return false, errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", from, to)
	}
	now := time.Now()
	var startTime, endTime, cancelTime any
	if to == StateRunning {
		startTime = now
	}
	if to.IsFinal() {
		endTime = now
	}
	if to == StateCancelled {
		cancelTime = now
	}
	return s.exec(ctx,
		`UPDATE jobs SET state = $3, updated_at = $4,
			start_time = COALESCE(start_time, $5::timestamptz),
			end_time = COALESCE($6::timestamptz, end_time),
			cancel_time = COALESCE($7::timestamptz, cancel_time)
		 WHERE id = $1 AND state = $2`,
		jobID, int16(from), int16(to), now, startTime, endTime, cancelTime)
}

func (s *JobStorePg) RequestCancel(ctx context.Context, jobID string, req CancelRequest) (bool, error) {
	return s.exec(ctx,
		`UPDATE jobs SET is_cancelled = TRUE, cancel_user_id = $2, cancel_delete_job = $3, cancel_request_time = $4, updated_at = $4
		 WHERE id = $1 AND NOT is_cancelled AND state < 4`,
		jobID, nullStr(req.UserID), req.DeleteJob, time.Now())
}
