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

package dispatcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobplane/internal/engine"
	"jobplane/internal/job"
	"jobplane/internal/template"
	"jobplane/internal/workflow"
	"jobplane/pkg/errors"
	"jobplane/pkg/log"
)

var tenantA = job.Tenant{OrganizationID: "org-1", WorkspaceID: "ws-1"}

type fixture struct {
	store *job.JobStoreMem
	eng   *engine.MemoryEngine
	d     *Dispatcher
}

func newFixture() *fixture {
	store := job.NewJobStoreMem()
	eng := engine.NewMemoryEngine()
	workflows := workflow.NewRegistry(map[string]workflow.Mapping{
		"train": {
			Main:   workflow.Coordinates{Name: "train-wf", Version: "3"},
			Revert: &workflow.Coordinates{Name: "train-revert", Version: "1"},
		},
		"export":      {Main: workflow.Coordinates{Name: "export-wf", Version: "1"}},
		"no-template": {Main: workflow.Coordinates{Name: "x-wf", Version: "1"}},
	})
	templates := template.NewRegistry(map[string][]template.Step{
		"train": {
			{Name: "prepare", TaskID: "t1"},
			{Name: "full", TaskID: "t2", Branches: []template.Branch{{Condition: "full", Branch: "full", SkipMessage: "not a full run"}}},
			{Name: "publish", TaskID: "t3"},
		},
		"export": {{Name: "export", TaskID: "e1"}},
		"orphan": {{Name: "x", TaskID: "x"}},
	})
	return &fixture{
		store: store,
		eng:   eng,
		d:     New(store, eng, workflows, templates, Config{}, log.Nop()),
	}
}

func (f *fixture) ready(t *testing.T, jobType, key string, metadata map[string]any) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.Create(ctx, &job.Job{
		OrganizationID: tenantA.OrganizationID,
		WorkspaceID:    tenantA.WorkspaceID,
		Type:           jobType,
		Key:            key,
		Metadata:       metadata,
	})
	require.NoError(t, err)
	ok, err := f.store.PromoteIfEligible(ctx, id, job.StateSubmitted)
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func (f *fixture) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestDispatcher_DispatchesReadyJob(t *testing.T) {
	f := newFixture()
	id := f.ready(t, "train", "K", nil)
	require.NoError(t, f.d.Tick(context.Background()))

	j := f.get(t, id)
	assert.Equal(t, job.StateScheduled, j.State)
	require.NotNil(t, j.Executions.Main)
	assert.True(t, strings.HasPrefix(j.Executions.Main.ExecutionID, workflow.MainExecutionName(id)))
	assert.Equal(t, "3", j.Executions.Main.Version)
	require.Len(t, j.StepDetails, 3)
	assert.Equal(t, job.StepPending, j.StepDetails[0].State)
	assert.Equal(t, job.StepSkipped, j.StepDetails[1].State, "branch step without a condition is skipped")
	assert.Equal(t, job.StepPending, j.StepDetails[2].State)

	wf, ver, ok := f.eng.Workflow(j.Executions.Main.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, "train-wf", wf)
	assert.Equal(t, "3", ver)
}

func TestDispatcher_AppliesBranchCondition(t *testing.T) {
	f := newFixture()
	id := f.ready(t, "train", "K", map[string]any{MetadataBranchCondition: "incremental"})
	require.NoError(t, f.d.Tick(context.Background()))

	j := f.get(t, id)
	require.Len(t, j.StepDetails, 3)
	assert.Equal(t, job.StepSkipped, j.StepDetails[1].State)
	assert.Equal(t, "not a full run", j.StepDetails[1].Message)
	assert.Equal(t, job.StepPending, j.StepDetails[2].State)
}

func TestDispatcher_SelectedBranchRuns(t *testing.T) {
	f := newFixture()
	id := f.ready(t, "train", "K", map[string]any{MetadataBranchCondition: "full"})
	require.NoError(t, f.d.Tick(context.Background()))

	j := f.get(t, id)
	require.Len(t, j.StepDetails, 3)
	for _, sd := range j.StepDetails {
		assert.Equal(t, job.StepPending, sd.State, sd.StepName)
	}
}

func TestDispatcher_MissingTemplateIsFatal(t *testing.T) {
	f := newFixture()
	id := f.ready(t, "no-template", "K", nil)
	err := f.d.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
	assert.Equal(t, job.StateReadyForScheduling, f.get(t, id).State)
	assert.Empty(t, f.eng.Names(), "nothing is submitted before configuration is resolved")
}

func TestDispatcher_MissingWorkflowIsFatal(t *testing.T) {
	f := newFixture()
	f.ready(t, "orphan", "K", nil)
	err := f.d.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestDispatcher_RunReturnsConfigurationError(t *testing.T) {
	f := newFixture()
	f.ready(t, "orphan", "K", nil)
	f.d.cfg.Interval = 5 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- f.d.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.True(t, errors.IsConfigurationError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Run should stop on a configuration error")
	}
}

func TestDispatcher_EngineFailureLeavesJobReady(t *testing.T) {
	f := newFixture()
	id := f.ready(t, "export", "K", nil)
	f.eng.FailWith(errors.Transient("engine.submit", errors.New("503")))
	require.NoError(t, f.d.Tick(context.Background()))
	assert.Equal(t, job.StateReadyForScheduling, f.get(t, id).State)

	f.eng.FailWith(nil)
	require.NoError(t, f.d.Tick(context.Background()))
	assert.Equal(t, job.StateScheduled, f.get(t, id).State)
}

func TestDispatcher_FinalizesCancelledJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ready := f.ready(t, "export", "K1", nil)
	submitted, err := f.store.Create(ctx, &job.Job{OrganizationID: "org-1", WorkspaceID: "ws-1", Type: "export", Key: "K2"})
	require.NoError(t, err)
	running := f.ready(t, "export", "K3", nil)
	require.NoError(t, f.d.Tick(ctx))
	_, err = f.store.TransitionState(ctx, running, job.StateScheduled, job.StateRunning)
	require.NoError(t, err)

	for _, id := range []string{ready, submitted, running} {
		_, err := f.store.RequestCancel(ctx, id, job.CancelRequest{UserID: "u"})
		require.NoError(t, err)
	}
	// ready 已在上一轮被派发；重新造一个未派发的 READY Job
	readyCancelled := f.ready(t, "export", "K4", nil)
	_, err = f.store.RequestCancel(ctx, readyCancelled, job.CancelRequest{UserID: "u"})
	require.NoError(t, err)

	require.NoError(t, f.d.Tick(ctx))
	assert.Equal(t, job.StateCancelled, f.get(t, submitted).State)
	assert.Equal(t, job.StateCancelled, f.get(t, readyCancelled).State)
	assert.Nil(t, f.get(t, readyCancelled).Executions.Main)
	assert.Equal(t, job.StateRunning, f.get(t, running).State, "dispatched jobs observe cancellation on their own")
	assert.NotNil(t, f.get(t, submitted).EndTime)
}

// noFullScanStore 全量读取非终态 Job 时报错
type noFullScanStore struct {
	job.JobStore
}

func (noFullScanStore) JobsNotInFinalState(ctx context.Context, tenant job.Tenant) ([]*job.Job, error) {
	return nil, errors.New("full scan of non-final jobs")
}

func TestDispatcher_FinalizeCancelledReadsOnlyCancelledJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d := New(noFullScanStore{JobStore: f.store}, f.eng, f.d.workflows, f.d.templates, Config{}, log.Nop())
	cancelled, err := f.store.Create(ctx, &job.Job{OrganizationID: "org-1", WorkspaceID: "ws-1", Type: "export", Key: "K1"})
	require.NoError(t, err)
	_, err = f.store.RequestCancel(ctx, cancelled, job.CancelRequest{UserID: "u"})
	require.NoError(t, err)
	kept, err := f.store.Create(ctx, &job.Job{OrganizationID: "org-1", WorkspaceID: "ws-1", Type: "export", Key: "K2"})
	require.NoError(t, err)

	n, err := d.FinalizeCancelled(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, job.StateCancelled, f.get(t, cancelled).State)
	assert.Equal(t, job.StateSubmitted, f.get(t, kept).State)
}

func TestDispatcher_BatchSize(t *testing.T) {
	f := newFixture()
	f.d.cfg.BatchSize = 2
	for _, k := range []string{"a", "b", "c"} {
		f.ready(t, "export", k, nil)
	}
	n, err := f.d.DispatchTenant(context.Background(), tenantA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.d.DispatchTenant(context.Background(), tenantA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatcher_SubmitRevert(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id := f.ready(t, "train", "K", nil)
	require.NoError(t, f.d.Tick(ctx))

	ref, err := f.d.SubmitRevert(ctx, id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref.ExecutionID, workflow.RevertExecutionName(id)))
	assert.Equal(t, "1", ref.Version)
	j := f.get(t, id)
	require.NotNil(t, j.Executions.Revert)
	assert.Equal(t, ref, *j.Executions.Revert)

	again, err := f.d.SubmitRevert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ref, again, "revert is submitted once")

	exportID := f.ready(t, "export", "K2", nil)
	_, err = f.d.SubmitRevert(ctx, exportID)
	assert.ErrorIs(t, err, errors.ErrNotRevertible)

	_, err = f.d.SubmitRevert(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
