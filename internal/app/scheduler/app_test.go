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

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobplane/internal/engine"
	"jobplane/internal/job"
	"jobplane/pkg/config"
	"jobplane/pkg/errors"
)

func testConfig() *config.Config {
	return &config.Config{
		JobStore: config.JobStoreConfig{Type: "memory"},
		Capacity: config.CapacityConfig{Store: "memory", Provider: "static", Static: map[string]int{"gpu": 1}, RefreshInterval: "50ms"},
		Engine:   config.EngineConfig{Type: "memory"},
		Scheduler: config.SchedulerConfig{
			PrioritizerInterval: "10ms",
			RecoveryInterval:    "10ms",
			DispatcherInterval:  "10ms",
			Pools: []config.PoolConfig{
				{Name: "regular", JobTypes: []string{"train"}, Budget: 2},
				{Name: "gpu", JobTypes: []string{"gpu-train"}, Budget: 0, Resource: "gpu"},
			},
		},
		Workflows: map[string]config.WorkflowConfig{
			"train":     {Name: "train-wf", Version: "1"},
			"gpu-train": {Name: "gpu-train-wf", Version: "2"},
		},
		Templates: map[string][]config.StepConfig{
			"train":     {{Name: "fit", TaskID: "t1"}},
			"gpu-train": {{Name: "fit", TaskID: "g1"}},
		},
		Secrets: config.SecretsConfig{Provider: "memory"},
		Log:     config.LogConfig{Level: "error"},
	}
}

func TestNewApp_ValidatesPools(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	delete(cfg.Workflows, "gpu-train")
	_, err := NewApp(ctx, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err), "missing workflow mapping: %v", err)

	cfg = testConfig()
	delete(cfg.Templates, "train")
	_, err = NewApp(ctx, cfg)
	assert.True(t, errors.IsConfigurationError(err), "missing template: %v", err)

	cfg = testConfig()
	cfg.Scheduler.Pools[1].JobTypes = []string{"train"}
	_, err = NewApp(ctx, cfg)
	assert.True(t, errors.IsConfigurationError(err), "job type in two pools: %v", err)

	cfg = testConfig()
	cfg.Scheduler.Pools = nil
	_, err = NewApp(ctx, cfg)
	assert.True(t, errors.IsConfigurationError(err), "no pools: %v", err)

	cfg = testConfig()
	cfg.Engine.Type = "grpc"
	_, err = NewApp(ctx, cfg)
	assert.True(t, errors.IsConfigurationError(err), "unknown engine: %v", err)
}

func TestNewApp_HertzLogsFollowLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.log")
	cfg := testConfig()
	cfg.Log = config.LogConfig{Level: "info", File: path}
	cfg.Admin = config.AdminConfig{Enable: true, Host: "127.0.0.1", Port: 0}
	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = app.Shutdown(context.Background()) }()

	hlog.Info("admin logger check")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "admin logger check")
}

func waitState(t *testing.T, store job.JobStore, id string, want job.State) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), id)
		if err != nil || j == nil {
			return false
		}
		got = j
		return j.State == want
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

// 提交 -> 准入 -> 派发 -> 引擎丢失执行 -> 重置 -> 再次派发得到新的执行 id
func TestApp_EndToEnd(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, app.Shutdown(context.Background()))
	}()

	store := app.Store()
	id, err := job.Submit(context.Background(), store, &job.Job{
		OrganizationID: "org-1", WorkspaceID: "ws-1", Type: "train", Key: "K",
	}, job.DuplicateAbort)
	require.NoError(t, err)

	scheduled := waitState(t, store, id, job.StateScheduled)
	require.NotNil(t, scheduled.Executions.Main)
	first := scheduled.Executions.Main.ExecutionID

	mem, ok := app.engine.(*engine.MemoryEngine)
	require.True(t, ok)
	mem.Forget(first)

	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), id)
		return err == nil && j != nil && j.State == job.StateScheduled &&
			j.Executions.Main != nil && j.Executions.Main.ExecutionID != first
	}, 3*time.Second, 10*time.Millisecond)
}

func TestApp_GPUPoolUsesCapacityBudget(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	store := app.Store()
	for _, key := range []string{"a", "b"} {
		_, err := job.Submit(context.Background(), store, &job.Job{
			OrganizationID: "org-1", WorkspaceID: "ws-1", Type: "gpu-train", Key: key,
		}, job.DuplicateAbort)
		require.NoError(t, err)
	}
	// 静态预算为 0，capacity 报告 gpu=1：恰好一个被准入
	require.Eventually(t, func() bool {
		n, _ := store.CountAdmitted(context.Background(), job.Tenant{OrganizationID: "org-1", WorkspaceID: "ws-1"}, []string{"gpu-train"})
		return n == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	n, err := store.CountAdmitted(context.Background(), job.Tenant{OrganizationID: "org-1", WorkspaceID: "ws-1"}, []string{"gpu-train"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApp_ConfigurationErrorStopsRun(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig())
	require.NoError(t, err)
	store := app.Store()
	ctx := context.Background()

	// 不属于任何池的 job type 被外部直接置为 READY_FOR_SCHEDULING
	id, err := store.Create(ctx, &job.Job{OrganizationID: "org-1", WorkspaceID: "ws-1", Type: "export", Key: "K"})
	require.NoError(t, err)
	ok, err := store.PromoteIfEligible(ctx, id, job.StateSubmitted)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	select {
	case err := <-done:
		assert.True(t, errors.IsConfigurationError(err), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run should stop on a configuration error")
	}
}
