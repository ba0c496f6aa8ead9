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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
jobstore:
  type: postgres
  dsn: "secret:jobstore_dsn"
scheduler:
  prioritizer_interval: 3s
  recovery_batch_size: 25
  pools:
    - name: regular
      job_types: [import, export]
      budget: 4
    - name: gpu
      job_types: [train]
      resource: gpu
      budget: 1
workflows:
  train:
    name: train-wf
    version: "3"
    revert_name: train-revert
    revert_version: "1"
templates:
  train:
    - name: prepare
      task_id: t-prepare
    - name: fit
      task_id: t-fit
      branches:
        - condition: warm_start
          branch: resume
          skip_message: skipped on cold start
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.JobStore.Type)
	assert.Equal(t, "secret:jobstore_dsn", cfg.JobStore.DSN)
	assert.Equal(t, "3s", cfg.Scheduler.PrioritizerInterval)
	assert.Equal(t, 25, cfg.Scheduler.RecoveryBatchSize)
	require.Len(t, cfg.Scheduler.Pools, 2)
	assert.Equal(t, []string{"import", "export"}, cfg.Scheduler.Pools[0].JobTypes)
	assert.Equal(t, "gpu", cfg.Scheduler.Pools[1].Resource)
	assert.Equal(t, "train-wf", cfg.Workflows["train"].Name)
	assert.Equal(t, "1", cfg.Workflows["train"].RevertVersion)
	require.Len(t, cfg.Templates["train"], 2)
	assert.Equal(t, "resume", cfg.Templates["train"][1].Branches[0].Branch)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "log:\n  format: text\n"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.JobStore.Type)
	assert.Equal(t, 50, cfg.Scheduler.RecoveryBatchSize)
	assert.Equal(t, "1m", cfg.Scheduler.RecoveryInterval)
	assert.True(t, cfg.Scheduler.DispatcherOn())
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("JOBSTORE_DSN", "postgres://override")
	cfg, err := LoadConfig(writeConfig(t, testYAML))
	require.NoError(t, err)
	assert.Equal(t, "postgres://override", cfg.JobStore.DSN)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, ParseDuration("2s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("bogus", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("-1s", time.Minute))
}
