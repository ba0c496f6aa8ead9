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
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testJobStoreDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_JOBSTORE_DSN")
	if dsn == "" {
		t.Skip("TEST_JOBSTORE_DSN not set, skipping Postgres JobStore tests")
	}
	return dsn
}

func newTestJobStorePg(t *testing.T, ctx context.Context) (*JobStorePg, func()) {
	store, err := NewJobStorePg(ctx, testJobStoreDSN(t))
	if err != nil {
		t.Fatalf("NewJobStorePg: %v", err)
	}
	_, _ = store.pool.Exec(ctx, `DELETE FROM jobs`)
	return store, func() { store.Close() }
}

func TestJobStorePg_CreateGet(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestJobStorePg(t, ctx)
	defer cleanup()
	j := newJob("", "train", "K", 3, 0)
	j.Payload = map[string]any{"dataset": "d1"}
	id, err := store.Create(ctx, j)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Type != "train" || got.Key != "K" || got.Priority != 3 || got.State != StateSubmitted {
		t.Fatalf("Get: got %+v", got)
	}
	if got.Payload["dataset"] != "d1" {
		t.Errorf("payload = %v", got.Payload)
	}
	missing, err := store.Get(ctx, "missing")
	if err != nil || missing != nil {
		t.Errorf("Get missing: %v, %v", missing, err)
	}
}

func TestJobStorePg_PromoteAndReset(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestJobStorePg(t, ctx)
	defer cleanup()
	id, _ := store.Create(ctx, newJob("", "train", "K", 1, 0))
	dup, _ := store.Create(ctx, newJob("", "train", "K", 1, time.Second))

	cands, err := store.ListPromotionCandidates(ctx, tenantA, []string{"train"}, 10)
	if err != nil {
		t.Fatalf("ListPromotionCandidates: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != id {
		t.Fatalf("candidates = %+v, want only %s", cands, id)
	}
	if ok, err := store.PromoteIfEligible(ctx, id, StateSubmitted); err != nil || !ok {
		t.Fatalf("promote: %v %v", ok, err)
	}
	if ok, _ := store.PromoteIfEligible(ctx, dup, StateSubmitted); ok {
		t.Fatal("duplicate key must not be promoted")
	}
	if ok, err := store.MarkScheduled(ctx, id, ExecutionRef{ExecutionID: "ex-" + id + "-a", Version: "v1"},
		[]StepDetail{{Index: 0, StepName: "prepare", State: StepPending}}); err != nil || !ok {
		t.Fatalf("MarkScheduled: %v %v", ok, err)
	}
	got, _ := store.Get(ctx, id)
	if got.Executions.Main == nil || got.Executions.Main.Version != "v1" || len(got.StepDetails) != 1 {
		t.Fatalf("after MarkScheduled: %+v", got)
	}
	if ok, _ := store.ResetJobToSubmitted(ctx, id, "ex-"+id+"-stale"); ok {
		t.Fatal("reset with a stale execution id must not match")
	}
	if ok, err := store.ResetJobToSubmitted(ctx, id, "ex-"+id+"-a"); err != nil || !ok {
		t.Fatalf("reset: %v %v", ok, err)
	}
	got, _ = store.Get(ctx, id)
	if got.State != StateSubmitted || got.Executions.Main != nil {
		t.Errorf("after reset: %+v", got)
	}
	if ok, _ := store.ResetJobToSubmitted(ctx, id, "ex-"+id+"-a"); ok {
		t.Error("second reset should be a no-op")
	}
}

func TestJobStorePg_ConcurrentPromoteSameKey(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestJobStorePg(t, ctx)
	defer cleanup()
	var ids []string
	for i := 0; i < 4; i++ {
		id, _ := store.Create(ctx, newJob("", "train", "K", 1, time.Duration(i)*time.Second))
		ids = append(ids, id)
	}
	var wins int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := store.PromoteIfEligible(ctx, id, StateSubmitted)
			if err != nil {
				t.Errorf("promote %s: %v", id, err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(id)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestJobStorePg_CancelAndTransition(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestJobStorePg(t, ctx)
	defer cleanup()
	id, _ := store.Create(ctx, newJob("", "train", "K", 1, 0))
	if ok, _ := store.RequestCancel(ctx, id, CancelRequest{UserID: "u1"}); !ok {
		t.Fatal("first cancel request should apply")
	}
	if ok, _ := store.RequestCancel(ctx, id, CancelRequest{UserID: "u2"}); ok {
		t.Fatal("cancel is write-once")
	}
	if ok, _ := store.TransitionState(ctx, id, StateSubmitted, StateCancelled); !ok {
		t.Fatal("SUBMITTED -> CANCELLED should apply")
	}
	got, _ := store.Get(ctx, id)
	if got.State != StateCancelled || got.EndTime == nil || got.CancellationInfo.CancelTime == nil || got.CancellationInfo.UserID != "u1" {
		t.Errorf("after cancel: %+v", got)
	}
	tenants, _ := store.TenantsWithJobsNotInFinalState(ctx)
	if len(tenants) != 0 {
		t.Errorf("tenants = %v, want none", tenants)
	}
}

func TestJobStorePg_ListCancelledUndispatched(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestJobStorePg(t, ctx)
	defer cleanup()
	cancelled, _ := store.Create(ctx, newJob("", "train", "K1", 1, 0))
	live, _ := store.Create(ctx, newJob("", "train", "K2", 1, 0))
	if ok, err := store.RequestCancel(ctx, cancelled, CancelRequest{UserID: "u"}); err != nil || !ok {
		t.Fatalf("RequestCancel: %v %v", ok, err)
	}
	got, err := store.ListCancelledUndispatched(ctx, tenantA)
	if err != nil {
		t.Fatalf("ListCancelledUndispatched: %v", err)
	}
	if len(got) != 1 || got[0].ID != cancelled {
		t.Fatalf("got %d jobs, want only %s (live %s)", len(got), cancelled, live)
	}
}
