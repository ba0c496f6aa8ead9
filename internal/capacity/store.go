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

package capacity

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot 最近一次成功刷新的结果
type Snapshot struct {
	Resources map[string]int `json:"resources"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store 持久化 capacity 快照，使同一部署的多个调度进程共享同一份预算
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	// Load 从未保存过时 ok=false
	Load(ctx context.Context) (s Snapshot, ok bool, err error)
}

// MemoryStore 进程内快照
type MemoryStore struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewMemoryStore 创建空 MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(ctx context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := Snapshot{Resources: copyResources(s.Resources), UpdatedAt: s.UpdatedAt}
	m.snap = &cp
	return nil
}

func (m *MemoryStore) Load(ctx context.Context) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return Snapshot{}, false, nil
	}
	return Snapshot{Resources: copyResources(m.snap.Resources), UpdatedAt: m.snap.UpdatedAt}, true, nil
}

// RedisStore 快照存为一个 hash（资源 -> 数量）加一个 updated_at 键，两者在同一事务中写入
type RedisStore struct {
	rc     *redis.Client
	prefix string
}

// NewRedisStore prefix 为空时使用 "jobplane:"
func NewRedisStore(rc *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "jobplane:"
	}
	return &RedisStore{rc: rc, prefix: prefix}
}

func (r *RedisStore) resourcesKey() string { return r.prefix + "capacity:resources" }
func (r *RedisStore) updatedAtKey() string { return r.prefix + "capacity:updated_at" }

func (r *RedisStore) Save(ctx context.Context, s Snapshot) error {
	_, err := r.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.resourcesKey())
		if len(s.Resources) > 0 {
			fields := make(map[string]any, len(s.Resources))
			for k, v := range s.Resources {
				fields[k] = v
			}
			p.HSet(ctx, r.resourcesKey(), fields)
		}
		p.Set(ctx, r.updatedAtKey(), s.UpdatedAt.UnixMilli(), 0)
		return nil
	})
	return err
}

func (r *RedisStore) Load(ctx context.Context) (Snapshot, bool, error) {
	ms, err := r.rc.Get(ctx, r.updatedAtKey()).Int64()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	raw, err := r.rc.HGetAll(ctx, r.resourcesKey()).Result()
	if err != nil {
		return Snapshot{}, false, err
	}
	resources := make(map[string]int, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		resources[k] = n
	}
	return Snapshot{Resources: resources, UpdatedAt: time.UnixMilli(ms)}, true, nil
}
