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
	"sync"
	"time"

	"jobplane/pkg/log"
	"jobplane/pkg/metrics"
)

const loopName = "resource_manager"

// ManagerConfig Resource Manager 配置
type ManagerConfig struct {
	Interval time.Duration
	// 单次 provider 调用超时
	Timeout time.Duration
}

// Manager 周期性查询 Provider 并写入 Store。provider 失败时记录日志并保留上一次的值，不阻塞调度
type Manager struct {
	provider Provider
	store    Store
	cfg      ManagerConfig
	log      *log.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *Snapshot
}

// NewManager 创建 Manager；Interval 默认 1m，Timeout 默认 10s
func NewManager(provider Provider, store Store, cfg ManagerConfig, logger *log.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		provider: provider,
		store:    store,
		cfg:      cfg,
		log:      logger.Component("capacity"),
		now:      time.Now,
	}
}

// Run 立即刷新一次，之后按 Interval 刷新，直到 ctx 结束
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("resource manager started", "interval", m.cfg.Interval)
	if s, ok, err := m.store.Load(ctx); err != nil {
		m.log.Warn("load capacity snapshot failed", "error", err)
	} else if ok {
		m.setLast(s)
	}
	m.RefreshOnce(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("resource manager stopping")
			return nil
		case <-ticker.C:
			m.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce 查询 provider 并持久化；返回本次是否成功。任何错误都不会向外传播
func (m *Manager) RefreshOnce(ctx context.Context) bool {
	start := m.now()
	defer func() {
		metrics.LoopTickDurationSeconds.WithLabelValues(loopName).Observe(time.Since(start).Seconds())
	}()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	resources, err := m.provider.GetAvailableResources(callCtx)
	cancel()
	if err != nil {
		metrics.CapacityRefreshFailuresTotal.Inc()
		metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
		m.log.Warn("capacity refresh failed, keeping last known value", "error", err)
		return false
	}

	snap := Snapshot{Resources: copyResources(resources), UpdatedAt: m.now()}
	m.setLast(snap)
	for res, n := range snap.Resources {
		metrics.CapacityAvailable.WithLabelValues(res).Set(float64(n))
	}
	if err := m.store.Save(ctx, snap); err != nil {
		metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
		m.log.Warn("persist capacity snapshot failed", "error", err)
		return false
	}
	m.log.Debug("capacity refreshed", "resources", snap.Resources)
	return true
}

func (m *Manager) setLast(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := Snapshot{Resources: copyResources(s.Resources), UpdatedAt: s.UpdatedAt}
	m.last = &cp
}

// Snapshot 在持久化快照（可能由其他进程写入）与本进程最近一次刷新之间取 UpdatedAt 较新者；
// 持久化失败时本进程的值可能更新
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, bool) {
	stored, ok, err := m.store.Load(ctx)
	if err != nil {
		m.log.Warn("load capacity snapshot failed", "error", err)
		ok = false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last != nil && (!ok || m.last.UpdatedAt.After(stored.UpdatedAt)) {
		return Snapshot{Resources: copyResources(m.last.Resources), UpdatedAt: m.last.UpdatedAt}, true
	}
	if ok {
		return stored, true
	}
	return Snapshot{}, false
}

// Available 某资源的最近已知可用量；未知时 ok=false
func (m *Manager) Available(ctx context.Context, resource string) (int, bool) {
	s, ok := m.Snapshot(ctx)
	if !ok {
		return 0, false
	}
	n, ok := s.Resources[resource]
	return n, ok
}
