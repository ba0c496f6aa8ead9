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

// Package scheduler 组装调度控制面：JobStore、Resource Manager、各资源池 Prioritizer、Recovery Manager、
// Dispatcher 与运维 HTTP，并以 errgroup 统一运行
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"jobplane/internal/admin"
	"jobplane/internal/capacity"
	"jobplane/internal/dispatcher"
	"jobplane/internal/engine"
	"jobplane/internal/job"
	"jobplane/internal/prioritizer"
	"jobplane/internal/recovery"
	"jobplane/internal/template"
	"jobplane/internal/workflow"
	"jobplane/pkg/config"
	"jobplane/pkg/errors"
	"jobplane/pkg/log"
	"jobplane/pkg/secrets"
	"jobplane/pkg/tracing"
)

// App 调度进程
type App struct {
	config *config.Config
	logger *log.Logger

	store      job.JobStore
	closeStore func()
	redis      *redis.Client
	engine     engine.Engine
	workflows  *workflow.Registry
	templates  *template.Registry

	capacity     *capacity.Manager
	prioritizers []*prioritizer.Prioritizer
	recovery     *recovery.Manager
	dispatcher   *dispatcher.Dispatcher
	admin        *admin.Server
	tracer       *sdktrace.TracerProvider
}

// NewApp 按配置构建全部组件；配置不完整（缺少 workflow 映射或模板）时返回 ConfigurationError
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.Wrap(errors.ErrInvalidArg, "config is nil")
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	a := &App{
		config:    cfg,
		logger:    logger,
		workflows: workflow.FromConfig(cfg.Workflows),
		templates: template.FromConfig(cfg.Templates),
	}
	if err := a.validate(); err != nil {
		return nil, err
	}

	secretStore, err := secrets.NewStore(secrets.Config{Provider: cfg.Secrets.Provider, Config: cfg.Secrets.Config})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}
	if err := a.initTracing(); err != nil {
		return nil, err
	}
	if err := a.initJobStore(ctx, secretStore); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.initEngine(ctx, secretStore); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.initCapacity(ctx, secretStore); err != nil {
		a.close(ctx)
		return nil, err
	}
	a.initLoops()
	if cfg.Admin.Enable {
		admin.SetHertzLogger(logger.Writer(), cfg.Log.Level)
		a.admin = admin.NewServer(admin.Options{
			Addr:    fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
			Tracing: cfg.Monitoring.Tracing.Enable,
			Metrics: cfg.Monitoring.Prometheus.Enable,
		}, a.capacity)
	}
	return a, nil
}

// validate 启动时校验资源池配置：每个 job type 只属于一个池，且都有主 workflow 与模板
func (a *App) validate() error {
	pools := a.config.Scheduler.Pools
	if len(pools) == 0 {
		return errors.NewConfigurationError("pool", "", "no scheduler pools configured")
	}
	owner := make(map[string]string)
	var jobTypes []string
	for _, p := range pools {
		if p.Name == "" {
			return errors.NewConfigurationError("pool", "", "pool without name")
		}
		if len(p.JobTypes) == 0 {
			return errors.NewConfigurationError("pool", "", fmt.Sprintf("pool %s has no job types", p.Name))
		}
		for _, t := range p.JobTypes {
			if prev, dup := owner[t]; dup {
				return errors.NewConfigurationError("pool", t, fmt.Sprintf("job type in pools %s and %s", prev, p.Name))
			}
			owner[t] = p.Name
			jobTypes = append(jobTypes, t)
		}
	}
	if err := a.workflows.Validate(jobTypes); err != nil {
		return err
	}
	return a.templates.Validate(jobTypes)
}

func (a *App) initTracing() error {
	tc := a.config.Monitoring.Tracing
	if !tc.Enable {
		return nil
	}
	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = "jobplane-scheduler"
	}
	endpoint := tc.ExportEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		a.logger.Warn("tracing enabled but no export endpoint configured")
		return nil
	}
	tp, err := tracing.InitTracer(tracing.OTelConfig{ServiceName: serviceName, ExportEndpoint: endpoint, Insecure: tc.Insecure})
	if err != nil {
		return fmt.Errorf("初始化链路追踪失败: %w", err)
	}
	a.tracer = tp
	a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint)
	return nil
}

func (a *App) initJobStore(ctx context.Context, secretStore secrets.Store) error {
	switch a.config.JobStore.Type {
	case "", "memory":
		a.store = job.NewJobStoreMem()
		a.logger.Warn("using in-memory job store; jobs are lost on restart")
	case "postgres":
		dsn, err := secrets.Resolve(ctx, secretStore, a.config.JobStore.DSN)
		if err != nil {
			return err
		}
		if dsn == "" {
			return errors.NewConfigurationError("jobstore", "", "jobstore.dsn is required for postgres")
		}
		pg, err := job.NewJobStorePg(ctx, dsn)
		if err != nil {
			return fmt.Errorf("初始化 JobStore 失败: %w", err)
		}
		a.store = pg
		a.closeStore = pg.Close
	default:
		return errors.NewConfigurationError("jobstore", "", "unknown jobstore.type "+a.config.JobStore.Type)
	}
	return nil
}

func (a *App) initEngine(ctx context.Context, secretStore secrets.Store) error {
	ec := a.config.Engine
	switch ec.Type {
	case "", "memory":
		a.engine = engine.NewMemoryEngine()
	case "http":
		if ec.URL == "" {
			return errors.NewConfigurationError("engine", "", "engine.url is required for http engine")
		}
		token, err := secrets.Resolve(ctx, secretStore, ec.Token)
		if err != nil {
			return err
		}
		a.engine = engine.NewHTTPClient(engine.HTTPConfig{
			BaseURL: ec.URL,
			Token:   token,
			Timeout: config.ParseDuration(ec.Timeout, 15*time.Second),
			QPS:     ec.QPS,
			Burst:   ec.Burst,
		})
	default:
		return errors.NewConfigurationError("engine", "", "unknown engine.type "+ec.Type)
	}
	return nil
}

func (a *App) initCapacity(ctx context.Context, secretStore secrets.Store) error {
	cc := a.config.Capacity
	timeout := config.ParseDuration(cc.Timeout, 10*time.Second)

	var provider capacity.Provider
	switch cc.Provider {
	case "", "static":
		provider = capacity.NewStaticProvider(cc.Static)
	case "http":
		if cc.URL == "" {
			return errors.NewConfigurationError("capacity", "", "capacity.url is required for http provider")
		}
		provider = capacity.NewHTTPProvider(cc.URL, timeout)
	default:
		return errors.NewConfigurationError("capacity", "", "unknown capacity.provider "+cc.Provider)
	}

	var store capacity.Store
	switch cc.Store {
	case "", "memory":
		store = capacity.NewMemoryStore()
	case "redis":
		rcfg := a.config.Redis
		password, err := secrets.Resolve(ctx, secretStore, rcfg.Password)
		if err != nil {
			return err
		}
		a.redis = redis.NewClient(&redis.Options{Addr: rcfg.Addr, Password: password, DB: rcfg.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("连接 Redis 失败: %w", err)
		}
		store = capacity.NewRedisStore(a.redis, rcfg.KeyPrefix)
	default:
		return errors.NewConfigurationError("capacity", "", "unknown capacity.store "+cc.Store)
	}

	a.capacity = capacity.NewManager(provider, store, capacity.ManagerConfig{
		Interval: config.ParseDuration(cc.RefreshInterval, 5*time.Minute),
		Timeout:  timeout,
	}, a.logger)
	return nil
}

func (a *App) initLoops() {
	sc := a.config.Scheduler
	tenantTimeout := config.ParseDuration(sc.TenantTimeout, 30*time.Second)
	engineTimeout := config.ParseDuration(a.config.Engine.Timeout, 15*time.Second)

	for _, p := range sc.Pools {
		a.prioritizers = append(a.prioritizers, prioritizer.New(a.store, a.capacity, prioritizer.Config{
			Pool: prioritizer.Pool{
				Name:     p.Name,
				JobTypes: append([]string(nil), p.JobTypes...),
				Budget:   p.Budget,
				Resource: p.Resource,
			},
			Interval:      config.ParseDuration(sc.PrioritizerInterval, 5*time.Second),
			TenantTimeout: tenantTimeout,
		}, a.logger))
	}
	a.recovery = recovery.New(a.store, a.engine, recovery.Config{
		Interval:      config.ParseDuration(sc.RecoveryInterval, time.Minute),
		BatchSize:     sc.RecoveryBatchSize,
		TenantTimeout: tenantTimeout,
		EngineTimeout: engineTimeout,
	}, a.logger)
	if sc.DispatcherOn() {
		a.dispatcher = dispatcher.New(a.store, a.engine, a.workflows, a.templates, dispatcher.Config{
			Interval:      config.ParseDuration(sc.DispatcherInterval, 2*time.Second),
			BatchSize:     sc.DispatchBatchSize,
			TenantTimeout: tenantTimeout,
			EngineTimeout: engineTimeout,
		}, a.logger)
	}
}

// Store 返回 JobStore，供同进程的提交方与测试使用
func (a *App) Store() job.JobStore { return a.store }

// Dispatcher 未启用时为 nil
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Run 启动所有循环并阻塞，直到 ctx 结束或某个循环返回错误（ConfigurationError）
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.capacity.Run(gctx) })
	for _, p := range a.prioritizers {
		p := p
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error { return a.recovery.Run(gctx) })
	if a.dispatcher != nil {
		g.Go(func() error { return a.dispatcher.Run(gctx) })
	}
	if a.admin != nil {
		g.Go(func() error {
			if err := a.admin.Run(); err != nil && gctx.Err() == nil {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.admin.Shutdown(sctx); err != nil {
				a.logger.Warn("admin server shutdown", "error", err)
			}
			return nil
		})
	}
	a.logger.Info("scheduler started", "pools", len(a.prioritizers), "dispatcher", a.dispatcher != nil, "admin", a.admin != nil)
	err := g.Wait()
	if err != nil {
		a.logger.Error("scheduler stopped", "error", err)
	}
	return err
}

// Shutdown 释放连接与 tracer；循环的停止由 Run 的 ctx 控制
func (a *App) Shutdown(ctx context.Context) error {
	a.close(ctx)
	return nil
}

func (a *App) close(ctx context.Context) {
	if a.closeStore != nil {
		a.closeStore()
		a.closeStore = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
		a.tracer = nil
	}
}
