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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 调度控制面配置
type Config struct {
	JobStore   JobStoreConfig            `mapstructure:"jobstore"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Capacity   CapacityConfig            `mapstructure:"capacity"`
	Engine     EngineConfig              `mapstructure:"engine"`
	Scheduler  SchedulerConfig           `mapstructure:"scheduler"`
	Workflows  map[string]WorkflowConfig `mapstructure:"workflows"`
	Templates  map[string][]StepConfig   `mapstructure:"templates"`
	Secrets    SecretsConfig             `mapstructure:"secrets"`
	Log        LogConfig                 `mapstructure:"log"`
	Monitoring MonitoringConfig          `mapstructure:"monitoring"`
	Admin      AdminConfig               `mapstructure:"admin"`
}

// JobStoreConfig Job 存储配置
type JobStoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // type=postgres 时必填；支持 secret:<key>
}

// RedisConfig capacity 快照所用 Redis
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"` // 支持 secret:<key>
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CapacityConfig Resource Manager 配置
type CapacityConfig struct {
	Store           string         `mapstructure:"store"`    // memory | redis
	Provider        string         `mapstructure:"provider"` // static | http
	URL             string         `mapstructure:"url"`
	Timeout         string         `mapstructure:"timeout"`
	RefreshInterval string         `mapstructure:"refresh_interval"`
	Static          map[string]int `mapstructure:"static"`
}

// EngineConfig Workflow Engine 适配器配置
type EngineConfig struct {
	Type    string  `mapstructure:"type"` // memory | http
	URL     string  `mapstructure:"url"`
	Token   string  `mapstructure:"token"` // 支持 secret:<key>
	Timeout string  `mapstructure:"timeout"`
	QPS     float64 `mapstructure:"qps"`
	Burst   int     `mapstructure:"burst"`
}

// SchedulerConfig 各循环的间隔、批大小与资源池
type SchedulerConfig struct {
	PrioritizerInterval string       `mapstructure:"prioritizer_interval"`
	RecoveryInterval    string       `mapstructure:"recovery_interval"`
	DispatcherInterval  string       `mapstructure:"dispatcher_interval"`
	RecoveryBatchSize   int          `mapstructure:"recovery_batch_size"`
	DispatchBatchSize   int          `mapstructure:"dispatch_batch_size"`
	TenantTimeout       string       `mapstructure:"tenant_timeout"`
	DispatcherEnabled   *bool        `mapstructure:"dispatcher_enabled"` // 未配置时默认 true
	Pools               []PoolConfig `mapstructure:"pools"`
}

// PoolConfig 资源池：一组 job type 共享一个预算；Resource 非空时预算取自 capacity 快照
type PoolConfig struct {
	Name     string   `mapstructure:"name"`
	JobTypes []string `mapstructure:"job_types"`
	Budget   int      `mapstructure:"budget"`
	Resource string   `mapstructure:"resource"`
}

// WorkflowConfig job_type -> workflow 坐标；revert 可选
type WorkflowConfig struct {
	Name          string `mapstructure:"name"`
	Version       string `mapstructure:"version"`
	RevertName    string `mapstructure:"revert_name"`
	RevertVersion string `mapstructure:"revert_version"`
}

// StepConfig 模板中的单个步骤
type StepConfig struct {
	Name           string         `mapstructure:"name"`
	TaskID         string         `mapstructure:"task_id"`
	StartMessage   string         `mapstructure:"start_message"`
	SuccessMessage string         `mapstructure:"success_message"`
	FailureMessage string         `mapstructure:"failure_message"`
	Branches       []BranchConfig `mapstructure:"branches"`
}

// BranchConfig 条件分支
type BranchConfig struct {
	Condition   string `mapstructure:"condition"`
	Branch      string `mapstructure:"branch"`
	SkipMessage string `mapstructure:"skip_message"`
}

// SecretsConfig secret 提供方
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // memory | env | k8s | vault
	Config   map[string]string `mapstructure:"config"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// AdminConfig 运维 HTTP（healthz / metrics）
type AdminConfig struct {
	Enable bool   `mapstructure:"enable"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
}

// LoadConfig 加载配置文件；环境变量按 . -> _ 覆盖（如 JOBSTORE_DSN）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("jobstore.type", "memory")
	v.SetDefault("jobstore.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("engine.url", "")
	v.SetDefault("engine.token", "")
	v.SetDefault("capacity.url", "")
	v.SetDefault("capacity.store", "memory")
	v.SetDefault("capacity.provider", "static")
	v.SetDefault("capacity.timeout", "10s")
	v.SetDefault("capacity.refresh_interval", "5m")
	v.SetDefault("engine.type", "memory")
	v.SetDefault("engine.timeout", "15s")
	v.SetDefault("scheduler.prioritizer_interval", "5s")
	v.SetDefault("scheduler.recovery_interval", "1m")
	v.SetDefault("scheduler.dispatcher_interval", "2s")
	v.SetDefault("scheduler.recovery_batch_size", 50)
	v.SetDefault("scheduler.dispatch_batch_size", 20)
	v.SetDefault("scheduler.tenant_timeout", "30s")
	v.SetDefault("redis.key_prefix", "jobplane:")
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.prometheus.enable", true)
	v.SetDefault("admin.enable", true)
	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 9090)
}

// ParseDuration 解析时长字符串，无效、空或非正时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// DispatcherOn 报告是否启动进程内 Dispatcher；未配置时默认启用
func (c SchedulerConfig) DispatcherOn() bool {
	if c.DispatcherEnabled == nil {
		return true
	}
	return *c.DispatcherEnabled
}
