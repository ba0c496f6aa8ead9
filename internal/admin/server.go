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

// Package admin 运维 HTTP 接口：健康检查、Prometheus 指标、最近已知 capacity
package admin

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	hertzslog "github.com/hertz-contrib/logger/slog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"jobplane/internal/capacity"
	"jobplane/pkg/log"
	"jobplane/pkg/metrics"
)

// CapacitySource 最近已知 capacity（capacity.Manager）
type CapacitySource interface {
	Snapshot(ctx context.Context) (capacity.Snapshot, bool)
}

// Options 构建 Server 的可选项
type Options struct {
	Addr string
	// 启用 hertz OpenTelemetry 服务端中间件
	Tracing bool
	// 暴露 /metrics
	Metrics bool
}

// Server hertz 运维服务
type Server struct {
	hertz    *server.Hertz
	capacity CapacitySource
	metrics  bool
}

// NewServer 创建并注册路由；capacitySource 可为 nil
func NewServer(opts Options, capacitySource CapacitySource) *Server {
	s := &Server{capacity: capacitySource, metrics: opts.Metrics}
	if opts.Tracing {
		tracerOpt, cfg := hertztracing.NewServerTracer()
		s.hertz = server.Default(server.WithHostPorts(opts.Addr), tracerOpt)
		s.hertz.Use(hertztracing.ServerMiddleware(cfg))
	} else {
		s.hertz = server.Default(server.WithHostPorts(opts.Addr))
	}
	s.Register(s.hertz)
	return s
}

// Register 注册运维路由
func (s *Server) Register(h *server.Hertz) {
	h.GET("/healthz", s.Healthz)
	if s.metrics {
		h.GET("/metrics", s.Metrics)
	}
	h.GET("/capacity", s.Capacity)
}

// Run 阻塞直到 Shutdown
func (s *Server) Run() error {
	return s.hertz.Run()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.hertz.Shutdown(ctx)
}

func (s *Server) Healthz(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"status": "ok"})
}

func (s *Server) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(ctx, "write prometheus metrics: %v", err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func (s *Server) Capacity(ctx context.Context, c *app.RequestContext) {
	if s.capacity == nil {
		c.JSON(consts.StatusNotFound, utils.H{"error": "capacity unknown"})
		return
	}
	snap, ok := s.capacity.Snapshot(ctx)
	if !ok {
		c.JSON(consts.StatusNotFound, utils.H{"error": "capacity unknown"})
		return
	}
	c.JSON(consts.StatusOK, snap)
}

// SetHertzLogger 让 hertz 的 hlog 与进程日志使用相同输出与级别
func SetHertzLogger(output io.Writer, level string) {
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))
}
