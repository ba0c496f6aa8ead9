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

package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"jobplane/pkg/errors"
	"jobplane/pkg/tracing"
)

// HTTPConfig HTTP 引擎客户端配置
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// QPS<=0 不限流
	QPS   float64
	Burst int
}

// HTTPClient 通过 REST 访问 Workflow Engine：
//
//	POST /api/v1/workflows/{name}/versions/{version}/executions  {"generate_name", "inputs"} -> {"execution_id"}
//	POST /api/v1/executions/query                                {"names"} -> {"executions": [{"name","status"}]}
//
// 所有失败都包装为 TransientError，由调用循环在下个 tick 重试
type HTTPClient struct {
	client  *resty.Client
	limiter *rate.Limiter
}

// NewHTTPClient 创建 HTTPClient
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	h := &HTTPClient{client: c}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	return h
}

func (h *HTTPClient) wait(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	return h.limiter.Wait(ctx)
}

type submitRequest struct {
	GenerateName string         `json:"generate_name"`
	Inputs       map[string]any `json:"inputs,omitempty"`
}

func (h *HTTPClient) Submit(ctx context.Context, workflow, version, executionName string, inputs map[string]any) (ExecutionHandle, error) {
	ctx, span := tracing.StartEngineSpan(ctx, "submit", 1)
	defer span.End()
	if err := h.wait(ctx); err != nil {
		return ExecutionHandle{}, errors.Transient("engine.submit", err)
	}
	var out ExecutionHandle
	resp, err := h.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"name": workflow, "version": version}).
		SetBody(submitRequest{GenerateName: executionName, Inputs: inputs}).
		SetResult(&out).
		Post("/api/v1/workflows/{name}/versions/{version}/executions")
	if err != nil {
		return ExecutionHandle{}, errors.Transient("engine.submit", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return ExecutionHandle{}, errors.Transient("engine.submit",
			fmt.Errorf("POST executions for %s@%s: %d %s", workflow, version, resp.StatusCode(), resp.String()))
	}
	if out.ID == "" {
		return ExecutionHandle{}, errors.Transient("engine.submit", fmt.Errorf("engine returned empty execution id for %s", executionName))
	}
	return out, nil
}

type queryRequest struct {
	Names []string `json:"names"`
}

type queryResponse struct {
	Executions []Execution `json:"executions"`
}

func (h *HTTPClient) ListExecutions(ctx context.Context, names []string) ([]Execution, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ctx, span := tracing.StartEngineSpan(ctx, "list_executions", len(names))
	defer span.End()
	if err := h.wait(ctx); err != nil {
		return nil, errors.Transient("engine.list_executions", err)
	}
	var out queryResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(queryRequest{Names: names}).
		SetResult(&out).
		Post("/api/v1/executions/query")
	if err != nil {
		return nil, errors.Transient("engine.list_executions", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Transient("engine.list_executions",
			fmt.Errorf("POST executions/query: %d %s", resp.StatusCode(), resp.String()))
	}
	return out.Executions, nil
}
