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

// Package capacity 周期性刷新集群可用算力并持久化，供 Prioritizer 计算预算
package capacity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"jobplane/pkg/errors"
)

// Provider 外部 capacity provider：资源类型 -> 可用数量
type Provider interface {
	GetAvailableResources(ctx context.Context) (map[string]int, error)
}

// StaticProvider 返回固定值，适用于没有 capacity 服务的部署
type StaticProvider struct {
	resources map[string]int
}

// NewStaticProvider 复制 resources
func NewStaticProvider(resources map[string]int) *StaticProvider {
	return &StaticProvider{resources: copyResources(resources)}
}

func (p *StaticProvider) GetAvailableResources(ctx context.Context) (map[string]int, error) {
	return copyResources(p.resources), nil
}

// HTTPProvider GET {base}/api/v1/capacity -> {"resources": {"gpu": 8}}
type HTTPProvider struct {
	client *resty.Client
}

// NewHTTPProvider 创建 HTTPProvider；timeout<=0 时为 10s
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

type capacityResponse struct {
	Resources map[string]int `json:"resources"`
}

func (p *HTTPProvider) GetAvailableResources(ctx context.Context) (map[string]int, error) {
	var out capacityResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v1/capacity")
	if err != nil {
		return nil, errors.Transient("capacity.get", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Transient("capacity.get", fmt.Errorf("GET /api/v1/capacity: %d %s", resp.StatusCode(), resp.String()))
	}
	if out.Resources == nil {
		out.Resources = map[string]int{}
	}
	return out.Resources, nil
}

func copyResources(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
