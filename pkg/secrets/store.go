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

package secrets

import (
	"context"
	"fmt"
	"strings"
)

// SecretPrefix 配置值以此开头时视为 secret 引用，如 secret:jobstore_dsn
const SecretPrefix = "secret:"

// Store secret 读取接口；调度器仅在启动时解析连接串、token 等
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

// Config secret 提供方配置
type Config struct {
	Provider string            // vault | env | k8s | memory
	Config   map[string]string // Provider-specific config
}

// NewStore 按 Provider 创建 Store
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "memory":
		return NewMemoryStore(nil), nil
	case "", "env":
		return NewEnvStore(), nil
	case "k8s":
		return NewK8sStore(K8sConfig{SecretsPath: config.Config["secrets_path"]})
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Config["address"],
			Token:      config.Config["token"],
			PathPrefix: config.Config["path_prefix"],
		})
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

// Resolve 若 value 为 secret:<key> 则从 store 读取，否则原样返回
func Resolve(ctx context.Context, store Store, value string) (string, error) {
	if !strings.HasPrefix(value, SecretPrefix) {
		return value, nil
	}
	key := strings.TrimPrefix(value, SecretPrefix)
	if key == "" {
		return "", fmt.Errorf("empty secret reference")
	}
	if store == nil {
		return "", fmt.Errorf("secret %q referenced but no secret store configured", key)
	}
	v, err := store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve secret %q: %w", key, err)
	}
	return v, nil
}
