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
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultK8sSecretsPath Kubernetes Secret 卷默认挂载目录
const DefaultK8sSecretsPath = "/etc/secrets"

// K8sConfig 挂载卷形式的 Kubernetes secret
type K8sConfig struct {
	// SecretsPath secret 卷挂载目录，每个 key 对应一个文件
	SecretsPath string
}

type k8sStore struct {
	secretsPath string
	mu          sync.RWMutex
	cache       map[string]string
}

// NewK8sStore 从挂载目录读取 secret；目录不存在时报错
func NewK8sStore(config K8sConfig) (Store, error) {
	path := config.SecretsPath
	if path == "" {
		path = DefaultK8sSecretsPath
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("kubernetes secrets path %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("kubernetes secrets path %s is not a directory", path)
	}
	return &k8sStore{secretsPath: path, cache: make(map[string]string)}, nil
}

func (k *k8sStore) Get(ctx context.Context, key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid secret key: %q", key)
	}
	k.mu.RLock()
	if val, ok := k.cache[key]; ok {
		k.mu.RUnlock()
		return val, nil
	}
	k.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(k.secretsPath, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret not found: %s", key)
		}
		return "", fmt.Errorf("read secret %s: %w", key, err)
	}
	// 挂载文件常带结尾换行
	val := strings.TrimRight(string(data), "\r\n")
	k.mu.Lock()
	k.cache[key] = val
	k.mu.Unlock()
	return val, nil
}
