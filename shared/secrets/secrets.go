// Copyright 2026 AdWave
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
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"adwave/platform/shared/logger"
)

// Client is the subset of the AWS Secrets Manager API the Manager uses.
// Tests substitute a fake.
type Client interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Manager fetches and caches JSON secrets from AWS Secrets Manager.
type Manager struct {
	client Client
	cache  map[string]*cacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	log    *logger.Logger
}

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// Options configures a Manager.
type Options struct {
	Region   string
	CacheTTL time.Duration
}

// NewManager builds a Manager over the default AWS credential chain.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	cfgOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewManagerWithClient(secretsmanager.NewFromConfig(cfg), opts.CacheTTL), nil
}

// NewManagerWithClient builds a Manager over an existing client.
func NewManagerWithClient(client Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		client: client,
		cache:  make(map[string]*cacheEntry),
		ttl:    ttl,
		log:    logger.New("secrets"),
	}
}

// GetSecret retrieves a secret by ARN. The secret value is expected to be a
// JSON object with string values; a non-JSON secret comes back under the
// single key "value".
func (m *Manager) GetSecret(ctx context.Context, secretARN string) (map[string]string, error) {
	m.mu.RLock()
	entry, exists := m.cache[secretARN]
	m.mu.RUnlock()
	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	result, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(secretARN), err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskARN(secretARN))
	}

	var credentials map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &credentials); err != nil {
		credentials = map[string]string{"value": *result.SecretString}
	}

	m.mu.Lock()
	m.cache[secretARN] = &cacheEntry{value: credentials, expiresAt: time.Now().Add(m.ttl)}
	m.mu.Unlock()

	m.log.Info("", "", "Retrieved and cached secret", map[string]interface{}{
		"secret": maskARN(secretARN),
	})
	return credentials, nil
}

// Invalidate removes one secret from the cache.
func (m *Manager) Invalidate(secretARN string) {
	m.mu.Lock()
	delete(m.cache, secretARN)
	m.mu.Unlock()
}

// DatabaseURL resolves a database credential secret into a postgres:// DSN.
// The secret uses the RDS-managed layout: username, password, host, port,
// dbname, plus an optional sslmode.
func (m *Manager) DatabaseURL(ctx context.Context, secretARN string) (string, error) {
	creds, err := m.GetSecret(ctx, secretARN)
	if err != nil {
		return "", err
	}

	for _, key := range []string{"username", "password", "host", "dbname"} {
		if creds[key] == "" {
			return "", fmt.Errorf("database secret %s missing %q", maskARN(secretARN), key)
		}
	}

	port := creds["port"]
	if port == "" {
		port = "5432"
	}
	sslmode := creds["sslmode"]
	if sslmode == "" {
		sslmode = "require"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(creds["username"]),
		url.QueryEscape(creds["password"]),
		creds["host"], port, creds["dbname"], sslmode), nil
}

// maskARN masks a secret ARN for logging (shows only last 8 characters).
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
