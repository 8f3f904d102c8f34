package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Params is the raw, unvalidated input to New. Populated from flags, an
// optional YAML file and the environment; flags win over file values.
type Params struct {
	ServerAddr     string            `yaml:"server_addr"`
	StoreBackend   string            `yaml:"store_backend"`
	DatabaseDSN    string            `yaml:"database_dsn"`
	RedisAddr      string            `yaml:"redis_addr"`
	SigningSecret  string            `yaml:"signing_secret"`
	AllowedOrigins []string          `yaml:"allowed_origins"`
	Tenant         string            `yaml:"tenant"`
	TenantHosts    map[string]string `yaml:"tenant_hosts"`
	PageSize       int               `yaml:"page_size"`
	TypingDebounce time.Duration     `yaml:"-"`
	PresenceTTL    time.Duration     `yaml:"-"`
	Heartbeat      time.Duration     `yaml:"-"`

	// duration fields carried as strings in YAML ("2s", "1m30s")
	TypingDebounceStr string `yaml:"typing_debounce"`
	PresenceTTLStr    string `yaml:"presence_ttl"`
	HeartbeatStr      string `yaml:"heartbeat"`
}

type Config struct {
	ServerAddr     string
	StoreBackend   string
	DatabaseDSN    string
	RedisAddr      string
	SigningKey     []byte
	AllowedOrigins []string
	Tenant         string
	TenantHosts    map[string]string
	PageSize       int
	TypingDebounce time.Duration
	PresenceTTL    time.Duration
	Heartbeat      time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func New(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if p.Tenant == "" && len(p.TenantHosts) == 0 {
		return nil, fmt.Errorf("no tenant source configured: set tenant or tenant_hosts")
	}

	switch p.StoreBackend {
	case "", BackendMemory:
		p.StoreBackend = BackendMemory
	case BackendPostgres:
		if p.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty with the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", p.StoreBackend)
	}

	signingKey, err := decodeSigningSecret(p.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if p.PageSize <= 0 {
		p.PageSize = 50
	}
	if p.TypingDebounce <= 0 {
		p.TypingDebounce = 2 * time.Second
	}
	if p.PresenceTTL <= 0 {
		p.PresenceTTL = 90 * time.Second
	}
	if p.Heartbeat <= 0 {
		p.Heartbeat = 30 * time.Second
	}

	return &Config{
		ServerAddr:     p.ServerAddr,
		StoreBackend:   p.StoreBackend,
		DatabaseDSN:    p.DatabaseDSN,
		RedisAddr:      p.RedisAddr,
		SigningKey:     signingKey,
		AllowedOrigins: p.AllowedOrigins,
		Tenant:         p.Tenant,
		TenantHosts:    p.TenantHosts,
		PageSize:       p.PageSize,
		TypingDebounce: p.TypingDebounce,
		PresenceTTL:    p.PresenceTTL,
		Heartbeat:      p.Heartbeat,
	}, nil
}

// FromFile reads Params from a YAML file.
func FromFile(path string) (Params, error) {
	var p Params
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse config file: %w", err)
	}

	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{p.TypingDebounceStr, &p.TypingDebounce, "typing_debounce"},
		{p.PresenceTTLStr, &p.PresenceTTL, "presence_ttl"},
		{p.HeartbeatStr, &p.Heartbeat, "heartbeat"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return p, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return p, nil
}

// LoadDotEnv loads .env files with priority: .env.local > .env. godotenv.Load
// never overwrites already-set variables, so the OS environment always wins.
func LoadDotEnv() []string {
	candidates := []string{".env.local", ".env"}
	var loaded []string
	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			loaded = append(loaded, f)
		}
	}
	if len(loaded) > 0 {
		_ = godotenv.Load(loaded...)
	}
	return loaded
}
