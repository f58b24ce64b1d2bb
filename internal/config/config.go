package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level"`
	API      APIConfig     `json:"api" yaml:"api"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Ingest   IngestConfig  `json:"ingest" yaml:"ingest"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	Notify   NotifyConfig  `json:"notify" yaml:"notify"`
}

type APIConfig struct {
	Addr           string   `json:"addr" yaml:"addr"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
}

type AuthConfig struct {
	JWTSecret      string   `json:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer      string   `json:"jwt_issuer" yaml:"jwt_issuer"`
	IngestAPIKeys  []string `json:"ingest_api_keys" yaml:"ingest_api_keys"`
	TrustedSources []string `json:"trusted_sources" yaml:"trusted_sources"`
}

type IngestConfig struct {
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
}

// RateLimitConfig throttles the HTTP ingest endpoint. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type StorageConfig struct {
	Driver         string        `json:"driver" yaml:"driver"`
	DSN            string        `json:"dsn" yaml:"dsn"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

type NotifyConfig struct {
	Kafka   KafkaNotifyConfig `json:"kafka" yaml:"kafka"`
	Breaker BreakerConfig     `json:"breaker" yaml:"breaker"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type BreakerConfig struct {
	MaxFailures uint32        `json:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			Addr: ":5000",
			AllowedOrigins: []string{
				"https://smarthealthcare.netlify.app",
				"http://localhost:5500",
				"http://127.0.0.1:5500",
			},
			MaxBodyBytes: 1 << 20,
		},
		Auth: AuthConfig{
			TrustedSources: []string{"kafka", "mqtt"},
		},
		Ingest: IngestConfig{
			Kafka: KafkaConfig{Enabled: false, GroupID: "vitalwatch-ingest"},
			MQTT:  MQTTConfig{Enabled: false, ClientID: "vitalwatch", Topic: "vitals/+/readings", QoS: 1},
		},
		Storage: StorageConfig{
			Driver:         "sqlite",
			DSN:            "file:vitalwatch.db?_pragma=busy_timeout(5000)",
			RequestTimeout: 5 * time.Second,
		},
		Notify: NotifyConfig{
			Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// ApplyEnv overlays the deployment environment on top of file values.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("JWT_SECRET"); ok && v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := os.LookupEnv("INGEST_API_KEY"); ok && v != "" {
		cfg.Auth.IngestAPIKeys = appendUnique(cfg.Auth.IngestAPIKeys, v)
	}
	if v, ok := os.LookupEnv("DATABASE_URL"); ok && v != "" {
		cfg.Storage.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		cfg.API.Addr = ":" + strings.TrimPrefix(v, ":")
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func applyDefaults(cfg *Config) {
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":5000"
	}
	if cfg.API.MaxBodyBytes <= 0 {
		cfg.API.MaxBodyBytes = 1 << 20
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.RequestTimeout <= 0 {
		cfg.Storage.RequestTimeout = 5 * time.Second
	}
	if cfg.Ingest.MQTT.ClientID == "" {
		cfg.Ingest.MQTT.ClientID = "vitalwatch"
	}
	if cfg.Ingest.RateLimit.RPS > 0 && cfg.Ingest.RateLimit.Burst <= 0 {
		cfg.Ingest.RateLimit.Burst = int(cfg.Ingest.RateLimit.RPS) + 1
	}
	if cfg.Notify.Breaker.MaxFailures == 0 {
		cfg.Notify.Breaker.MaxFailures = 5
	}
	if cfg.Notify.Breaker.OpenTimeout <= 0 {
		cfg.Notify.Breaker.OpenTimeout = 30 * time.Second
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled {
		if cfg.Ingest.MQTT.Broker == "" || cfg.Ingest.MQTT.Topic == "" {
			return errors.New("ingest.mqtt requires broker and topic")
		}
		if cfg.Ingest.MQTT.QoS > 2 {
			return fmt.Errorf("ingest.mqtt.qos must be 0, 1 or 2: %d", cfg.Ingest.MQTT.QoS)
		}
	}
	if cfg.Notify.Kafka.Enabled {
		if len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "" {
			return errors.New("notify.kafka requires brokers and topic")
		}
	}
	if cfg.Ingest.RateLimit.RPS < 0 {
		return errors.New("ingest.rate_limit.rps must be >= 0")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves a fixed config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

// OpenManager loads path when it is set. Without a file it serves the
// defaults plus environment overrides.
func OpenManager(path string) (*Manager, error) {
	if path != "" {
		return NewManager(path)
	}
	cfg := DefaultConfig()
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return NewStaticManager(cfg), nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
