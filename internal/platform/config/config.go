package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides: MODERATOR_SERVER_PORT -> server.port.
const EnvPrefix = "MODERATOR_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Log       LogConfig       `koanf:"log"`
	Auth      AuthConfig      `koanf:"auth"`
	Providers ProvidersConfig `koanf:"providers"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Policy    PolicyConfig    `koanf:"policy"`
	Notify    NotifyConfig    `koanf:"notify"`
}

type ServerConfig struct {
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	CORSOrigins []string `koanf:"corsorigins"`
}

type DatabaseConfig struct {
	URL      string `koanf:"url"`
	MaxConns int    `koanf:"maxconns"`
}

type RedisConfig struct {
	URL     string `koanf:"url"`
	TTLSecs int    `koanf:"ttlsecs"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuthConfig enables JWT protection of settings updates and the stream
// when a signing key is set.
type AuthConfig struct {
	JWT JWTConfig `koanf:"jwt"`
}

type JWTConfig struct {
	SigningKey  string `koanf:"signingkey"`
	Issuer      string `koanf:"issuer"`
	ExpiryHours int    `koanf:"expiryhours"`
}

type ProvidersConfig struct {
	Groq             GroqConfig   `koanf:"groq"`
	Ollama           OllamaConfig `koanf:"ollama"`
	AttemptTimeoutMS int          `koanf:"attempttimeoutms"`
	RetryTimeoutMS   int          `koanf:"retrytimeoutms"`
	RetryDelayMS     int          `koanf:"retrydelayms"`
	MaxConcurrent    int          `koanf:"maxconcurrent"`
	BreakerFailures  int          `koanf:"breakerfailures"`
	BreakerOpenSecs  int          `koanf:"breakeropensecs"`
}

type GroqConfig struct {
	Enabled     bool   `koanf:"enabled"`
	BaseURL     string `koanf:"baseurl"`
	APIKey      string `koanf:"apikey"`
	Model       string `koanf:"model"`
	VisionModel string `koanf:"visionmodel"`
}

type OllamaConfig struct {
	Enabled     bool   `koanf:"enabled"`
	BaseURL     string `koanf:"baseurl"`
	Model       string `koanf:"model"`
	VisionModel string `koanf:"visionmodel"`
}

type PipelineConfig struct {
	DeadlineMS     int `koanf:"deadlinems"`
	MaxTextBytes   int `koanf:"maxtextbytes"`
	MaxUploadBytes int `koanf:"maxuploadbytes"`
}

// PolicyConfig points at the optional settings document.
type PolicyConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

type NotifyConfig struct {
	BufferSize      int           `koanf:"buffersize"`
	BatchSize       int           `koanf:"batchsize"`
	FlushIntervalMS int           `koanf:"flushintervalms"`
	MaxRetries      int           `koanf:"maxretries"`
	StreamBuffer    int           `koanf:"streambuffer"`
	Webhook         WebhookConfig `koanf:"webhook"`
	Slack           SlackConfig   `koanf:"slack"`
}

type WebhookConfig struct {
	URL    string `koanf:"url"`
	Secret string `koanf:"secret"`
}

type SlackConfig struct {
	APIBaseURL  string `koanf:"apibaseurl"`
	AccessToken string `koanf:"accesstoken"`
	Channel     string `koanf:"channel"`
}

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"server.corsorigins": true,
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                  8080,
		"server.host":                  "0.0.0.0",
		"server.corsorigins":           []string{"http://localhost:3000"},
		"database.maxconns":            25,
		"redis.ttlsecs":                3600,
		"log.level":                    "info",
		"log.format":                   "json",
		"auth.jwt.issuer":              "moderator",
		"auth.jwt.expiryhours":         24,
		"providers.groq.enabled":       true,
		"providers.groq.baseurl":       "https://api.groq.com",
		"providers.groq.model":         "llama3-8b-8192",
		"providers.groq.visionmodel":   "meta-llama/llama-4-scout-17b-16e-instruct",
		"providers.ollama.enabled":     true,
		"providers.ollama.baseurl":     "http://localhost:11434",
		"providers.ollama.model":       "llama3",
		"providers.ollama.visionmodel": "llava",
		"providers.attempttimeoutms":   10000,
		"providers.retrytimeoutms":     5000,
		"providers.retrydelayms":       200,
		"providers.maxconcurrent":      16,
		"providers.breakerfailures":    5,
		"providers.breakeropensecs":    30,
		"pipeline.deadlinems":          25000,
		"pipeline.maxtextbytes":        32 << 10,
		"pipeline.maxuploadbytes":      10 << 20,
		"policy.watch":                 false,
		"notify.buffersize":            1024,
		"notify.batchsize":             20,
		"notify.flushintervalms":       1000,
		"notify.maxretries":            2,
		"notify.streambuffer":          64,
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	_ = k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "_", ".")
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyLegacyEnv(&cfg)
	return &cfg, nil
}

// applyLegacyEnv honors the unprefixed variables older deployments set.
// Prefixed settings win.
func applyLegacyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("GROQ_API_KEY"); ok && cfg.Providers.Groq.APIKey == "" {
		cfg.Providers.Groq.APIKey = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("GROQ_MODEL"); ok && os.Getenv(EnvPrefix+"PROVIDERS_GROQ_MODEL") == "" {
		cfg.Providers.Groq.Model = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("OLLAMA_URL"); ok && os.Getenv(EnvPrefix+"PROVIDERS_OLLAMA_BASEURL") == "" {
		cfg.Providers.Ollama.BaseURL = strings.TrimSpace(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (p ProvidersConfig) AttemptTimeout() time.Duration { return ms(p.AttemptTimeoutMS) }
func (p ProvidersConfig) RetryTimeout() time.Duration   { return ms(p.RetryTimeoutMS) }
func (p ProvidersConfig) RetryDelay() time.Duration     { return ms(p.RetryDelayMS) }
func (p ProvidersConfig) BreakerOpen() time.Duration {
	return time.Duration(p.BreakerOpenSecs) * time.Second
}

func (p PipelineConfig) Deadline() time.Duration { return ms(p.DeadlineMS) }

func (n NotifyConfig) FlushInterval() time.Duration { return ms(n.FlushIntervalMS) }

func (r RedisConfig) TTL() time.Duration { return time.Duration(r.TTLSecs) * time.Second }

func (j JWTConfig) Expiry() time.Duration { return time.Duration(j.ExpiryHours) * time.Hour }
