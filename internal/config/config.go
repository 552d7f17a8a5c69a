package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RenderAPI RenderAPIConfig
	Speech    SpeechConfig
	Probe     ProbeConfig
	R2        R2Config
	Workers   WorkersConfig
	Pipeline  PipelineConfig
	Webhook   WebhookConfig
	Quota     QuotaConfig
	Shutdown  ShutdownConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	RenderPerHour  int
	CaptionPerHour int
	FilePerHour    int
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RenderAPIConfig struct {
	APIKey  string
	BaseURL string
}

type SpeechConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int // seconds; transcription calls can run for minutes
}

type ProbeConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type WorkersConfig struct {
	Render     int
	Transcribe int
	Caption    int
	Webhook    int
	File       int
}

// PipelineConfig tunes the poll loops. Intervals and caps are configuration
// so tests can run them against a fake clock.
type PipelineConfig struct {
	PollInterval      time.Duration
	RenderPollCap     time.Duration
	TranscribeWaitCap time.Duration
}

type WebhookConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// QuotaConfig is the per-owner monthly ceiling per usage kind. Zero means
// unlimited.
type QuotaConfig struct {
	CaptionProjects      int64
	CaptionRenderMinutes int64
	RenderMinutes        int64
}

type ShutdownConfig struct {
	HandlerTimeout time.Duration
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("RENDER_API_KEY")
	readSecret("SPEECH_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("renderapi.api_key", "RENDER_API_KEY")
	_ = viper.BindEnv("renderapi.base_url", "RENDER_API_BASE_URL")
	_ = viper.BindEnv("speech.api_key", "SPEECH_API_KEY")
	_ = viper.BindEnv("speech.base_url", "SPEECH_BASE_URL")
	_ = viper.BindEnv("speech.model", "SPEECH_MODEL")
	_ = viper.BindEnv("speech.timeout", "SPEECH_TIMEOUT")
	_ = viper.BindEnv("probe.service_url", "PROBE_SERVICE_URL")
	_ = viper.BindEnv("probe.timeout", "PROBE_TIMEOUT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.render_per_hour", 20)
	viper.SetDefault("ratelimit.caption_per_hour", 20)
	viper.SetDefault("ratelimit.file_per_hour", 100)
	viper.SetDefault("gateway.enabled", false)

	// Render provider defaults
	viper.SetDefault("renderapi.base_url", "https://api.renderfarm.dev")

	// Speech-to-text defaults
	viper.SetDefault("speech.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("speech.model", "whisper-large-v3")
	viper.SetDefault("speech.timeout", 600)

	// Probe service defaults
	viper.SetDefault("probe.service_url", "http://localhost:8084")
	viper.SetDefault("probe.timeout", 60)

	// Worker concurrency ceilings track external rate limits, not local CPU
	viper.SetDefault("workers.render", 3)
	viper.SetDefault("workers.transcribe", 2)
	viper.SetDefault("workers.caption", 5)
	viper.SetDefault("workers.webhook", 5)
	viper.SetDefault("workers.file", 10)

	// Pipeline polling
	viper.SetDefault("pipeline.poll_interval", "2s")
	viper.SetDefault("pipeline.render_poll_cap", "20m")
	viper.SetDefault("pipeline.transcribe_wait_cap", "10m")

	// Webhook delivery
	viper.SetDefault("webhook.timeout", "10s")
	viper.SetDefault("webhook.max_attempts", 5)
	viper.SetDefault("webhook.initial_backoff", "3s")
	viper.SetDefault("webhook.max_backoff", "60s")

	// Monthly usage ceilings
	viper.SetDefault("quota.caption_projects", 100)
	viper.SetDefault("quota.caption_render_minutes", 300)
	viper.SetDefault("quota.render_minutes", 600)

	// Shutdown
	viper.SetDefault("shutdown.handler_timeout", "10s")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			RenderPerHour:  viper.GetInt("ratelimit.render_per_hour"),
			CaptionPerHour: viper.GetInt("ratelimit.caption_per_hour"),
			FilePerHour:    viper.GetInt("ratelimit.file_per_hour"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		RenderAPI: RenderAPIConfig{
			APIKey:  viper.GetString("renderapi.api_key"),
			BaseURL: viper.GetString("renderapi.base_url"),
		},
		Speech: SpeechConfig{
			APIKey:  viper.GetString("speech.api_key"),
			BaseURL: viper.GetString("speech.base_url"),
			Model:   viper.GetString("speech.model"),
			Timeout: viper.GetInt("speech.timeout"),
		},
		Probe: ProbeConfig{
			ServiceURL: viper.GetString("probe.service_url"),
			Timeout:    viper.GetInt("probe.timeout"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Workers: WorkersConfig{
			Render:     viper.GetInt("workers.render"),
			Transcribe: viper.GetInt("workers.transcribe"),
			Caption:    viper.GetInt("workers.caption"),
			Webhook:    viper.GetInt("workers.webhook"),
			File:       viper.GetInt("workers.file"),
		},
		Pipeline: PipelineConfig{
			PollInterval:      viper.GetDuration("pipeline.poll_interval"),
			RenderPollCap:     viper.GetDuration("pipeline.render_poll_cap"),
			TranscribeWaitCap: viper.GetDuration("pipeline.transcribe_wait_cap"),
		},
		Webhook: WebhookConfig{
			Timeout:        viper.GetDuration("webhook.timeout"),
			MaxAttempts:    viper.GetInt("webhook.max_attempts"),
			InitialBackoff: viper.GetDuration("webhook.initial_backoff"),
			MaxBackoff:     viper.GetDuration("webhook.max_backoff"),
		},
		Quota: QuotaConfig{
			CaptionProjects:      viper.GetInt64("quota.caption_projects"),
			CaptionRenderMinutes: viper.GetInt64("quota.caption_render_minutes"),
			RenderMinutes:        viper.GetInt64("quota.render_minutes"),
		},
		Shutdown: ShutdownConfig{
			HandlerTimeout: viper.GetDuration("shutdown.handler_timeout"),
		},
	}

	return cfg, nil
}
