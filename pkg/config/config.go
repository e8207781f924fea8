package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"callcore/internal/core/domain"
	"callcore/pkg/circuitbreaker"
	"callcore/pkg/retry"
	"callcore/pkg/tracing"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Credentials domain.Credentials   `yaml:"credentials"`
	Packages    []domain.PackageName `yaml:"packages"`

	// Containers maps role and video type to a container selector, e.g.
	// containers.subscriber.screen. Missing entries use "<role>Container".
	Containers map[string]map[string]string `yaml:"containers"`

	Controls struct {
		Container string `yaml:"container"`
		Disabled  bool   `yaml:"disabled"`
	} `yaml:"controls"`

	Communication struct {
		ConnectionLimit int  `yaml:"connection_limit"`
		AutoSubscribe   bool `yaml:"auto_subscribe"`
		// CallProperties override the default publisher and subscriber properties.
		CallProperties   map[string]interface{} `yaml:"call_properties"`
		ScreenProperties map[string]interface{} `yaml:"screen_properties"`
	} `yaml:"communication"`

	TextChat      domain.TextChatSettings      `yaml:"text_chat"`
	ScreenSharing domain.ScreenSharingSettings `yaml:"screen_sharing"`
	Annotation    domain.AnnotationSettings    `yaml:"annotation"`
	Archiving     domain.ArchivingSettings     `yaml:"archiving"`

	Engine struct {
		URL            string        `yaml:"url"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		EventQueueSize int           `yaml:"event_queue_size"`
		Retry          retry.Config  `yaml:"retry"`
	} `yaml:"engine"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxConnections  int           `yaml:"max_connections"`
	} `yaml:"signal"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		Issuer         string        `yaml:"issuer"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		MaxTokenTTL    time.Duration `yaml:"max_token_ttl"`
		APIKey         string        `yaml:"api_key"`
		APISecret      string        `yaml:"api_secret"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Monitoring struct {
		PrometheusEnabled  bool          `yaml:"prometheus_enabled"`
		HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled    bool          `yaml:"enabled"`
		Address    string        `yaml:"address"`
		Password   string        `yaml:"password"`
		DB         int           `yaml:"db"`
		PoolSize   int           `yaml:"pool_size"`
		Channel    string        `yaml:"channel"`
		QueueSize  int           `yaml:"queue_size"`
		Timeout    time.Duration `yaml:"timeout"`
		InstanceID string        `yaml:"instance_id"`
		// Events mirrored onto the channel. Empty relays the default set.
		Events         []domain.EventName    `yaml:"events"`
		Retry          retry.Config          `yaml:"retry"`
		CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
// Credentials and package names are left to the core.
func (c *Config) Validate() error {
	for role := range c.Containers {
		if role != string(domain.RolePublisher) && role != string(domain.RoleSubscriber) {
			return fmt.Errorf("containers: unknown role %q", role)
		}
	}
	if c.Communication.ConnectionLimit < 0 {
		return fmt.Errorf("communication.connection_limit must be >= 0")
	}

	// Engine
	if c.Engine.URL == "" {
		return fmt.Errorf("engine.url must not be empty")
	}
	if c.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine.request_timeout must be > 0")
	}
	if c.Engine.Retry.Enabled && c.Engine.Retry.MaxAttempts < 0 {
		return fmt.Errorf("engine.retry.max_attempts must be >= 0")
	}

	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.MaxConnections < 0 {
		return fmt.Errorf("signal.max_connections must be >= 0")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}
	if c.Auth.MaxTokenTTL < c.Auth.TokenTTL {
		return fmt.Errorf("auth.max_token_ttl must be >= auth.token_ttl")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
		if c.Redis.QueueSize <= 0 {
			return fmt.Errorf("redis.queue_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.Communication.CallProperties = normalizeMap(cfg.Communication.CallProperties)
	cfg.Communication.ScreenProperties = normalizeMap(cfg.Communication.ScreenProperties)

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Controls.Container = "#videoControls"
	cfg.Communication.AutoSubscribe = true

	cfg.Engine.URL = "ws://localhost:8081/ws"
	cfg.Engine.DialTimeout = 10 * time.Second
	cfg.Engine.RequestTimeout = 15 * time.Second
	cfg.Engine.WriteTimeout = 10 * time.Second
	cfg.Engine.EventQueueSize = 128
	cfg.Engine.Retry = retry.DefaultConfig()

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "callcore"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.MaxTokenTTL = 30 * 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckTimeout = 5 * time.Second

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "callcore:events"
	cfg.Redis.QueueSize = 256
	cfg.Redis.Timeout = 2 * time.Second
	cfg.Redis.Retry = retry.DefaultConfig()
	cfg.Redis.CircuitBreaker = circuitbreaker.DefaultConfig()

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	stringVars := map[string]*string{
		"CALLCORE_API_KEY":        &c.Credentials.APIKey,
		"CALLCORE_SESSION_ID":     &c.Credentials.SessionID,
		"CALLCORE_TOKEN":          &c.Credentials.Token,
		"CALLCORE_ENGINE_URL":     &c.Engine.URL,
		"CALLCORE_SERVER_ADDRESS": &c.Server.Address,
		"CALLCORE_SIGNAL_ADDRESS": &c.Signal.Address,
		"CALLCORE_LOG_LEVEL":      &c.Logging.Level,
		"CALLCORE_LOG_FORMAT":     &c.Logging.Format,
		"CALLCORE_JWT_SECRET":     &c.Auth.JWTSecret,
		"CALLCORE_AUTH_API_KEY":   &c.Auth.APIKey,
		"CALLCORE_API_SECRET":     &c.Auth.APISecret,
		"CALLCORE_REDIS_ADDRESS":  &c.Redis.Address,
		"CALLCORE_REDIS_PASSWORD": &c.Redis.Password,
		"CALLCORE_JAEGER_URL":     &c.Tracing.JaegerURL,
	}
	for name, target := range stringVars {
		if value := os.Getenv(name); value != "" {
			*target = value
		}
	}

	boolVars := map[string]*bool{
		"CALLCORE_REDIS_ENABLED":   &c.Redis.Enabled,
		"CALLCORE_TRACING_ENABLED": &c.Tracing.Enabled,
	}
	for name, target := range boolVars {
		if value := os.Getenv(name); value != "" {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*target = parsed
		}
	}

	if packages := os.Getenv("CALLCORE_PACKAGES"); packages != "" {
		c.Packages = nil
		for _, name := range splitList(packages) {
			c.Packages = append(c.Packages, domain.PackageName(name))
		}
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Container returns the configured container for role and video type.
func (c *Config) Container(role domain.Role, videoType domain.VideoType) (string, bool) {
	byType, ok := c.Containers[string(role)]
	if !ok {
		return "", false
	}
	container, ok := byType[string(videoType)]
	return container, ok && container != ""
}

// normalizeMap converts the map[interface{}]interface{} values produced by
// yaml.v2 into map[string]interface{} so they encode as JSON.
func normalizeMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, inner := range value {
			out[fmt.Sprint(k)] = normalizeValue(inner)
		}
		return out
	case map[string]interface{}:
		return normalizeMap(value)
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, inner := range value {
			out[i] = normalizeValue(inner)
		}
		return out
	default:
		return v
	}
}
