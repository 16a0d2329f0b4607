package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		Address          string        `yaml:"address"`
		Path             string        `yaml:"path"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxMessageBytes  int64         `yaml:"max_message_bytes"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SnapshotTTL      time.Duration `yaml:"snapshot_ttl"`
		PresenceTTL      time.Duration `yaml:"presence_ttl"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
		RequireToken     bool          `yaml:"require_token"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Signaling struct {
		MessageHorizon    time.Duration `yaml:"message_horizon"`
		GCInterval        time.Duration `yaml:"gc_interval"`
		CallStateInterval time.Duration `yaml:"call_state_interval"`
	} `yaml:"signaling"`

	Persistence struct {
		SaveDebounce time.Duration `yaml:"save_debounce"`
		SaveTimeout  time.Duration `yaml:"save_timeout"`
	} `yaml:"persistence"`

	Storage struct {
		Driver   string        `yaml:"driver"` // memory | redis | postgres
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"storage"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Postgres struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`

	Backup struct {
		Enabled   bool          `yaml:"enabled"`
		Directory string        `yaml:"directory"`
		Interval  time.Duration `yaml:"interval"`
		Retain    int           `yaml:"retain"`
	} `yaml:"backup"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Assistant struct {
		Enabled     bool          `yaml:"enabled"`
		Endpoint    string        `yaml:"endpoint"`
		APIKey      string        `yaml:"api_key"`
		Model       string        `yaml:"model"`
		Timeout     time.Duration `yaml:"timeout"`
		MaxAttempts int           `yaml:"max_attempts"`
		// Consecutive failures before the breaker opens.
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"assistant"`

	Monitoring struct {
		PrometheusEnabled bool    `yaml:"prometheus_enabled"`
		TracingEnabled    bool    `yaml:"tracing_enabled"`
		JaegerEndpoint    string  `yaml:"jaeger_endpoint"`
		SamplingRate      float64 `yaml:"sampling_rate"`
	} `yaml:"monitoring"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
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

	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.Path == "" {
		return fmt.Errorf("relay.path must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("relay.max_message_bytes must be > 0")
	}
	if c.Relay.SnapshotInterval <= 0 {
		return fmt.Errorf("relay.snapshot_interval must be > 0")
	}
	if c.Relay.PresenceTTL <= c.Relay.SnapshotInterval {
		return fmt.Errorf("relay.presence_ttl must be > relay.snapshot_interval")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Signaling.MessageHorizon <= 0 {
		return fmt.Errorf("signaling.message_horizon must be > 0")
	}
	if c.Signaling.GCInterval <= 0 {
		return fmt.Errorf("signaling.gc_interval must be > 0")
	}
	if c.Signaling.CallStateInterval < 0 {
		return fmt.Errorf("signaling.call_state_interval must be >= 0")
	}

	if c.Persistence.SaveDebounce <= 0 {
		return fmt.Errorf("persistence.save_debounce must be > 0")
	}

	switch c.Storage.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("storage.driver=redis requires redis.enabled=true")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must not be empty when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, redis, postgres (got %q)", c.Storage.Driver)
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Backup.Enabled {
		if c.Backup.Directory == "" {
			return fmt.Errorf("backup.directory must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0")
		}
		if c.Backup.Retain <= 0 {
			return fmt.Errorf("backup.retain must be > 0")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	if c.Assistant.Enabled {
		if c.Assistant.Endpoint == "" {
			return fmt.Errorf("assistant.endpoint must not be empty when assistant.enabled=true")
		}
		if c.Assistant.Timeout <= 0 {
			return fmt.Errorf("assistant.timeout must be > 0")
		}
		if c.Assistant.MaxAttempts <= 0 {
			return fmt.Errorf("assistant.max_attempts must be > 0")
		}
	}

	if c.Monitoring.TracingEnabled {
		if c.Monitoring.JaegerEndpoint == "" {
			return fmt.Errorf("monitoring.jaeger_endpoint must not be empty when tracing is enabled")
		}
		if c.Monitoring.SamplingRate < 0 || c.Monitoring.SamplingRate > 1 {
			return fmt.Errorf("monitoring.sampling_rate must be within [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

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
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst loads the first existing file from paths, falling back to defaults.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			cfg, err := Load(p)
			return cfg, p, err
		}
	}
	cfg, err := Load("")
	return cfg, "", err
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Relay.Address = ":8081"
	cfg.Relay.Path = "/ws"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.MaxMessageBytes = 1 << 20
	cfg.Relay.SnapshotInterval = 30 * time.Second
	cfg.Relay.SnapshotTTL = 24 * time.Hour
	cfg.Relay.PresenceTTL = 2 * time.Minute
	cfg.Relay.ShutdownTimeout = 15 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Signaling.MessageHorizon = 30 * time.Second
	cfg.Signaling.GCInterval = 10 * time.Second
	cfg.Signaling.CallStateInterval = 15 * time.Second

	cfg.Persistence.SaveDebounce = 2 * time.Second
	cfg.Persistence.SaveTimeout = 10 * time.Second

	cfg.Storage.Driver = "memory"
	cfg.Storage.CacheTTL = 30 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Postgres.MaxConns = 10

	cfg.Backup.Directory = "backups"
	cfg.Backup.Interval = time.Hour
	cfg.Backup.Retain = 24

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Assistant.Endpoint = "https://generativelanguage.googleapis.com/v1beta"
	cfg.Assistant.Model = "gemini-2.5-flash"
	cfg.Assistant.Timeout = 30 * time.Second
	cfg.Assistant.MaxAttempts = 2
	cfg.Assistant.BreakerThreshold = 5
	cfg.Assistant.BreakerCooldown = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Monitoring.SamplingRate = 1.0

	cfg.Logging.Level = "info"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 200
	cfg.RateLimiting.WebSocket.Burst = 400

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("BOARDNET_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("BOARDNET_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if level := os.Getenv("BOARDNET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("BOARDNET_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if driver := os.Getenv("BOARDNET_STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}
	if dsn := os.Getenv("BOARDNET_POSTGRES_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
	}
	if addr := os.Getenv("BOARDNET_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if key := os.Getenv("BOARDNET_ASSISTANT_API_KEY"); key != "" {
		c.Assistant.APIKey = key
		c.Assistant.Enabled = true
	}
	if v := os.Getenv("BOARDNET_SAVE_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Persistence.SaveDebounce = time.Duration(ms) * time.Millisecond
		}
	}
}
