package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CORALCLUB"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "coralclub.db"
	defaultLogLevel        = "info"
	defaultKVBackend       = BackendREST
	defaultRedisAddress    = "127.0.0.1:6379"
	defaultStateKey        = "coralclub:state"
	defaultRevKey          = "coralclub:rev"
	defaultTokenTTLMinutes = 60
	defaultAdminPIN        = "1234"
	defaultRatePerSecond   = 100
	defaultRateBurst       = 200
	defaultGatewayURL      = "http://127.0.0.1:8080"
	defaultPollInterval    = 1500 * time.Millisecond
	defaultSweepInterval   = 30 * time.Second
	defaultCachePath       = "coralclub-local.db"
	defaultGridSize        = 20
	defaultRequestTimeout  = 10 * time.Second
	defaultHoldMinutes     = 15
)

// Store backends accepted by kv.backend.
const (
	BackendREST   = "rest"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the gateway service.
type AppConfig struct {
	HTTPAddress     string
	LogLevel        string
	KVBackend       string
	KVRestURL       string
	KVRestToken     string
	RedisAddress    string
	RedisPassword   string
	RedisDB         int
	DatabasePath    string
	StateKey        string
	RevKey          string
	SigningSecret   string
	TokenTTL        time.Duration
	DefaultAdminPIN string
	RatePerSecond   float64
	RateBurst       int
}

// AgentConfig captures runtime configuration for a headless client session.
type AgentConfig struct {
	GatewayURL      string
	LogLevel        string
	StateKey        string
	RevKey          string
	PollInterval    time.Duration
	SweepInterval   time.Duration
	CachePath       string
	GridSize        int
	FetchOnBoot     bool
	Watch           bool
	RequestTimeout  time.Duration
	Hold            time.Duration
	DefaultAdminPIN string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	// The hosted store credentials keep their platform-provided names.
	_ = configViper.BindEnv("kv.rest_url", envPrefix+"_KV_REST_URL", "KV_REST_API_URL")
	_ = configViper.BindEnv("kv.rest_token", envPrefix+"_KV_REST_TOKEN", "KV_REST_API_TOKEN")

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("kv.backend", defaultKVBackend)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("state.key", defaultStateKey)
	configViper.SetDefault("state.rev_key", defaultRevKey)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.default_admin_pin", defaultAdminPIN)
	configViper.SetDefault("rate.per_second", defaultRatePerSecond)
	configViper.SetDefault("rate.burst", defaultRateBurst)
	configViper.SetDefault("agent.gateway_url", defaultGatewayURL)
	configViper.SetDefault("agent.poll_interval", defaultPollInterval)
	configViper.SetDefault("agent.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("agent.cache_path", defaultCachePath)
	configViper.SetDefault("agent.grid_size", defaultGridSize)
	configViper.SetDefault("agent.fetch_on_boot", true)
	configViper.SetDefault("agent.watch", true)
	configViper.SetDefault("agent.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("reservations.hold_minutes", defaultHoldMinutes)
}

// Load parses the gateway service configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		LogLevel:        configViper.GetString("log.level"),
		KVBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("kv.backend"))),
		KVRestURL:       configViper.GetString("kv.rest_url"),
		KVRestToken:     configViper.GetString("kv.rest_token"),
		RedisAddress:    configViper.GetString("redis.address"),
		RedisPassword:   configViper.GetString("redis.password"),
		RedisDB:         configViper.GetInt("redis.db"),
		DatabasePath:    configViper.GetString("database.path"),
		StateKey:        configViper.GetString("state.key"),
		RevKey:          configViper.GetString("state.rev_key"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DefaultAdminPIN: configViper.GetString("auth.default_admin_pin"),
		RatePerSecond:   configViper.GetFloat64("rate.per_second"),
		RateBurst:       configViper.GetInt("rate.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadAgent parses the client session configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		GatewayURL:      configViper.GetString("agent.gateway_url"),
		LogLevel:        configViper.GetString("log.level"),
		StateKey:        configViper.GetString("state.key"),
		RevKey:          configViper.GetString("state.rev_key"),
		PollInterval:    configViper.GetDuration("agent.poll_interval"),
		SweepInterval:   configViper.GetDuration("agent.sweep_interval"),
		CachePath:       configViper.GetString("agent.cache_path"),
		GridSize:        configViper.GetInt("agent.grid_size"),
		FetchOnBoot:     configViper.GetBool("agent.fetch_on_boot"),
		Watch:           configViper.GetBool("agent.watch"),
		RequestTimeout:  configViper.GetDuration("agent.request_timeout"),
		Hold:            time.Duration(configViper.GetInt("reservations.hold_minutes")) * time.Minute,
		DefaultAdminPIN: configViper.GetString("auth.default_admin_pin"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if err := validateKeys(c.StateKey, c.RevKey); err != nil {
		return err
	}
	switch c.KVBackend {
	case BackendREST:
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("kv.backend %q is not one of rest, redis, sqlite", c.KVBackend)
	}
	if c.RatePerSecond <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate.per_second and rate.burst must be positive")
	}
	return nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.GatewayURL) == "" {
		return fmt.Errorf("agent.gateway_url is required")
	}
	if err := validateKeys(c.StateKey, c.RevKey); err != nil {
		return err
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("agent.cache_path is required")
	}
	if c.PollInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("agent.poll_interval and agent.sweep_interval must be positive")
	}
	if c.Hold <= 0 {
		return fmt.Errorf("reservations.hold_minutes must be positive")
	}
	return nil
}

func validateKeys(stateKey, revKey string) error {
	if strings.TrimSpace(stateKey) == "" || strings.TrimSpace(revKey) == "" {
		return fmt.Errorf("state.key and state.rev_key are required")
	}
	if stateKey == revKey {
		return fmt.Errorf("state.key and state.rev_key must differ")
	}
	return nil
}
