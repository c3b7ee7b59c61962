package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omnivenue/routing/pkg/types"
)

// VenueConfig is one venue's credentials and toggles. Credentials live in
// process memory only; env overrides (ROUTING_VENUES_BINANCE_API_KEY) keep
// them out of the file.
type VenueConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Sandbox   bool   `mapstructure:"sandbox"`
}

// Credential converts to the shared credential type.
func (v VenueConfig) Credential() types.Credential {
	return types.Credential{APIKey: v.APIKey, APISecret: v.APISecret, Sandbox: v.Sandbox}
}

// SupervisorConfig tunes reconnection and degraded mode.
type SupervisorConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	RecheckInterval time.Duration `mapstructure:"recheck_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

// QualityConfig tunes execution quality scoring and severity grading.
type QualityConfig struct {
	EWMAWeight       float64       `mapstructure:"ewma_weight"`
	LatencyLow       time.Duration `mapstructure:"latency_low"`
	LatencyMedium    time.Duration `mapstructure:"latency_medium"`
	LatencyCritical  time.Duration `mapstructure:"latency_critical"`
	SlippageLow      float64       `mapstructure:"slippage_low"`
	SlippageMedium   float64       `mapstructure:"slippage_medium"`
	SlippageCritical float64       `mapstructure:"slippage_critical"`
}

// RouterConfig tunes order routing.
type RouterConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	QuoteTTL    time.Duration `mapstructure:"quote_ttl"`
}

// Config is the full service configuration.
type Config struct {
	LogLevel   string                 `mapstructure:"log_level"`
	NATSURL    string                 `mapstructure:"nats_url"`
	HealthAddr string                 `mapstructure:"health_addr"`
	Symbols    []string               `mapstructure:"symbols"`
	Venues     map[string]VenueConfig `mapstructure:"venues"`
	Supervisor SupervisorConfig       `mapstructure:"supervisor"`
	Router     RouterConfig           `mapstructure:"router"`
	Quality    QualityConfig          `mapstructure:"quality"`
}

// EnabledVenues returns the names of venues switched on in config.
func (c *Config) EnabledVenues() []string {
	var names []string
	for name, vc := range c.Venues {
		if vc.Enabled {
			names = append(names, name)
		}
	}
	return names
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("nats_url", "")
	v.SetDefault("health_addr", ":8080")
	v.SetDefault("supervisor.max_retries", 3)
	v.SetDefault("supervisor.backoff_base", time.Second)
	v.SetDefault("supervisor.backoff_cap", 10*time.Second)
	v.SetDefault("supervisor.recheck_interval", time.Minute)
	v.SetDefault("supervisor.stale_after", 30*time.Second)
	v.SetDefault("router.max_retries", 3)
	v.SetDefault("router.backoff_base", time.Second)
	v.SetDefault("router.backoff_cap", 4*time.Second)
	v.SetDefault("router.quote_ttl", 10*time.Second)
	v.SetDefault("quality.ewma_weight", 0.2)
	v.SetDefault("quality.latency_low", 500*time.Millisecond)
	v.SetDefault("quality.latency_medium", time.Second)
	v.SetDefault("quality.latency_critical", 2*time.Second)
	v.SetDefault("quality.slippage_low", 0.002)
	v.SetDefault("quality.slippage_medium", 0.005)
	v.SetDefault("quality.slippage_critical", 0.01)
}

// Load reads the yaml config at path and applies ROUTING_* environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ROUTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
