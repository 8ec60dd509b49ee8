package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/joshp123/stromer/internal/log"
	"github.com/joshp123/stromer/internal/oauth"
)

const (
	EnvPrefix   = "STROMER"
	DefaultPath = "/etc/stromer/config.yaml"

	DefaultStateFile             = "/var/lib/stromer/state.json"
	DefaultPollIntervalMinutes   = 10
	DefaultActiveIntervalSeconds = 30
	DefaultStatsIntervalMinutes  = 60
	DefaultTimeoutSeconds        = 15
	DefaultRequestsPerMinute     = 30
	DefaultMQTTPort              = 1883
	DefaultTopicPrefix           = "stromer"
	DefaultMetricsAddr           = ":9464"
)

type Config struct {
	Account Account     `mapstructure:"account"`
	State   State       `mapstructure:"state"`
	Poll    Poll        `mapstructure:"poll"`
	API     API         `mapstructure:"api"`
	MQTT    MQTT        `mapstructure:"mqtt"`
	Metrics Metrics     `mapstructure:"metrics"`
	Log     log.Options `mapstructure:"log"`
}

type Account struct {
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type State struct {
	File string           `mapstructure:"file"`
	Blob oauth.BlobConfig `mapstructure:"blob"`
}

type Poll struct {
	IntervalMinutes       int `mapstructure:"interval_minutes"`
	ActiveIntervalSeconds int `mapstructure:"active_interval_seconds"`
	StatsIntervalMinutes  int `mapstructure:"stats_interval_minutes"`
}

func (p Poll) Interval() time.Duration {
	return time.Duration(p.IntervalMinutes) * time.Minute
}

func (p Poll) ActiveInterval() time.Duration {
	return time.Duration(p.ActiveIntervalSeconds) * time.Second
}

func (p Poll) StatsInterval() time.Duration {
	return time.Duration(p.StatsIntervalMinutes) * time.Minute
}

type API struct {
	BaseURL              string `mapstructure:"base_url"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	MaxRequestsPerMinute int    `mapstructure:"max_requests_per_minute"`
	MaxRequestsPerDay    int    `mapstructure:"max_requests_per_day"`
}

func (a API) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type MQTT struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	TLS         bool   `mapstructure:"tls"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

// Loader reads the YAML config file with STROMER_* environment overrides and
// can watch the file for changes.
type Loader struct {
	v      *viper.Viper
	path   string
	logger log.Logger

	mu      sync.RWMutex
	current *Config
}

func NewLoader(path string, logger log.Logger) *Loader {
	if logger == nil {
		logger = log.NewNop()
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v, path: path, logger: logger.WithName("config")}
}

// Load parses the config file (when a path is set), applies defaults, and validates.
func Load(path string) (*Config, error) {
	return NewLoader(path, nil).Load()
}

func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		l.v.SetConfigFile(l.path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded config.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the file whenever it changes and hands valid configs to onChange.
// An invalid edit is logged and the previous config stays current.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			l.logger.Error(err, "config reload rejected", "file", event.Name)
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		l.logger.Info("config reloaded", "file", event.Name)
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key gets a default so AutomaticEnv can override it during Unmarshal.
	v.SetDefault("account.username", "")
	v.SetDefault("account.password", "")
	v.SetDefault("account.client_id", "")
	v.SetDefault("account.client_secret", "")

	v.SetDefault("state.file", DefaultStateFile)
	v.SetDefault("state.blob.endpoint", "")
	v.SetDefault("state.blob.bucket", "")
	v.SetDefault("state.blob.prefix", "")
	v.SetDefault("state.blob.region", "")
	v.SetDefault("state.blob.access_key_file", "")
	v.SetDefault("state.blob.secret_key_file", "")

	v.SetDefault("poll.interval_minutes", DefaultPollIntervalMinutes)
	v.SetDefault("poll.active_interval_seconds", DefaultActiveIntervalSeconds)
	v.SetDefault("poll.stats_interval_minutes", DefaultStatsIntervalMinutes)

	v.SetDefault("api.base_url", oauth.DefaultBaseURL)
	v.SetDefault("api.timeout_seconds", DefaultTimeoutSeconds)
	v.SetDefault("api.max_requests_per_minute", DefaultRequestsPerMinute)
	v.SetDefault("api.max_requests_per_day", 0)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.host", "")
	v.SetDefault("mqtt.port", DefaultMQTTPort)
	v.SetDefault("mqtt.tls", false)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "stromer-sync")
	v.SetDefault("mqtt.topic_prefix", DefaultTopicPrefix)

	v.SetDefault("metrics.addr", DefaultMetricsAddr)

	defaults := log.NewOptions()
	v.SetDefault("log.level", defaults.Level)
	v.SetDefault("log.format", defaults.Format)
}

func Validate(cfg *Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Account.ClientID) == "" {
		errs = append(errs, errors.New("account.client_id is required"))
	}
	if cfg.Poll.IntervalMinutes <= 0 {
		errs = append(errs, errors.New("poll.interval_minutes must be positive"))
	}
	if cfg.Poll.ActiveIntervalSeconds <= 0 {
		errs = append(errs, errors.New("poll.active_interval_seconds must be positive"))
	}
	if cfg.Poll.StatsIntervalMinutes <= 0 {
		errs = append(errs, errors.New("poll.stats_interval_minutes must be positive"))
	}
	if cfg.API.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("api.timeout_seconds must be positive"))
	}
	if cfg.API.MaxRequestsPerMinute < 0 || cfg.API.MaxRequestsPerDay < 0 {
		errs = append(errs, errors.New("api request limits must not be negative"))
	}
	if blob := cfg.State.Blob; blob.Enabled() {
		if blob.Endpoint == "" || blob.Bucket == "" || blob.AccessKeyFile == "" || blob.SecretKeyFile == "" {
			errs = append(errs, errors.New("state.blob requires endpoint, bucket, access_key_file and secret_key_file"))
		}
	}
	if cfg.MQTT.Enabled && strings.TrimSpace(cfg.MQTT.Host) == "" {
		errs = append(errs, errors.New("mqtt.host is required when mqtt is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
