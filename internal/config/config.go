// Package config loads stravasync settings. Values come from defaults, then an
// optional YAML file, then the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvConfigPath names the variable that points at a config file.
const EnvConfigPath = "STRAVASYNC_CONFIG"

type Config struct {
	Strava      StravaConfig      `mapstructure:"strava"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Weather     WeatherConfig     `mapstructure:"weather"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Log         LogConfig         `mapstructure:"log"`
}

type StravaConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RefreshToken string        `mapstructure:"refresh_token"`
	AthleteID    int64         `mapstructure:"athlete_id"`
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	PageSize     int           `mapstructure:"page_size"`
	ShortLimit   int           `mapstructure:"short_limit"`
	ShortWindow  time.Duration `mapstructure:"short_window"`
	LongLimit    int           `mapstructure:"long_limit"`
	LongWindow   time.Duration `mapstructure:"long_window"`
	// MinInterval spaces out consecutive requests. Zero sends them as fast as
	// the windows allow.
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	JitterPercent uint64        `mapstructure:"jitter_percent"`
}

type CredentialsConfig struct {
	RefreshMargin time.Duration `mapstructure:"refresh_margin"`
}

// DatabaseConfig selects the store. An empty driver is inferred from the DSN.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig is optional. Without a URL tokens are not persisted and the run
// lock is process local.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type WeatherConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type SyncConfig struct {
	AlwaysRefetch bool          `mapstructure:"always_refetch"`
	FetchZones    bool          `mapstructure:"fetch_zones"`
	FetchStreams  bool          `mapstructure:"fetch_streams"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	Interval      time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// envKeys maps config keys to the environment variables that set them.
var envKeys = map[string][]string{
	"strava.client_id":     {"STRAVA_CLIENT_ID"},
	"strava.client_secret": {"STRAVA_CLIENT_SECRET"},
	"strava.refresh_token": {"STRAVA_REFRESH_TOKEN"},
	"strava.athlete_id":    {"STRAVA_ATHLETE_ID"},
	"database.dsn":         {"DATABASE_URL"},
	"redis.url":            {"REDIS_URL"},
	"weather.api_key":      {"OWM_API_KEY"},
	"log.level":            {"LOG_LEVEL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strava.base_url", "https://www.strava.com/api/v3/")
	v.SetDefault("strava.token_url", "https://www.strava.com/oauth/token")
	v.SetDefault("strava.page_size", 50)
	v.SetDefault("strava.short_limit", 100)
	v.SetDefault("strava.short_window", 15*time.Minute)
	v.SetDefault("strava.long_limit", 1000)
	v.SetDefault("strava.long_window", 24*time.Hour)
	v.SetDefault("strava.min_interval", time.Duration(0))

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", time.Minute)
	v.SetDefault("retry.jitter_percent", 10)

	v.SetDefault("credentials.refresh_margin", 5*time.Minute)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "stravasync.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("weather.api_key", "")
	v.SetDefault("weather.base_url", "https://api.openweathermap.org/")

	v.SetDefault("sync.always_refetch", false)
	v.SetDefault("sync.fetch_zones", true)
	v.SetDefault("sync.fetch_streams", false)
	v.SetDefault("sync.lock_ttl", 2*time.Hour)
	v.SetDefault("sync.interval", time.Duration(0))

	v.SetDefault("log.level", "info")
}

// Load reads the configuration. path may be empty, in which case
// STRAVASYNC_CONFIG is consulted; no file at all is fine.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// STRAVASYNC_SYNC_FETCH_STREAMS and friends cover every key.
	v.SetEnvPrefix("STRAVASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envKeys {
		if err := v.BindEnv(append([]string{key, "STRAVASYNC_" + envName(key)}, names...)...); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if path == "" {
		if err := v.BindEnv("config", EnvConfigPath); err != nil {
			return nil, fmt.Errorf("binding %s: %w", EnvConfigPath, err)
		}
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate reports settings that make a sync impossible.
func (c *Config) Validate() error {
	var errs []error
	if c.Strava.ClientID == "" {
		errs = append(errs, errors.New("strava.client_id (STRAVA_CLIENT_ID) is required"))
	}
	if c.Strava.ClientSecret == "" {
		errs = append(errs, errors.New("strava.client_secret (STRAVA_CLIENT_SECRET) is required"))
	}
	if c.Strava.RefreshToken == "" {
		errs = append(errs, errors.New("strava.refresh_token (STRAVA_REFRESH_TOKEN) is required"))
	}
	if c.Strava.AthleteID <= 0 {
		errs = append(errs, errors.New("strava.athlete_id (STRAVA_ATHLETE_ID) is required"))
	}
	if c.Strava.PageSize < 1 || c.Strava.PageSize > 200 {
		errs = append(errs, fmt.Errorf("strava.page_size must be between 1 and 200, got %d", c.Strava.PageSize))
	}
	if c.Strava.ShortLimit < 1 || c.Strava.LongLimit < 1 {
		errs = append(errs, errors.New("strava rate limits must be positive"))
	}
	if c.Strava.ShortWindow <= 0 || c.Strava.LongWindow <= 0 {
		errs = append(errs, errors.New("strava rate limit windows must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn (DATABASE_URL) is required"))
	}
	return errors.Join(errs...)
}
