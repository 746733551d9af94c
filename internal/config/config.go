package config

import (
	"io"
	"math"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Feeds      FeedsConfig      `yaml:"feeds" mapstructure:"feeds"`
	Refresh    RefreshConfig    `yaml:"refresh" mapstructure:"refresh"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// FeedsConfig configures the open data portals.
type FeedsConfig struct {
	BaseURL     string                  `yaml:"base_url" mapstructure:"base_url"`
	PageSize    int                     `yaml:"page_size" mapstructure:"page_size"`
	UserAgent   string                  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int                     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int                     `yaml:"max_retries" mapstructure:"max_retries"`
	FixturePath string                  `yaml:"fixture_path" mapstructure:"fixture_path"`
	Sources     map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
}

// SourceConfig locates one dataset. Format is "ckan" or "csv".
type SourceConfig struct {
	Format     string `yaml:"format" mapstructure:"format"`
	ResourceID string `yaml:"resource_id" mapstructure:"resource_id"`
	URL        string `yaml:"url" mapstructure:"url"`
	TimeField  string `yaml:"time_field" mapstructure:"time_field"`
	Cadence    string `yaml:"cadence" mapstructure:"cadence"`
}

// RefreshConfig configures the ingestion engine.
type RefreshConfig struct {
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize         int `yaml:"batch_size" mapstructure:"batch_size"`
	TimeoutSecs       int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	LookbackHours     int `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	MaxFailureDetails int `yaml:"max_failure_details" mapstructure:"max_failure_details"`
}

// ScoringConfig holds the composite score parameters. Map keys are dataset
// names.
type ScoringConfig struct {
	RadiusKm     float64            `yaml:"radius_km" mapstructure:"radius_km"`
	WindowDays   map[string]int     `yaml:"window_days" mapstructure:"window_days"`
	Calibration  map[string]float64 `yaml:"calibration" mapstructure:"calibration"`
	Weights      WeightsConfig      `yaml:"weights" mapstructure:"weights"`
	CacheTTLSecs int                `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// WeightsConfig holds the axis weights of the overall score.
type WeightsConfig struct {
	Safety      float64 `yaml:"safety" mapstructure:"safety"`
	Hygiene     float64 `yaml:"hygiene" mapstructure:"hygiene"`
	Maintenance float64 `yaml:"maintenance" mapstructure:"maintenance"`
}

// RedisConfig configures the optional score cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// GeocodeConfig configures address lookup.
type GeocodeConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	Benchmark string  `yaml:"benchmark" mapstructure:"benchmark"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// MonitoringConfig configures refresh health checks and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RowFailureThreshold  float64 `yaml:"row_failure_threshold" mapstructure:"row_failure_threshold"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and CIVIC_* environment
// variables, in increasing precedence.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CIVIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so CIVIC_* variables reach Unmarshal.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "civicscore.db")
	v.SetDefault("store.max_conns", 10)

	v.SetDefault("feeds.base_url", "https://data.boston.gov/api/3/action")
	v.SetDefault("feeds.page_size", 1000)
	v.SetDefault("feeds.user_agent", "civicscore/1.0")
	v.SetDefault("feeds.timeout_secs", 60)
	v.SetDefault("feeds.max_retries", 3)
	v.SetDefault("feeds.fixture_path", "")
	v.SetDefault("feeds.sources.crime.format", "ckan")
	v.SetDefault("feeds.sources.crime.resource_id", "b973d8cb-eeb2-4e7e-99da-c92938efc9c0")
	v.SetDefault("feeds.sources.crime.time_field", "OCCURRED_ON_DATE")
	v.SetDefault("feeds.sources.crime.cadence", "hourly")
	v.SetDefault("feeds.sources.service_request.format", "ckan")
	v.SetDefault("feeds.sources.service_request.resource_id", "254adca6-64ab-4c5c-9fc0-a6da622be185")
	v.SetDefault("feeds.sources.service_request.time_field", "open_date")
	v.SetDefault("feeds.sources.service_request.cadence", "hourly")
	v.SetDefault("feeds.sources.building_violation.format", "ckan")
	v.SetDefault("feeds.sources.building_violation.resource_id", "800a2663-1d6a-46e7-9356-bedb70f5332c")
	v.SetDefault("feeds.sources.building_violation.time_field", "status_dttm")
	v.SetDefault("feeds.sources.building_violation.cadence", "daily")
	v.SetDefault("feeds.sources.food_inspection.format", "ckan")
	v.SetDefault("feeds.sources.food_inspection.resource_id", "4582bec6-2b4f-4f9e-bc55-cbaa73117f4c")
	v.SetDefault("feeds.sources.food_inspection.time_field", "resultdttm")
	v.SetDefault("feeds.sources.food_inspection.cadence", "daily")

	v.SetDefault("refresh.concurrency", 2)
	v.SetDefault("refresh.batch_size", 500)
	v.SetDefault("refresh.timeout_secs", 1800)
	v.SetDefault("refresh.lookback_hours", 6)
	v.SetDefault("refresh.max_failure_details", 100)

	v.SetDefault("scoring.radius_km", 0.5)
	v.SetDefault("scoring.window_days.crime", 30)
	v.SetDefault("scoring.window_days.service_request", 30)
	v.SetDefault("scoring.window_days.building_violation", 90)
	v.SetDefault("scoring.window_days.food_inspection", 365)
	v.SetDefault("scoring.calibration.crime", 25.0)
	v.SetDefault("scoring.calibration.service_request", 40.0)
	v.SetDefault("scoring.calibration.building_violation", 10.0)
	v.SetDefault("scoring.calibration.food_inspection", 5.0)
	v.SetDefault("scoring.weights.safety", 0.5)
	v.SetDefault("scoring.weights.hygiene", 0.2)
	v.SetDefault("scoring.weights.maintenance", 0.3)
	v.SetDefault("scoring.cache_ttl_secs", 900)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("geocode.base_url", "https://geocoding.geo.census.gov/geocoder")
	v.SetDefault("geocode.benchmark", "Public_AR_Current")
	v.SetDefault("geocode.rate_limit", 5.0)

	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.row_failure_threshold", 0.10)
	v.SetDefault("monitoring.stale_after_hours", 48)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings a command mode depends on. Modes are
// "refresh", "query" and "monitor"; every mode checks the store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "memory":
	default:
		errs = append(errs, "store.driver must be postgres, sqlite or memory")
	}

	switch mode {
	case "refresh":
		if c.Refresh.Concurrency < 1 || c.Refresh.Concurrency > 16 {
			errs = append(errs, "refresh.concurrency must be between 1 and 16")
		}
		if c.Refresh.BatchSize < 1 {
			errs = append(errs, "refresh.batch_size must be positive")
		}
		if c.Feeds.FixturePath == "" {
			for name, src := range c.Feeds.Sources {
				switch src.Format {
				case "ckan", "":
					if src.ResourceID == "" {
						errs = append(errs, "feeds.sources."+name+".resource_id is required")
					}
				case "csv":
					if src.URL == "" {
						errs = append(errs, "feeds.sources."+name+".url is required")
					}
				default:
					errs = append(errs, "feeds.sources."+name+".format must be ckan or csv")
				}
			}
		}
	case "query":
		if c.Scoring.RadiusKm < 0 || math.IsNaN(c.Scoring.RadiusKm) || math.IsInf(c.Scoring.RadiusKm, 0) {
			errs = append(errs, "scoring.radius_km must be a finite non-negative number")
		}
	case "monitor":
		if c.Store.Driver == "memory" {
			errs = append(errs, "monitor needs a persistent store.driver (postgres or sqlite)")
		}
		if c.Monitoring.CheckIntervalSecs < 1 {
			errs = append(errs, "monitoring.check_interval_secs must be positive")
		}
		if t := c.Monitoring.FailureRateThreshold; t <= 0 || t > 1 {
			errs = append(errs, "monitoring.failure_rate_threshold must be in (0, 1]")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WriteYAML writes the effective configuration, with secrets masked.
func (c *Config) WriteYAML(w io.Writer) error {
	masked := *c
	masked.Store.DatabaseURL = mask(masked.Store.DatabaseURL)
	masked.Redis.Password = mask(masked.Redis.Password)
	masked.Monitoring.WebhookURL = mask(masked.Monitoring.WebhookURL)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return eris.Wrap(err, "config: encode yaml")
	}
	return eris.Wrap(enc.Close(), "config: encode yaml")
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)
	zapCfg.OutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

