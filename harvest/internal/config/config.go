// Package config provides configuration loading for the harvest service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the harvest service
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Geocoder  GeocoderConfig  `mapstructure:"geocoder"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Region    RegionConfig    `mapstructure:"region"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	SSLMode        string        `mapstructure:"sslmode"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MigrationsPath string        `mapstructure:"migrations_path"`
}

// ConnString builds the PostgreSQL connection URL.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis configuration for quotas, locks and the memo cache
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// SearchConfig holds the OpenSearch mirror configuration
type SearchConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

// FetcherConfig configures the page reader service
type FetcherConfig struct {
	ReaderURL    string        `mapstructure:"reader_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// ExtractorConfig configures the extraction model endpoint
type ExtractorConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Profile     string        `mapstructure:"profile"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Quota       int           `mapstructure:"quota"`
	QuotaWindow time.Duration `mapstructure:"quota_window"`
}

// GeocoderConfig configures the geocoding provider
type GeocoderConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	CacheSizeMB       int           `mapstructure:"cache_size_mb"`
}

// DiscoveryConfig configures the places search used to find new sources
type DiscoveryConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Queries     []string      `mapstructure:"queries"`
	Cities      []string      `mapstructure:"cities"`
	CitiesFile  string        `mapstructure:"cities_file"`
	MaxPerQuery int           `mapstructure:"max_per_query"`
}

// BoundingBox is the plausibility window for geocoded coordinates
type BoundingBox struct {
	MinLat float64 `mapstructure:"min_lat"`
	MaxLat float64 `mapstructure:"max_lat"`
	MinLng float64 `mapstructure:"min_lng"`
	MaxLng float64 `mapstructure:"max_lng"`
}

// Contains reports whether (lat, lng) lies inside the box.
func (b BoundingBox) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// RegionConfig describes the target region of the harvest
type RegionConfig struct {
	Qualifier string      `mapstructure:"qualifier"`
	Timezone  string      `mapstructure:"timezone"`
	BBox      BoundingBox `mapstructure:"bbox"`
}

// Location resolves the configured timezone.
func (r RegionConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}

// HarvestConfig bounds a single harvest run
type HarvestConfig struct {
	Workers         int           `mapstructure:"workers"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	SourceTimeout   time.Duration `mapstructure:"source_timeout"`
	MaxContentChars int           `mapstructure:"max_content_chars"`
}

// ScheduleConfig holds the trigger intervals for daemon mode
type ScheduleConfig struct {
	HarvestInterval   time.Duration `mapstructure:"harvest_interval"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
	RunOnStart        bool          `mapstructure:"run_on_start"`
}

// SchedulerConfig holds the run lock settings
type SchedulerConfig struct {
	Lock    string        `mapstructure:"lock"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// MetricsConfig holds the metrics/health listener configuration
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sprout/harvest")
	}

	// Environment variables override (HARVEST_EXTRACTOR_API_KEY, etc.)
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "sprout")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "sprout_harvest")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.connect_timeout", "30s")
	v.SetDefault("database.postgres.migrations_path", "file://harvest/migrations")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("search.enabled", false)
	v.SetDefault("search.url", "https://localhost:9200")
	v.SetDefault("search.username", "admin")
	v.SetDefault("search.password", "")
	v.SetDefault("search.insecure", true)
	v.SetDefault("search.index", "sprout-events")

	v.SetDefault("fetcher.reader_url", "https://r.jina.ai/")
	v.SetDefault("fetcher.api_key", "")
	v.SetDefault("fetcher.timeout", "45s")
	v.SetDefault("fetcher.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetcher.user_agent", "sprout-harvest/1.0")

	v.SetDefault("extractor.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("extractor.api_key", "")
	v.SetDefault("extractor.model", "gpt-4o-mini")
	v.SetDefault("extractor.profile", "children_0_5")
	v.SetDefault("extractor.timeout", "90s")
	v.SetDefault("extractor.quota", 200)
	v.SetDefault("extractor.quota_window", "1h")

	v.SetDefault("geocoder.endpoint", "https://maps.googleapis.com/maps/api/geocode/json")
	v.SetDefault("geocoder.api_key", "")
	v.SetDefault("geocoder.timeout", "10s")
	v.SetDefault("geocoder.requests_per_second", 10.0)
	v.SetDefault("geocoder.cache_ttl", "720h")
	v.SetDefault("geocoder.cache_size_mb", 16)

	v.SetDefault("discovery.endpoint", "https://places.googleapis.com/v1/places:searchText")
	v.SetDefault("discovery.api_key", "")
	v.SetDefault("discovery.timeout", "15s")
	v.SetDefault("discovery.queries", []string{"public library in %s", "children's museum in %s"})
	v.SetDefault("discovery.cities", []string{})
	v.SetDefault("discovery.cities_file", "")
	v.SetDefault("discovery.max_per_query", 20)

	v.SetDefault("region.qualifier", "California")
	v.SetDefault("region.timezone", "UTC")
	v.SetDefault("region.bbox.min_lat", 32.5)
	v.SetDefault("region.bbox.max_lat", 42.0)
	v.SetDefault("region.bbox.min_lng", -124.5)
	v.SetDefault("region.bbox.max_lng", -114.1)

	v.SetDefault("harvest.workers", 4)
	v.SetDefault("harvest.run_timeout", "50m")
	v.SetDefault("harvest.source_timeout", "5m")
	v.SetDefault("harvest.max_content_chars", 40000)

	v.SetDefault("schedule.harvest_interval", "24h")
	v.SetDefault("schedule.discovery_interval", "720h")
	v.SetDefault("schedule.run_on_start", true)

	v.SetDefault("scheduler.lock", "local")
	v.SetDefault("scheduler.lock_ttl", "1h")

	v.SetDefault("metrics.addr", ":9102")
}

// Validate checks the settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error

	if c.Harvest.Workers <= 0 {
		errs = append(errs, fmt.Errorf("harvest.workers must be positive, got %d", c.Harvest.Workers))
	}
	if c.Harvest.RunTimeout <= 0 {
		errs = append(errs, errors.New("harvest.run_timeout must be positive"))
	}
	if c.Harvest.SourceTimeout <= 0 {
		errs = append(errs, errors.New("harvest.source_timeout must be positive"))
	}
	if c.Harvest.MaxContentChars <= 0 {
		errs = append(errs, errors.New("harvest.max_content_chars must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"fetcher.timeout":   c.Fetcher.Timeout,
		"extractor.timeout": c.Extractor.Timeout,
		"geocoder.timeout":  c.Geocoder.Timeout,
		"discovery.timeout": c.Discovery.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Region.BBox.MinLat >= c.Region.BBox.MaxLat || c.Region.BBox.MinLng >= c.Region.BBox.MaxLng {
		errs = append(errs, errors.New("region.bbox min values must be below max values"))
	}
	if _, err := c.Region.Location(); err != nil {
		errs = append(errs, fmt.Errorf("region.timezone: %w", err))
	}
	switch c.Scheduler.Lock {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("scheduler.lock must be local or redis, got %q", c.Scheduler.Lock))
	}
	if c.Scheduler.Lock == "redis" && !c.Redis.Enabled {
		errs = append(errs, errors.New("scheduler.lock=redis requires redis.enabled"))
	}
	// A lease that expires mid-run lets another replica start a second run.
	if c.Scheduler.Lock == "redis" && c.Scheduler.LockTTL <= c.Harvest.RunTimeout {
		errs = append(errs, fmt.Errorf("scheduler.lock_ttl (%s) must exceed harvest.run_timeout (%s)",
			c.Scheduler.LockTTL, c.Harvest.RunTimeout))
	}

	return errors.Join(errs...)
}
