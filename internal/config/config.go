package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/weather-etl/internal/common"
)

type AppConfig struct {
	// Artifact layout.
	DataDir         string `yaml:"data_dir" validate:"required"`
	RawPrefix       string `yaml:"raw_prefix" validate:"required"`
	ProcessedPrefix string `yaml:"processed_prefix" validate:"required"`

	// Target store.
	ESURL           string        `yaml:"es_url" validate:"required,url"`
	ESUsername      string        `yaml:"es_username"`
	ESPassword      string        `yaml:"es_password"`
	IndexName       string        `yaml:"index_name" validate:"required"`
	ArchiveIndex    string        `yaml:"archive_index"`
	AliasName       string        `yaml:"alias_name"`
	PipelineName    string        `yaml:"pipeline_name" validate:"required"`
	TemplateName    string        `yaml:"template_name" validate:"required"`
	AssetsDir       string        `yaml:"assets_dir"`
	BatchSize       int           `yaml:"batch_size" validate:"gte=1,lte=10000"`
	RefreshInterval string        `yaml:"refresh_interval" validate:"required"`
	ESTimeout       time.Duration `yaml:"es_timeout" validate:"gt=0"`

	// Providers.
	Providers      []string      `yaml:"providers" validate:"min=1,dive,oneof=brightsky hs-worms"`
	HTTPTimeout    time.Duration `yaml:"http_timeout" validate:"gt=0"`
	BrightSkyBase  string        `yaml:"brightsky_base" validate:"required,url"`
	Latitude       string        `yaml:"latitude"`
	Longitude      string        `yaml:"longitude"`
	City           string        `yaml:"city"`
	Country        string        `yaml:"country"`
	GeocoderAPIKey string        `yaml:"geocoder_api_key"`
	HSWetterURL    string        `yaml:"hs_wetter_url" validate:"required,url"`
	HSStationID    string        `yaml:"hs_station_id" validate:"required"`

	// In-process driver.
	Schedule   string        `yaml:"schedule" validate:"required"`
	RunRetries int           `yaml:"run_retries" validate:"gte=0"`
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`
	Port       string        `yaml:"port" validate:"required,numeric"`

	// Run ledger.
	LedgerDriver     string `yaml:"ledger_driver" validate:"oneof=memory sqlite"`
	LedgerPath       string `yaml:"ledger_path"`
	LedgerMaxHistory int    `yaml:"ledger_max_history" validate:"gte=0"`

	// Optional raw archival.
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket" validate:"required_with=MinioEndpoint"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`

	// Optional run events.
	AMQPURL   string `yaml:"amqp_url"`
	AMQPQueue string `yaml:"amqp_queue" validate:"required_with=AMQPURL"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// RawDir is where raw artifacts are written.
func (c *AppConfig) RawDir() string { return filepath.Join(c.DataDir, "raw") }

// ProcessedDir is where normalized NDJSON artifacts are written.
func (c *AppConfig) ProcessedDir() string { return filepath.Join(c.DataDir, "processed") }

// WriteTarget is the name the loader writes to: the alias when configured,
// the physical index otherwise.
func (c *AppConfig) WriteTarget() string {
	if c.AliasName != "" {
		return c.AliasName
	}
	return c.IndexName
}

// Defaults returns a config with every default applied.
func Defaults() AppConfig {
	return AppConfig{
		DataDir:         "./data",
		RawPrefix:       "raw_",
		ProcessedPrefix: "processed_",

		ESURL:           "http://localhost:9200",
		IndexName:       "data-2026",
		ArchiveIndex:    "data-archive",
		AliasName:       "all-data",
		PipelineName:    "standardize-v1",
		TemplateName:    "data-template",
		BatchSize:       500,
		RefreshInterval: "1s",
		ESTimeout:       60 * time.Second,

		Providers:     []string{"brightsky", "hs-worms"},
		HTTPTimeout:   30 * time.Second,
		BrightSkyBase: "https://api.brightsky.dev",
		Latitude:      "49.6",
		Longitude:     "8.36",
		HSWetterURL:   "https://wetter.hs-worms.de/api/v3/data",
		HSStationID:   "hs-worms",

		Schedule:   "0 2 * * *",
		RunRetries: 5,
		RetryDelay: 5 * time.Minute,
		Port:       "8080",

		LedgerDriver:     "memory",
		LedgerPath:       "./data/ledger.db",
		LedgerMaxHistory: 200,

		AMQPQueue: "weather-etl.runs",
		LogLevel:  "info",
	}
}

var validate = validator.New()

// Load reads configuration: defaults, then the optional YAML file named by
// WEATHER_ETL_CONFIG, then environment variables.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		zap.L().Debug("no .env file loaded", zap.Error(err))
	}
	cfg := Defaults()

	if path := os.Getenv("WEATHER_ETL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and the cron schedule.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid SCHEDULE %q: %w", c.Schedule, err)
	}
	return nil
}

func applyEnv(cfg *AppConfig) error {
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.RawPrefix, "RAW_PREFIX")
	setString(&cfg.ProcessedPrefix, "PROCESSED_PREFIX")

	setString(&cfg.ESURL, "ES_URL")
	setString(&cfg.ESUsername, "ES_USERNAME")
	setString(&cfg.ESPassword, "ES_PASSWORD")
	setString(&cfg.IndexName, "ES_INDEX")
	setString(&cfg.ArchiveIndex, "ES_ARCHIVE_INDEX")
	setString(&cfg.AliasName, "ES_ALIAS")
	setString(&cfg.PipelineName, "ES_PIPELINE")
	setString(&cfg.TemplateName, "ES_TEMPLATE")
	setString(&cfg.AssetsDir, "ES_ASSETS_DIR")
	setString(&cfg.RefreshInterval, "ES_REFRESH_INTERVAL")

	if v := os.Getenv("PROVIDERS"); v != "" {
		cfg.Providers = common.SplitList(v)
	}
	setString(&cfg.BrightSkyBase, "BRIGHTSKY_BASE")
	setString(&cfg.Latitude, "WORMS_LAT")
	setString(&cfg.Longitude, "WORMS_LON")
	setString(&cfg.City, "WEATHER_LOCATION_CITY")
	setString(&cfg.Country, "WEATHER_LOCATION_COUNTRY")
	setString(&cfg.GeocoderAPIKey, "GEOCODER_API_KEY")
	setString(&cfg.HSWetterURL, "HS_WETTER_URL")
	setString(&cfg.HSStationID, "HS_STATION_ID")

	setString(&cfg.Schedule, "SCHEDULE")
	setString(&cfg.Port, "PORT")

	setString(&cfg.LedgerDriver, "LEDGER_DRIVER")
	setString(&cfg.LedgerPath, "LEDGER_PATH")

	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")

	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.AMQPQueue, "AMQP_QUEUE")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	var err error
	if cfg.BatchSize, err = getenvInt("BULK_BATCH_SIZE", cfg.BatchSize); err != nil {
		return err
	}
	if cfg.RunRetries, err = getenvInt("RUN_RETRIES", cfg.RunRetries); err != nil {
		return err
	}
	if cfg.LedgerMaxHistory, err = getenvInt("LEDGER_MAX_HISTORY", cfg.LedgerMaxHistory); err != nil {
		return err
	}
	if cfg.ESTimeout, err = getenvDuration("ES_TIMEOUT", cfg.ESTimeout); err != nil {
		return err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", cfg.HTTPTimeout); err != nil {
		return err
	}
	if cfg.RetryDelay, err = getenvDuration("RETRY_DELAY", cfg.RetryDelay); err != nil {
		return err
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MINIO_USE_SSL: %w", err)
		}
		cfg.MinioUseSSL = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
