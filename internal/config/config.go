package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"triplog/internal/location"
)

// Config описывает параметры агента поездок.
type Config struct {
	Agent struct {
		Mode     string `yaml:"mode"`
		LogLevel string `yaml:"log_level"`
		DeviceID string `yaml:"device_id"`
		// Operator — субъект CLI-команд.
		Operator string `yaml:"operator"`
	} `yaml:"agent"`
	Security struct {
		AuthAllowlist map[string][]string `yaml:"auth_allowlist"`
		SyncSubjects  []string            `yaml:"sync_subjects"`
		RateLimit     int                 `yaml:"rate_limit_per_second"`
	} `yaml:"security"`
	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
	Sampler struct {
		IntervalMS      int     `yaml:"interval_ms"`
		DistanceFilterM float64 `yaml:"distance_filter_m"`
		Accuracy        string  `yaml:"accuracy"`
		FlushIntervalS  int     `yaml:"flush_interval_s"`
		// ReconcileIntervalMS — как часто serve сверяет опрос с открытой поездкой в базе.
		ReconcileIntervalMS int `yaml:"reconcile_interval_ms"`
	} `yaml:"sampler"`
	Location struct {
		PermissionGranted bool             `yaml:"permission_granted"`
		GeocodeRadiusM    float64          `yaml:"geocode_radius_m"`
		Places            []location.Place `yaml:"places"`
		Simulator         struct {
			Latitude   float64 `yaml:"latitude"`
			Longitude  float64 `yaml:"longitude"`
			HeadingDeg float64 `yaml:"heading_deg"`
			StepM      float64 `yaml:"step_m"`
		} `yaml:"simulator"`
	} `yaml:"location"`
	Web struct {
		Enabled            bool   `yaml:"enabled"`
		ListenAddr         string `yaml:"listen_addr"`
		ReadTimeoutMS      int    `yaml:"read_timeout_ms"`
		WriteTimeoutMS     int    `yaml:"write_timeout_ms"`
		RequestTimeoutMS   int    `yaml:"request_timeout_ms"`
		ShutdownTimeoutS   int    `yaml:"shutdown_timeout_s"`
		MaxBodyBytes       int64  `yaml:"max_body_bytes"`
		StreamPingInterval int    `yaml:"stream_ping_interval_s"`
		Auth               struct {
			AllowLegacySubjectHeader bool         `yaml:"allow_legacy_subject_header"`
			Tokens                   []TokenEntry `yaml:"tokens"`
		} `yaml:"auth"`
		CORS struct {
			AllowedOrigins []string `yaml:"allowed_origins"`
			AllowedMethods []string `yaml:"allowed_methods"`
			AllowedHeaders []string `yaml:"allowed_headers"`
		} `yaml:"cors"`
	} `yaml:"web"`
	Replication struct {
		Enabled    bool   `yaml:"enabled"`
		URL        string `yaml:"url"`
		Exchange   string `yaml:"exchange"`
		Queue      string `yaml:"queue"`
		RoutingKey string `yaml:"routing_key"`
		Prefetch   int    `yaml:"prefetch"`
	} `yaml:"replication"`
}

// TokenEntry описывает bearer-токен web API.
type TokenEntry struct {
	ID          string   `yaml:"id"`
	TokenSHA256 string   `yaml:"token_sha256"`
	Subject     string   `yaml:"subject"`
	Roles       []string `yaml:"roles"`
	Enabled     bool     `yaml:"enabled"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	var cfg Config
	cfg.Agent.Mode = "cli"
	cfg.Agent.LogLevel = "info"
	cfg.Agent.DeviceID = "device-local"
	cfg.Agent.Operator = "local"
	cfg.Security.AuthAllowlist = map[string][]string{"cli": {"local"}, "web": {}}
	cfg.Security.RateLimit = 5
	cfg.SQLite.Path = "/var/lib/triplog/state.db"
	cfg.Sampler.IntervalMS = 1000
	cfg.Sampler.Accuracy = "highest"
	cfg.Sampler.FlushIntervalS = 30
	cfg.Sampler.ReconcileIntervalMS = 1000
	cfg.Location.PermissionGranted = true
	cfg.Location.GeocodeRadiusM = 150
	cfg.Location.Simulator.Latitude = -23.5505
	cfg.Location.Simulator.Longitude = -46.6333
	cfg.Location.Simulator.HeadingDeg = 90
	cfg.Location.Simulator.StepM = 8
	cfg.Web.Enabled = false
	cfg.Web.ListenAddr = "127.0.0.1:8080"
	cfg.Web.ReadTimeoutMS = 2000
	cfg.Web.WriteTimeoutMS = 5000
	cfg.Web.RequestTimeoutMS = 3000
	cfg.Web.ShutdownTimeoutS = 5
	cfg.Web.MaxBodyBytes = 1 << 20
	cfg.Web.StreamPingInterval = 15
	cfg.Replication.Exchange = "triplog.sync"
	cfg.Replication.Queue = "triplog.sync.confirmations"
	cfg.Replication.RoutingKey = "sync.confirmed"
	cfg.Replication.Prefetch = 1
	return cfg
}

// Load читает конфиг из файла YAML поверх значений по умолчанию,
// затем применяет переменные TRIPLOG_* (в том числе из .env).
func Load(path string) (Config, error) {
	cfg := Default()
	_ = godotenv.Load()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- путь к конфигу задается доверенным оператором/CI.
		if err != nil {
			return cfg, err
		}
		if len(data) == 0 {
			return cfg, errors.New("config file is empty")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate проверяет значения, без которых агент не стартует.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SQLite.Path) == "" {
		return errors.New("sqlite.path is required")
	}
	if c.Sampler.IntervalMS <= 0 {
		return fmt.Errorf("sampler.interval_ms must be positive, got %d", c.Sampler.IntervalMS)
	}
	if c.Sampler.ReconcileIntervalMS <= 0 {
		return fmt.Errorf("sampler.reconcile_interval_ms must be positive, got %d", c.Sampler.ReconcileIntervalMS)
	}
	if c.Sampler.DistanceFilterM < 0 {
		return fmt.Errorf("sampler.distance_filter_m must not be negative, got %v", c.Sampler.DistanceFilterM)
	}
	switch c.Sampler.Accuracy {
	case "highest", "high", "balanced":
	default:
		return fmt.Errorf("sampler.accuracy %q is not supported", c.Sampler.Accuracy)
	}
	if c.Replication.Enabled && strings.TrimSpace(c.Replication.URL) == "" {
		return errors.New("replication.url is required when replication is enabled")
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = parsed
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = parsed
		return nil
	}

	str("TRIPLOG_LOG_LEVEL", &cfg.Agent.LogLevel)
	str("TRIPLOG_DEVICE_ID", &cfg.Agent.DeviceID)
	str("TRIPLOG_OPERATOR", &cfg.Agent.Operator)
	str("TRIPLOG_SQLITE_PATH", &cfg.SQLite.Path)
	str("TRIPLOG_SAMPLER_ACCURACY", &cfg.Sampler.Accuracy)
	str("TRIPLOG_WEB_LISTEN_ADDR", &cfg.Web.ListenAddr)
	str("TRIPLOG_REPLICATION_URL", &cfg.Replication.URL)
	if err := integer("TRIPLOG_SAMPLER_INTERVAL_MS", &cfg.Sampler.IntervalMS); err != nil {
		return err
	}
	if err := integer("TRIPLOG_SAMPLER_RECONCILE_INTERVAL_MS", &cfg.Sampler.ReconcileIntervalMS); err != nil {
		return err
	}
	if err := boolean("TRIPLOG_LOCATION_PERMISSION", &cfg.Location.PermissionGranted); err != nil {
		return err
	}
	if err := boolean("TRIPLOG_WEB_ENABLED", &cfg.Web.Enabled); err != nil {
		return err
	}
	return boolean("TRIPLOG_REPLICATION_ENABLED", &cfg.Replication.Enabled)
}
