// Package config provides configuration loading and validation for zonegrid.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable Load reads a file path from.
const ConfigPathEnv = "ZONEGRID_CONFIG"

// Registry backends.
const (
	BackendOxia   = "oxia"
	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

// Scene loaders.
const (
	LoaderCatalog = "catalog"
	LoaderStatic  = "static"
)

// Config holds all configuration for a zonegrid process. A single file can
// configure both roles; each subcommand reads its own section.
type Config struct {
	World         WorldConfig         `yaml:"world"`
	Scene         SceneConfig         `yaml:"scene"`
	Registry      RegistryConfig      `yaml:"registry"`
	Reaper        ReaperConfig        `yaml:"reaper"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type WorldConfig struct {
	WorldID string `yaml:"worldId" env:"ZONEGRID_WORLD_ID"`
	Name    string `yaml:"name" env:"ZONEGRID_WORLD_NAME"`
	// Capacity is the per-instance character threshold used by both the
	// immediate and the queued placement paths.
	Capacity            int   `yaml:"capacity" env:"ZONEGRID_WORLD_CAPACITY"`
	PulseIntervalMs     int64 `yaml:"pulseIntervalMs" env:"ZONEGRID_WORLD_PULSE_INTERVAL_MS"`
	FlushIntervalMs     int64 `yaml:"flushIntervalMs" env:"ZONEGRID_WORLD_FLUSH_INTERVAL_MS"`
	OccupancyIntervalMs int64 `yaml:"occupancyIntervalMs" env:"ZONEGRID_WORLD_OCCUPANCY_INTERVAL_MS"`
	MaxWaitMs           int64 `yaml:"maxWaitMs" env:"ZONEGRID_WORLD_MAX_WAIT_MS"`
	// WakeOnNotify enables early flushes on registry change notifications.
	WakeOnNotify bool `yaml:"wakeOnNotify" env:"ZONEGRID_WORLD_WAKE_ON_NOTIFY"`
	// DefaultScene is where characters without an assignment start.
	DefaultScene string `yaml:"defaultScene" env:"ZONEGRID_WORLD_DEFAULT_SCENE"`
	// AdvertisedAddress and AdvertisedPort are what the broker registers
	// for itself; clients reach the world endpoint there.
	AdvertisedAddress string `yaml:"advertisedAddress" env:"ZONEGRID_WORLD_ADVERTISED_ADDRESS"`
	AdvertisedPort    int    `yaml:"advertisedPort" env:"ZONEGRID_WORLD_ADVERTISED_PORT"`
}

type SceneConfig struct {
	Name                string   `yaml:"name" env:"ZONEGRID_SCENE_NAME"`
	ListenAddr          string   `yaml:"listenAddr" env:"ZONEGRID_SCENE_LISTEN_ADDR"`
	AdvertisedAddress   string   `yaml:"advertisedAddress" env:"ZONEGRID_SCENE_ADVERTISED_ADDRESS"`
	AdvertisedPort      int      `yaml:"advertisedPort" env:"ZONEGRID_SCENE_ADVERTISED_PORT"`
	PulseIntervalMs     int64    `yaml:"pulseIntervalMs" env:"ZONEGRID_SCENE_PULSE_INTERVAL_MS"`
	ProvisionIntervalMs int64    `yaml:"provisionIntervalMs" env:"ZONEGRID_SCENE_PROVISION_INTERVAL_MS"`
	MaxConcurrentLoads  int      `yaml:"maxConcurrentLoads" env:"ZONEGRID_SCENE_MAX_CONCURRENT_LOADS"`
	LoadTimeoutMs       int64    `yaml:"loadTimeoutMs" env:"ZONEGRID_SCENE_LOAD_TIMEOUT_MS"`
	Loader              string   `yaml:"loader" env:"ZONEGRID_SCENE_LOADER"`
	StaticScenes        []string `yaml:"staticScenes" env:"ZONEGRID_SCENE_STATIC_SCENES"`
	CatalogPrefix       string   `yaml:"catalogPrefix" env:"ZONEGRID_SCENE_CATALOG_PREFIX"`
}

type RegistryConfig struct {
	Backend        string `yaml:"backend" env:"ZONEGRID_REGISTRY_BACKEND"`
	OxiaEndpoint   string `yaml:"oxiaEndpoint" env:"ZONEGRID_OXIA_ENDPOINT"`
	OxiaNamespace  string `yaml:"oxiaNamespace" env:"ZONEGRID_OXIA_NAMESPACE"`
	MySQLDSN       string `yaml:"mysqlDsn" env:"ZONEGRID_MYSQL_DSN"`
	MySQLTable     string `yaml:"mysqlTable" env:"ZONEGRID_MYSQL_TABLE"`
	EphemeralTTLMs int64  `yaml:"ephemeralTtlMs" env:"ZONEGRID_REGISTRY_EPHEMERAL_TTL_MS"`
}

type ReaperConfig struct {
	Enabled      bool  `yaml:"enabled" env:"ZONEGRID_REAPER_ENABLED"`
	IntervalMs   int64 `yaml:"intervalMs" env:"ZONEGRID_REAPER_INTERVAL_MS"`
	MissedPulses int   `yaml:"missedPulses" env:"ZONEGRID_REAPER_MISSED_PULSES"`
}

type ObjectStoreConfig struct {
	Endpoint     string `yaml:"endpoint" env:"ZONEGRID_S3_ENDPOINT"`
	Bucket       string `yaml:"bucket" env:"ZONEGRID_S3_BUCKET"`
	Region       string `yaml:"region" env:"ZONEGRID_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"ZONEGRID_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"ZONEGRID_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"ZONEGRID_S3_PATH_STYLE"`
}

type GatewayConfig struct {
	ListenAddr         string   `yaml:"listenAddr" env:"ZONEGRID_GATEWAY_LISTEN_ADDR"`
	Path               string   `yaml:"path" env:"ZONEGRID_GATEWAY_PATH"`
	HandshakeTimeoutMs int64    `yaml:"handshakeTimeoutMs" env:"ZONEGRID_GATEWAY_HANDSHAKE_TIMEOUT_MS"`
	AllowedOrigins     []string `yaml:"allowedOrigins" env:"ZONEGRID_GATEWAY_ALLOWED_ORIGINS"`
	// TLSCertFile and TLSKeyFile switch both endpoints to wss. The pair is
	// reloaded when either file changes.
	TLSCertFile string `yaml:"tlsCertFile" env:"ZONEGRID_GATEWAY_TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tlsKeyFile" env:"ZONEGRID_GATEWAY_TLS_KEY_FILE"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"ZONEGRID_METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"ZONEGRID_HEALTH_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"ZONEGRID_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"ZONEGRID_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		World: WorldConfig{
			WorldID:             "world-1",
			Capacity:            100,
			PulseIntervalMs:     5000,
			FlushIntervalMs:     2000,
			OccupancyIntervalMs: 2000,
			MaxWaitMs:           120000, // 2 minutes
			WakeOnNotify:        true,
			DefaultScene:        "Start",
			AdvertisedAddress:   "127.0.0.1",
			AdvertisedPort:      7780,
		},
		Scene: SceneConfig{
			ListenAddr:          ":7781",
			AdvertisedAddress:   "127.0.0.1",
			AdvertisedPort:      7781,
			PulseIntervalMs:     5000,
			ProvisionIntervalMs: 1000,
			MaxConcurrentLoads:  4,
			LoadTimeoutMs:       30000,
			Loader:              LoaderCatalog,
			CatalogPrefix:       "scenes/",
		},
		Registry: RegistryConfig{
			Backend:        BackendOxia,
			OxiaEndpoint:   "localhost:6648",
			OxiaNamespace:  "zonegrid",
			MySQLTable:     "zonegrid_kv",
			EphemeralTTLMs: 15000,
		},
		Reaper: ReaperConfig{
			Enabled:      true,
			IntervalMs:   10000,
			MissedPulses: 3,
		},
		ObjectStore: ObjectStoreConfig{
			Region: "us-east-1",
		},
		Gateway: GatewayConfig{
			ListenAddr:         ":7780",
			Path:               "/ws",
			HandshakeTimeoutMs: 10000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load returns defaults overlaid with the file named by ZONEGRID_CONFIG (if
// set) and then environment overrides.
func Load() (*Config, error) {
	if path := os.Getenv(ConfigPathEnv); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromPath reads a YAML file over the defaults, then applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid")

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Registry.Backend {
	case BackendOxia:
		if c.Registry.OxiaEndpoint == "" {
			errs = append(errs, errors.New("registry.oxiaEndpoint is required for the oxia backend"))
		}
	case BackendMySQL:
		if c.Registry.MySQLDSN == "" {
			errs = append(errs, errors.New("registry.mysqlDsn is required for the mysql backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("registry.backend %q is not one of oxia, mysql, memory", c.Registry.Backend))
	}
	if c.World.Capacity <= 0 {
		errs = append(errs, errors.New("world.capacity must be positive"))
	}
	for name, v := range map[string]int64{
		"world.pulseIntervalMs":     c.World.PulseIntervalMs,
		"world.flushIntervalMs":     c.World.FlushIntervalMs,
		"world.occupancyIntervalMs": c.World.OccupancyIntervalMs,
		"scene.pulseIntervalMs":     c.Scene.PulseIntervalMs,
		"scene.provisionIntervalMs": c.Scene.ProvisionIntervalMs,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.World.MaxWaitMs < 0 {
		errs = append(errs, errors.New("world.maxWaitMs must not be negative"))
	}
	if c.Scene.MaxConcurrentLoads <= 0 {
		errs = append(errs, errors.New("scene.maxConcurrentLoads must be positive"))
	}
	if c.Scene.AdvertisedPort < 0 || c.Scene.AdvertisedPort > 65535 {
		errs = append(errs, errors.New("scene.advertisedPort out of range"))
	}
	if c.World.AdvertisedPort < 0 || c.World.AdvertisedPort > 65535 {
		errs = append(errs, errors.New("world.advertisedPort out of range"))
	}
	if (c.Gateway.TLSCertFile == "") != (c.Gateway.TLSKeyFile == "") {
		errs = append(errs, errors.New("gateway.tlsCertFile and gateway.tlsKeyFile must be set together"))
	}
	switch c.Scene.Loader {
	case LoaderCatalog, LoaderStatic:
	default:
		errs = append(errs, fmt.Errorf("scene.loader %q is not one of catalog, static", c.Scene.Loader))
	}
	if c.Reaper.Enabled && c.Reaper.MissedPulses <= 0 {
		errs = append(errs, errors.New("reaper.missedPulses must be positive"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Ms converts a millisecond setting to a duration.
func Ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
