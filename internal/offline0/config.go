package offline0

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port" env:"OFFLINE0_PORT"`
		// Origin is the application origin; relative manifest entries and
		// relative request paths resolve against it.
		Origin string `yaml:"origin" env:"OFFLINE0_ORIGIN"`
	} `yaml:"server"`

	Agent struct {
		CacheName    string   `yaml:"cacheName" env:"OFFLINE0_CACHE_NAME"`
		Version      string   `yaml:"version" env:"OFFLINE0_VERSION"`
		Strategy     string   `yaml:"strategy" env:"OFFLINE0_STRATEGY"`
		Install      string   `yaml:"install" env:"OFFLINE0_INSTALL"`
		InstallRetry string   `yaml:"installRetry"`
		Claim        string   `yaml:"claim"`
		RootDocument string   `yaml:"rootDocument"`
		SyncTags     []string `yaml:"syncTags"`
		Manifest     []string `yaml:"manifest"`
		// BackgroundWrites bounds concurrent cache writes made while serving.
		BackgroundWrites int64 `yaml:"backgroundWrites"`
		// WaitForClients holds a new version back until the old one's clients
		// are gone or it receives SKIP_WAITING.
		WaitForClients bool `yaml:"waitForClients" env:"OFFLINE0_WAIT_FOR_CLIENTS"`

		installRetryDur time.Duration
	} `yaml:"agent"`

	Storage struct {
		Driver   string `yaml:"driver" env:"OFFLINE0_STORAGE_DRIVER"`
		Path     string `yaml:"path" env:"OFFLINE0_STORAGE_PATH"`
		MaxEntry string `yaml:"maxEntry"`

		maxEntryBytes int64
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"network"`

	Sync struct {
		MaxTries     uint   `yaml:"maxTries"`
		InitialDelay string `yaml:"initialDelay"`

		initialDelayDur time.Duration
	} `yaml:"sync"`

	Logging struct {
		Level         string `yaml:"level" env:"OFFLINE0_LOG_LEVEL"`
		File          string `yaml:"file" env:"OFFLINE0_LOG_FILE"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	origin *url.URL
}

const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
)

// LoadConfig reads the YAML file at path, applies OFFLINE0_* environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := decodeConfig(b)
	if err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig decodes and validates YAML without looking at the environment.
func ParseConfig(b []byte) (Config, error) {
	cfg, err := decodeConfig(b)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return fmt.Errorf("server.origin: %q is not an absolute URL", cfg.Server.Origin)
	}
	if !strings.HasSuffix(origin.Path, "/") {
		origin.Path += "/"
	}
	cfg.origin = origin

	a := &cfg.Agent
	if a.CacheName == "" {
		a.CacheName = "tresorerie-familiale"
	}
	if a.Version == "" {
		return fmt.Errorf("agent.version is required")
	}
	if a.Strategy == "" {
		a.Strategy = StrategyCacheFirst
	}
	if _, err := NewStrategy(a.Strategy); err != nil {
		return fmt.Errorf("agent.strategy: %w", err)
	}
	if a.Install == "" {
		a.Install = string(InstallAtomic)
	}
	switch InstallPolicy(a.Install) {
	case InstallAtomic, InstallPartial:
	default:
		return fmt.Errorf("agent.install: unknown policy %q", a.Install)
	}
	if a.Claim == "" {
		a.Claim = string(ClaimAfterCleanup)
	}
	switch ClaimPolicy(a.Claim) {
	case ClaimAfterCleanup, ClaimConcurrent:
	default:
		return fmt.Errorf("agent.claim: unknown policy %q", a.Claim)
	}
	if a.RootDocument == "" {
		a.RootDocument = "./index.html"
	}
	if len(a.SyncTags) == 0 {
		a.SyncTags = []string{SyncTagPaiements}
	}
	if len(a.Manifest) == 0 {
		a.Manifest = append([]string(nil), DefaultManifest...)
	}
	if a.BackgroundWrites <= 0 {
		a.BackgroundWrites = 32
	}
	if a.installRetryDur, err = durationOr(a.InstallRetry, time.Minute); err != nil {
		return fmt.Errorf("agent.installRetry: %w", err)
	}

	s := &cfg.Storage
	if s.Driver == "" {
		s.Driver = DriverLevelDB
	}
	switch s.Driver {
	case DriverMemory, DriverLevelDB, DriverSQLite:
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	if s.Path == "" {
		s.Path = "./data/offline0"
	}
	if s.MaxEntry == "" {
		s.MaxEntry = "10mb"
	}
	if s.maxEntryBytes, err = parseBytes(s.MaxEntry); err != nil {
		return fmt.Errorf("storage.maxEntry: %w", err)
	}

	if cfg.Network.timeoutDur, err = durationOr(cfg.Network.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}

	if cfg.Sync.MaxTries == 0 {
		cfg.Sync.MaxTries = 5
	}
	if cfg.Sync.initialDelayDur, err = durationOr(cfg.Sync.InitialDelay, time.Second); err != nil {
		return fmt.Errorf("sync.initialDelay: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Logging.logStatsEveryDur, err = durationOr(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// CacheName returns the versioned store name, e.g. tresorerie-familiale-v1.1.0.
func (cfg Config) CacheName() string {
	return cfg.Agent.CacheName + "-" + cfg.Agent.Version
}

// Origin returns the parsed application origin.
func (cfg Config) Origin() *url.URL {
	u := *cfg.origin
	return &u
}

// AgentConfig derives the agent construction parameters.
func (cfg Config) AgentConfig() (AgentConfig, error) {
	strategy, err := NewStrategy(cfg.Agent.Strategy)
	if err != nil {
		return AgentConfig{}, err
	}
	return AgentConfig{
		CacheName:        cfg.CacheName(),
		Origin:           cfg.Origin(),
		Manifest:         cfg.Agent.Manifest,
		RootDocument:     cfg.Agent.RootDocument,
		Strategy:         strategy,
		Install:          InstallPolicy(cfg.Agent.Install),
		Claim:            ClaimPolicy(cfg.Agent.Claim),
		WaitForClients:   cfg.Agent.WaitForClients,
		SyncTags:         cfg.Agent.SyncTags,
		MaxEntryBytes:    cfg.Storage.maxEntryBytes,
		BackgroundWrites: cfg.Agent.BackgroundWrites,
	}, nil
}
