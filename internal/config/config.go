package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/switchboard/internal/gateway"
	otelPkg "github.com/basket/switchboard/internal/otel"
)

const (
	DefaultBindAddr     = "127.0.0.1:18790"
	DefaultDBName       = "switchboard.db"
	DefaultRosterDir    = "roster"
	DefaultSource       = "switchboard"
	DefaultTool         = "route.execute"
	DefaultReportCron   = "*/5 * * * *"
	DefaultRouteTimeout = 60
)

// PipelineConfig bounds retries for failed fanout targets.
type PipelineConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	BackoffInitialMs int `yaml:"backoff_initial_ms"`
	BackoffMaxMs     int `yaml:"backoff_max_ms"`
}

// FanoutConfig holds the plan defaults applied when a planner leaves them unset.
type FanoutConfig struct {
	Mode  string `yaml:"mode"`
	Join  string `yaml:"join"`
	Abort string `yaml:"abort"`
}

// PlannerConfig chooses how inbound requests are decomposed. With Butler set,
// a planning butler is asked; otherwise every request goes to DefaultTarget.
type PlannerConfig struct {
	Butler        string `yaml:"butler"`
	Tool          string `yaml:"tool"`
	DefaultTarget string `yaml:"default_target"`
}

type GatewayConfig struct {
	AllowOrigins []string                `yaml:"allow_origins"`
	CORS         gateway.CORSConfig      `yaml:"cors"`
	RateLimit    gateway.RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes int64                   `yaml:"max_body_bytes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// RosterDir holds one butler.toml per butler; relative paths resolve
	// against HomeDir.
	RosterDir string `yaml:"roster_dir"`

	// SourceButler is recorded as the caller on routing log rows.
	SourceButler string `yaml:"source_butler"`
	DispatchTool string `yaml:"dispatch_tool"`

	RouteTimeoutSeconds       int `yaml:"route_timeout_seconds"`
	DefaultLivenessTTLSeconds int `yaml:"default_liveness_ttl_seconds"`
	DrainTimeoutSeconds       int `yaml:"drain_timeout_seconds"`

	Pipeline PipelineConfig `yaml:"pipeline"`
	Fanout   FanoutConfig   `yaml:"fanout"`
	Planner  PlannerConfig  `yaml:"planner"`

	OTel OTelConfig `yaml:"otel"`

	// AuthToken guards the gateway API. Empty rejects every /api call.
	AuthToken string `yaml:"auth_token"`

	LivenessReportCron string `yaml:"liveness_report_cron"`

	Gateway GatewayConfig `yaml:"gateway"`

	// Missing is set when config.yaml did not exist at load time.
	Missing bool `yaml:"-"`
}

type OTelConfig = otelPkg.Config

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// RosterPath resolves the roster directory against the home directory.
func (c Config) RosterPath() string {
	return c.resolve(c.RosterDir)
}

// DatabasePath resolves the SQLite path against the home directory.
func (c Config) DatabasePath() string {
	return c.resolve(c.DBPath)
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

func (c Config) RouteTimeout() time.Duration {
	return time.Duration(c.RouteTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that change routing
// behaviour. The auth token is not part of it.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|roster=%s|source=%s|tool=%s|timeout=%d|ttl=%d|attempts=%d|backoff=%d|fanout=%s/%s/%s|planner=%s/%s/%s|cron=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.RosterDir, c.SourceButler, c.DispatchTool,
		c.RouteTimeoutSeconds, c.DefaultLivenessTTLSeconds,
		c.Pipeline.MaxAttempts, c.Pipeline.BackoffInitialMs,
		c.Fanout.Mode, c.Fanout.Join, c.Fanout.Abort,
		c.Planner.Butler, c.Planner.Tool, c.Planner.DefaultTarget,
		c.LivenessReportCron, c.Gateway.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                  DefaultBindAddr,
		LogLevel:                  "info",
		DBPath:                    DefaultDBName,
		RosterDir:                 DefaultRosterDir,
		SourceButler:              DefaultSource,
		DispatchTool:              DefaultTool,
		RouteTimeoutSeconds:       DefaultRouteTimeout,
		DefaultLivenessTTLSeconds: 300,
		DrainTimeoutSeconds:       5,
		Pipeline: PipelineConfig{
			MaxAttempts:      3,
			BackoffInitialMs: 500,
			BackoffMaxMs:     10000,
		},
		Fanout: FanoutConfig{Mode: "parallel", Join: "all", Abort: "continue"},
		Planner: PlannerConfig{
			Tool:          "plan",
			DefaultTarget: "general",
		},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "switchboard",
			SampleRate:  1.0,
		},
		LivenessReportCron: DefaultReportCron,
		Gateway: GatewayConfig{
			RateLimit: gateway.DefaultRateLimitConfig(),
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SWITCHBOARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".switchboard")
}

// Load reads config.yaml from HomeDir, applying defaults and env overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create switchboard home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.Missing = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = d.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = d.DBPath
	}
	if cfg.SourceButler == "" {
		cfg.SourceButler = d.SourceButler
	}
	if cfg.DispatchTool == "" {
		cfg.DispatchTool = d.DispatchTool
	}
	if cfg.RouteTimeoutSeconds <= 0 {
		cfg.RouteTimeoutSeconds = d.RouteTimeoutSeconds
	}
	if cfg.DefaultLivenessTTLSeconds <= 0 {
		cfg.DefaultLivenessTTLSeconds = d.DefaultLivenessTTLSeconds
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = d.DrainTimeoutSeconds
	}
	if cfg.Pipeline.MaxAttempts <= 0 {
		cfg.Pipeline.MaxAttempts = d.Pipeline.MaxAttempts
	}
	if cfg.Pipeline.BackoffInitialMs <= 0 {
		cfg.Pipeline.BackoffInitialMs = d.Pipeline.BackoffInitialMs
	}
	if cfg.Pipeline.BackoffMaxMs < cfg.Pipeline.BackoffInitialMs {
		cfg.Pipeline.BackoffMaxMs = max(d.Pipeline.BackoffMaxMs, cfg.Pipeline.BackoffInitialMs)
	}
	cfg.Fanout.Mode = strings.ToLower(strings.TrimSpace(cfg.Fanout.Mode))
	cfg.Fanout.Join = strings.ToLower(strings.TrimSpace(cfg.Fanout.Join))
	cfg.Fanout.Abort = strings.ToLower(strings.TrimSpace(cfg.Fanout.Abort))
	if cfg.Fanout.Mode == "" {
		cfg.Fanout.Mode = d.Fanout.Mode
	}
	if cfg.Fanout.Join == "" {
		cfg.Fanout.Join = d.Fanout.Join
	}
	if cfg.Fanout.Abort == "" {
		cfg.Fanout.Abort = d.Fanout.Abort
	}
	if cfg.Planner.Tool == "" {
		cfg.Planner.Tool = d.Planner.Tool
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = d.OTel.ServiceName
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = d.OTel.Exporter
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = d.OTel.SampleRate
	}
	if strings.TrimSpace(cfg.LivenessReportCron) == "" {
		cfg.LivenessReportCron = d.LivenessReportCron
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute <= 0 {
		cfg.Gateway.RateLimit.RequestsPerMinute = d.Gateway.RateLimit.RequestsPerMinute
	}
	if cfg.Gateway.RateLimit.BurstSize <= 0 {
		cfg.Gateway.RateLimit.BurstSize = d.Gateway.RateLimit.BurstSize
	}
}

func validate(cfg Config) error {
	switch cfg.Fanout.Mode {
	case "parallel", "ordered":
	default:
		return fmt.Errorf("fanout.mode %q must be parallel or ordered", cfg.Fanout.Mode)
	}
	switch cfg.Fanout.Join {
	case "all", "best_effort":
	default:
		return fmt.Errorf("fanout.join %q must be all or best_effort", cfg.Fanout.Join)
	}
	switch cfg.Fanout.Abort {
	case "any_failure", "continue":
	default:
		return fmt.Errorf("fanout.abort %q must be any_failure or continue", cfg.Fanout.Abort)
	}
	if !otelPkg.ValidExporter(cfg.OTel.Exporter) {
		return fmt.Errorf("otel.exporter %q must be one of %s", cfg.OTel.Exporter, strings.Join(otelPkg.Exporters(), ", "))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	str := map[string]*string{
		"SWITCHBOARD_BIND_ADDR":            &cfg.BindAddr,
		"SWITCHBOARD_LOG_LEVEL":            &cfg.LogLevel,
		"SWITCHBOARD_DB_PATH":              &cfg.DBPath,
		"SWITCHBOARD_ROSTER_DIR":           &cfg.RosterDir,
		"SWITCHBOARD_SOURCE_BUTLER":        &cfg.SourceButler,
		"SWITCHBOARD_DISPATCH_TOOL":        &cfg.DispatchTool,
		"SWITCHBOARD_AUTH_TOKEN":           &cfg.AuthToken,
		"SWITCHBOARD_LIVENESS_REPORT_CRON": &cfg.LivenessReportCron,
		"SWITCHBOARD_PLANNER_BUTLER":       &cfg.Planner.Butler,
		"SWITCHBOARD_DEFAULT_TARGET":       &cfg.Planner.DefaultTarget,
		"SWITCHBOARD_OTEL_EXPORTER":        &cfg.OTel.Exporter,
		"SWITCHBOARD_OTEL_ENDPOINT":        &cfg.OTel.Endpoint,
	}
	for key, dst := range str {
		if raw := os.Getenv(key); raw != "" {
			*dst = raw
		}
	}

	ints := map[string]*int{
		"SWITCHBOARD_ROUTE_TIMEOUT_SECONDS":        &cfg.RouteTimeoutSeconds,
		"SWITCHBOARD_DEFAULT_LIVENESS_TTL_SECONDS": &cfg.DefaultLivenessTTLSeconds,
		"SWITCHBOARD_PIPELINE_MAX_ATTEMPTS":        &cfg.Pipeline.MaxAttempts,
		"SWITCHBOARD_PIPELINE_BACKOFF_INITIAL_MS":  &cfg.Pipeline.BackoffInitialMs,
		"SWITCHBOARD_DRAIN_TIMEOUT_SECONDS":        &cfg.DrainTimeoutSeconds,
	}
	for key, dst := range ints {
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}

	if raw := os.Getenv("SWITCHBOARD_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// Set writes one dotted key (e.g. "pipeline.max_attempts") into config.yaml,
// preserving other settings. The value is parsed as YAML so numbers and
// booleans keep their types. The result must still load.
func Set(homeDir, key, value string) error {
	parts := strings.Split(strings.TrimSpace(key), ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid config key %q", key)
		}
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create switchboard home: %w", err)
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
		parsed = value
	}

	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	node := raw
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = parsed

	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	candidate := defaultConfig()
	if err := yaml.Unmarshal(out, &candidate); err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}
	normalize(&candidate)
	if err := validate(candidate); err != nil {
		return err
	}
	return saveRawConfig(path, raw)
}
