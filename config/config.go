package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ByteMirror/swarm/log"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	ConfigFileName = "config.json"
	configBaseName = "config"
	envPrefix      = "SWARM"
)

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".swarm"), nil
}

// Mode selects how much of the background automation runs without an explicit command.
type Mode string

const (
	// ModeManual disables all background automation.
	ModeManual Mode = "manual"
	ModeHybrid Mode = "hybrid"
	ModeAuto   Mode = "auto"
)

// Capability names a single automation feature that can be toggled independently.
type Capability string

const (
	CapabilityPlanSync               Capability = "plan_sync"
	CapabilityPhasePreflight         Capability = "phase_preflight"
	CapabilityConfigDoctorOnStartup  Capability = "config_doctor_on_startup"
	CapabilityEvidenceAutoSummaries  Capability = "evidence_auto_summaries"
	CapabilityDecisionDriftDetection Capability = "decision_drift_detection"
)

// CircuitBreakerConfig holds breaker thresholds shared by every named breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=1"`
	ResetTimeoutMs   int `json:"reset_timeout_ms" mapstructure:"reset_timeout_ms" validate:"gte=1"`
	SuccessThreshold int `json:"success_threshold" mapstructure:"success_threshold" validate:"gte=1"`
	CallTimeoutMs    int `json:"call_timeout_ms" mapstructure:"call_timeout_ms" validate:"gte=0"`
}

// ResetTimeout returns ResetTimeoutMs as a duration.
func (c CircuitBreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMs) * time.Millisecond
}

// CallTimeout returns CallTimeoutMs as a duration.
func (c CircuitBreakerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

// LoopProtectionConfig bounds how often one operation key may repeat.
type LoopProtectionConfig struct {
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations" validate:"gte=1"`
	TimeWindowMs  int `json:"time_window_ms" mapstructure:"time_window_ms" validate:"gte=1"`
}

// TimeWindow returns TimeWindowMs as a duration.
func (c LoopProtectionConfig) TimeWindow() time.Duration {
	return time.Duration(c.TimeWindowMs) * time.Millisecond
}

// PlanSyncConfig tunes the plan file watcher.
type PlanSyncConfig struct {
	DebounceMs     int `json:"debounce_ms" mapstructure:"debounce_ms" validate:"gte=0"`
	PollIntervalMs int `json:"poll_interval_ms" mapstructure:"poll_interval_ms" validate:"gte=10"`
	SyncTimeoutMs  int `json:"sync_timeout_ms" mapstructure:"sync_timeout_ms" validate:"gte=1"`
}

// AutomationConfig is the config surface consumed by the automation manager.
type AutomationConfig struct {
	// Enabled is the master switch. Mode and Capabilities only matter when it is true.
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Mode is manual, hybrid or auto. Empty is treated as manual.
	Mode Mode `json:"mode" mapstructure:"mode" validate:"omitempty,oneof=manual hybrid auto"`
	// Capabilities toggles individual features by name.
	Capabilities map[string]bool `json:"capabilities" mapstructure:"capabilities"`

	MaxQueueSize int `json:"max_queue_size" mapstructure:"max_queue_size" validate:"gte=1"`
	MaxRetries   int `json:"max_retries" mapstructure:"max_retries" validate:"gte=1"`

	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" mapstructure:"circuit_breaker"`
	LoopProtection LoopProtectionConfig `json:"loop_protection" mapstructure:"loop_protection"`
	PlanSync       PlanSyncConfig       `json:"plan_sync" mapstructure:"plan_sync"`
}

// ObservabilityConfig controls tracing export and the metrics endpoint.
type ObservabilityConfig struct {
	ServiceName string `json:"service_name" mapstructure:"service_name" validate:"required"`
	// TracingURL is the OTLP/HTTP collector endpoint. Empty disables tracing.
	TracingURL string `json:"tracing_url" mapstructure:"tracing_url"`
	// MetricsAddr is the listen address for /metrics. Empty disables it.
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
}

// Config represents the application configuration
type Config struct {
	Automation    AutomationConfig    `json:"automation" mapstructure:"automation"`
	Observability ObservabilityConfig `json:"observability" mapstructure:"observability"`
}

// DefaultConfig returns the default configuration. Automation is off until
// the user opts in.
func DefaultConfig() *Config {
	return &Config{
		Automation: DefaultAutomationConfig(),
		Observability: ObservabilityConfig{
			ServiceName: "swarm",
		},
	}
}

// DefaultAutomationConfig returns the automation defaults with mode manual.
func DefaultAutomationConfig() AutomationConfig {
	return AutomationConfig{
		Enabled: false,
		Mode:    ModeManual,
		Capabilities: map[string]bool{
			string(CapabilityPlanSync):               false,
			string(CapabilityPhasePreflight):         false,
			string(CapabilityConfigDoctorOnStartup):  false,
			string(CapabilityEvidenceAutoSummaries):  false,
			string(CapabilityDecisionDriftDetection): false,
		},
		MaxQueueSize: 1000,
		MaxRetries:   3,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutMs:   60_000,
			SuccessThreshold: 2,
			CallTimeoutMs:    30_000,
		},
		LoopProtection: LoopProtectionConfig{
			MaxIterations: 10,
			TimeWindowMs:  60_000,
		},
		PlanSync: PlanSyncConfig{
			DebounceMs:     300,
			PollIntervalMs: 2_000,
			SyncTimeoutMs:  30_000,
		},
	}
}

// Validate checks field ranges declared in the struct tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// IsAutomationEnabled reports whether background automation may run at all.
// A nil config, a disabled master switch, or manual/unknown mode all mean no.
func IsAutomationEnabled(cfg *Config) bool {
	if cfg == nil {
		return false
	}
	a := cfg.Automation
	if !a.Enabled {
		return false
	}
	switch Mode(strings.ToLower(strings.TrimSpace(string(a.Mode)))) {
	case ModeHybrid, ModeAuto:
		return true
	default:
		return false
	}
}

// HasCapability reports whether automation is enabled and the named capability
// is explicitly switched on.
func HasCapability(cfg *Config, capability Capability) bool {
	if !IsAutomationEnabled(cfg) {
		return false
	}
	return cfg.Automation.Capabilities[string(capability)]
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	cfg, err := LoadConfigFrom(configDir)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}
		log.ErrorLog.Printf("failed to load config, automation disabled: %v", err)
		return DefaultConfig()
	}
	return cfg
}

// LoadConfigFrom reads "config.{json,yaml}" from the first directory in dirs
// that has one, applies SWARM_* environment overrides and validates the result.
func LoadConfigFrom(dirs ...string) (*Config, error) {
	v := newViper()
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newViper returns a viper instance preloaded with defaults so every key is
// known to AutomaticEnv.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(configBaseName)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultAutomationConfig()
	v.SetDefault("automation.enabled", d.Enabled)
	v.SetDefault("automation.mode", string(d.Mode))
	for name, on := range d.Capabilities {
		v.SetDefault("automation.capabilities."+name, on)
	}
	v.SetDefault("automation.max_queue_size", d.MaxQueueSize)
	v.SetDefault("automation.max_retries", d.MaxRetries)
	v.SetDefault("automation.circuit_breaker.failure_threshold", d.CircuitBreaker.FailureThreshold)
	v.SetDefault("automation.circuit_breaker.reset_timeout_ms", d.CircuitBreaker.ResetTimeoutMs)
	v.SetDefault("automation.circuit_breaker.success_threshold", d.CircuitBreaker.SuccessThreshold)
	v.SetDefault("automation.circuit_breaker.call_timeout_ms", d.CircuitBreaker.CallTimeoutMs)
	v.SetDefault("automation.loop_protection.max_iterations", d.LoopProtection.MaxIterations)
	v.SetDefault("automation.loop_protection.time_window_ms", d.LoopProtection.TimeWindowMs)
	v.SetDefault("automation.plan_sync.debounce_ms", d.PlanSync.DebounceMs)
	v.SetDefault("automation.plan_sync.poll_interval_ms", d.PlanSync.PollIntervalMs)
	v.SetDefault("automation.plan_sync.sync_timeout_ms", d.PlanSync.SyncTimeoutMs)

	o := DefaultConfig().Observability
	v.SetDefault("observability.service_name", o.ServiceName)
	v.SetDefault("observability.tracing_url", o.TracingURL)
	v.SetDefault("observability.metrics_addr", o.MetricsAddr)
	return v
}

// saveConfig saves the configuration to the user config directory.
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}
	return SaveConfigTo(configDir, config)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}

// SaveConfigTo writes config as config.json in dir, replacing any existing file atomically.
func SaveConfigTo(dir string, config *Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, ConfigFileName), data, 0o644)
}
