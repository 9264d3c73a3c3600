package dynpool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every knob the pool recognizes. Zero or out-of-range
// fields are normalized against the defaults at construction; the two
// threshold/ordering rules are validation errors instead.
type Config struct {
	QueueCap           int
	CoreThreads        int
	MaxThreads         int
	LoadCheckInterval  time.Duration
	KeepAlive          time.Duration
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	PendingHi          int
	PendingLow         int
	DebounceHits       int
	Cooldown           time.Duration
	QueuePolicy        QueueFullPolicy
}

// DefaultConfig mirrors the built-in defaults.
func DefaultConfig() Config {
	return Config{
		QueueCap:           1024,
		CoreThreads:        4,
		MaxThreads:         8,
		LoadCheckInterval:  100 * time.Millisecond,
		KeepAlive:          5 * time.Second,
		ScaleUpThreshold:   0.75,
		ScaleDownThreshold: 0.25,
		PendingHi:          64,
		PendingLow:         8,
		DebounceHits:       3,
		Cooldown:           500 * time.Millisecond,
		QueuePolicy:        PolicyBlock,
	}
}

// Validate reports the rule violations that cannot be repaired by
// clamping.
func (c Config) Validate() error {
	if c.ScaleUpThreshold < 0 || c.ScaleUpThreshold > 1 {
		return fmt.Errorf("%w: scale_up_threshold %v outside [0,1]", ErrInvalidConfig, c.ScaleUpThreshold)
	}
	if c.ScaleDownThreshold < 0 || c.ScaleDownThreshold > 1 {
		return fmt.Errorf("%w: scale_down_threshold %v outside [0,1]", ErrInvalidConfig, c.ScaleDownThreshold)
	}
	if c.ScaleDownThreshold > c.ScaleUpThreshold {
		return fmt.Errorf("%w: scale_down_threshold %v exceeds scale_up_threshold %v",
			ErrInvalidConfig, c.ScaleDownThreshold, c.ScaleUpThreshold)
	}
	if c.MaxThreads != 0 && c.CoreThreads != 0 && c.MaxThreads < c.CoreThreads {
		return fmt.Errorf("%w: max_threads %d below core_threads %d",
			ErrInvalidConfig, c.MaxThreads, c.CoreThreads)
	}
	if c.QueuePolicy < PolicyBlock || c.QueuePolicy > PolicyOverwrite {
		return fmt.Errorf("%w: unknown queue policy %d", ErrInvalidConfig, int(c.QueuePolicy))
	}
	return nil
}

// normalized clamps the repairable fields and returns the effective
// configuration.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.QueueCap < 2 {
		if c.QueueCap <= 0 {
			c.QueueCap = def.QueueCap
		} else {
			c.QueueCap = 2
		}
	}
	c.QueueCap = roundUpPowerOfTwo(c.QueueCap)
	if c.CoreThreads < 1 {
		c.CoreThreads = 1
	}
	if c.MaxThreads < c.CoreThreads {
		c.MaxThreads = c.CoreThreads
	}
	if c.LoadCheckInterval <= 0 {
		c.LoadCheckInterval = def.LoadCheckInterval
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.PendingHi <= 0 {
		c.PendingHi = c.QueueCap / 2
	}
	if c.PendingLow <= 0 {
		c.PendingLow = max(1, c.QueueCap/8)
	}
	if c.PendingLow > c.PendingHi {
		c.PendingLow = c.PendingHi
	}
	if c.DebounceHits < 1 {
		c.DebounceHits = 1
	}
	if c.Cooldown < 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// rawConfig is the file-level shape: every key optional, durations in
// milliseconds, policy as a literal. Unknown keys are ignored by both
// decoders.
type rawConfig struct {
	QueueCap            *int     `json:"queue_cap" yaml:"queue_cap"`
	CoreThreads         *int     `json:"core_threads" yaml:"core_threads"`
	MaxThreads          *int     `json:"max_threads" yaml:"max_threads"`
	LoadCheckIntervalMS *int     `json:"load_check_interval_ms" yaml:"load_check_interval_ms"`
	KeepAliveMS         *int     `json:"keep_alive_ms" yaml:"keep_alive_ms"`
	ScaleUpThreshold    *float64 `json:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold  *float64 `json:"scale_down_threshold" yaml:"scale_down_threshold"`
	PendingHi           *int     `json:"pending_hi" yaml:"pending_hi"`
	PendingLow          *int     `json:"pending_low" yaml:"pending_low"`
	DebounceHits        *int     `json:"debounce_hits" yaml:"debounce_hits"`
	CooldownMS          *int     `json:"cooldown_ms" yaml:"cooldown_ms"`
	QueuePolicy         *string  `json:"queue_policy" yaml:"queue_policy"`
}

func (raw rawConfig) apply() (Config, error) {
	cfg := DefaultConfig()

	setInt := func(dst *int, src *int, key string) error {
		if src == nil {
			return nil
		}
		if *src < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %d", ErrInvalidConfig, key, *src)
		}
		*dst = *src
		return nil
	}

	if err := setInt(&cfg.QueueCap, raw.QueueCap, "queue_cap"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.CoreThreads, raw.CoreThreads, "core_threads"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.MaxThreads, raw.MaxThreads, "max_threads"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.PendingHi, raw.PendingHi, "pending_hi"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.PendingLow, raw.PendingLow, "pending_low"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.DebounceHits, raw.DebounceHits, "debounce_hits"); err != nil {
		return cfg, err
	}

	setDuration := func(dst *time.Duration, src *int, key string) error {
		if src == nil {
			return nil
		}
		if *src < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %d", ErrInvalidConfig, key, *src)
		}
		*dst = time.Duration(*src) * time.Millisecond
		return nil
	}

	if err := setDuration(&cfg.LoadCheckInterval, raw.LoadCheckIntervalMS, "load_check_interval_ms"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.KeepAlive, raw.KeepAliveMS, "keep_alive_ms"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Cooldown, raw.CooldownMS, "cooldown_ms"); err != nil {
		return cfg, err
	}

	if raw.ScaleUpThreshold != nil {
		cfg.ScaleUpThreshold = *raw.ScaleUpThreshold
	}
	if raw.ScaleDownThreshold != nil {
		cfg.ScaleDownThreshold = *raw.ScaleDownThreshold
	}
	if raw.QueuePolicy != nil {
		policy, err := ParseQueueFullPolicy(*raw.QueuePolicy)
		if err != nil {
			return cfg, err
		}
		cfg.QueuePolicy = policy
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg.normalized(), nil
}

// ParseConfig decodes a JSON configuration document.
func ParseConfig(data []byte) (Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return raw.apply()
}

// ParseConfigYAML decodes a YAML configuration document.
func ParseConfigYAML(data []byte) (Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return raw.apply()
}

// LoadConfigFile reads a configuration file, picking the decoder by
// extension (.yaml/.yml for YAML, JSON otherwise).
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseConfigYAML(data)
	default:
		return ParseConfig(data)
	}
}

// ParseQueueFullPolicy maps a policy literal to its enum value,
// case-insensitively.
func ParseQueueFullPolicy(s string) (QueueFullPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return PolicyBlock, nil
	case "discard":
		return PolicyDiscard, nil
	case "overwrite":
		return PolicyOverwrite, nil
	}
	return PolicyBlock, fmt.Errorf("%w: unknown queue policy %q", ErrInvalidConfig, s)
}
