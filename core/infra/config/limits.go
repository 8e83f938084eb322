package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBatchSize         = 1000
	DefaultMaxArchiveMB      = 100
	DefaultMaxEntryMB        = 10
	DefaultMaxChildren       = 1000
	DefaultWorkers           = 4
	DefaultLockTTLSeconds    = 600
	DefaultProgressTTLSecond = 24 * 60 * 60
	DefaultInstallRate       = 2.0
	DefaultInstallBurst      = 4
)

// Limits collects the size and throughput limits of the install pipeline.
// One value is built at startup and passed into every component.
type Limits struct {
	BatchSize          int     `yaml:"batch_size"`
	MaxArchiveMB       int64   `yaml:"max_archive_mb"`
	MaxEntryMB         int64   `yaml:"max_entry_mb"`
	MaxChildren        int     `yaml:"max_children"`
	Workers            int     `yaml:"workers"`
	LockTTLSeconds     int64   `yaml:"lock_ttl_seconds"`
	ProgressTTLSeconds int64   `yaml:"progress_ttl_seconds"`
	InstallRatePerSec  float64 `yaml:"install_rate_per_sec"`
	InstallBurst       int     `yaml:"install_burst"`
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() *Limits {
	return &Limits{
		BatchSize:          DefaultBatchSize,
		MaxArchiveMB:       DefaultMaxArchiveMB,
		MaxEntryMB:         DefaultMaxEntryMB,
		MaxChildren:        DefaultMaxChildren,
		Workers:            DefaultWorkers,
		LockTTLSeconds:     DefaultLockTTLSeconds,
		ProgressTTLSeconds: DefaultProgressTTLSecond,
		InstallRatePerSec:  DefaultInstallRate,
		InstallBurst:       DefaultInstallBurst,
	}
}

// LoadLimits loads a YAML limits file; returns defaults if missing.
func LoadLimits(path string) (*Limits, error) {
	if path == "" {
		return DefaultLimits(), nil
	}
	// #nosec G304 -- limits config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultLimits(), fmt.Errorf("read limits config: %w", err)
	}
	return ParseLimits(data)
}

// ParseLimits parses limits data from YAML/JSON bytes. Zero fields take the
// default value.
func ParseLimits(data []byte) (*Limits, error) {
	if len(data) == 0 {
		return DefaultLimits(), nil
	}
	if err := validateConfigSchema("limits", limitsSchemaFile, data); err != nil {
		return DefaultLimits(), err
	}
	var cfg Limits
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultLimits(), fmt.Errorf("parse limits config: %w", err)
	}
	cfg.fillDefaults()
	return &cfg, nil
}

func (l *Limits) fillDefaults() {
	def := DefaultLimits()
	if l.BatchSize <= 0 {
		l.BatchSize = def.BatchSize
	}
	if l.MaxArchiveMB <= 0 {
		l.MaxArchiveMB = def.MaxArchiveMB
	}
	if l.MaxEntryMB <= 0 {
		l.MaxEntryMB = def.MaxEntryMB
	}
	if l.MaxChildren <= 0 {
		l.MaxChildren = def.MaxChildren
	}
	if l.Workers <= 0 {
		l.Workers = def.Workers
	}
	if l.LockTTLSeconds <= 0 {
		l.LockTTLSeconds = def.LockTTLSeconds
	}
	if l.ProgressTTLSeconds == 0 {
		l.ProgressTTLSeconds = def.ProgressTTLSeconds
	}
	if l.InstallRatePerSec == 0 {
		l.InstallRatePerSec = def.InstallRatePerSec
	}
	if l.InstallBurst == 0 {
		l.InstallBurst = def.InstallBurst
	}
}

// MaxArchiveBytes is the archive size ceiling in bytes.
func (l *Limits) MaxArchiveBytes() int64 { return l.MaxArchiveMB << 20 }

// MaxEntryBytes is the per-entry size ceiling in bytes.
func (l *Limits) MaxEntryBytes() int64 { return l.MaxEntryMB << 20 }

// LockTTL is how long a per-box install lock lives without renewal.
func (l *Limits) LockTTL() time.Duration { return time.Duration(l.LockTTLSeconds) * time.Second }

// ProgressTTL is how long a published progress snapshot stays pollable.
func (l *Limits) ProgressTTL() time.Duration {
	return time.Duration(l.ProgressTTLSeconds) * time.Second
}
