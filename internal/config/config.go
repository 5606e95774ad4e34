package config

import (
	"time"
)

type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RemoteConfig describes the remote REST API this client syncs against.
type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	AuthToken      string `mapstructure:"auth_token"`
	ProbePath      string `mapstructure:"probe_path"`
	ProbeInterval  string `mapstructure:"probe_interval"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

func (r RemoteConfig) GetProbeInterval() time.Duration {
	d, err := time.ParseDuration(r.ProbeInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

func (r RemoteConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(r.RequestTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

type StorageConfig struct {
	FilePath string `mapstructure:"file_path"`
}

type SyncConfig struct {
	Collections []CollectionConfig `mapstructure:"collections"`
}

// CollectionConfig names one synced entity collection and the remote
// path its snapshot is fetched from.
type CollectionConfig struct {
	Name         string `mapstructure:"name"`
	SnapshotPath string `mapstructure:"snapshot_path"`
}

type QuotaConfig struct {
	BudgetBytes   int64    `mapstructure:"budget_bytes"`
	PriorityOrder []string `mapstructure:"priority_order"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
