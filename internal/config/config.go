package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LocalDB   LocalDBConfig   `mapstructure:"local_db"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type LocalDBConfig struct {
	Path          string `mapstructure:"path"`
	WatermarkPath string `mapstructure:"watermark_path"`
}

type RemoteConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
	PingTimeout         string `mapstructure:"ping_timeout"`
	QueryTimeout        string `mapstructure:"query_timeout"`
}

func (r RemoteConfig) GetPingTimeout() time.Duration {
	return parseDurationOr(r.PingTimeout, 5*time.Second)
}

func (r RemoteConfig) GetQueryTimeout() time.Duration {
	return parseDurationOr(r.QueryTimeout, 30*time.Second)
}

type SyncConfig struct {
	Tables            []TableConfig `mapstructure:"tables"`
	ConflictPolicy    string        `mapstructure:"conflict_policy"`
	ConflictSkew      string        `mapstructure:"conflict_skew"`
	RetryCeiling      int           `mapstructure:"retry_ceiling"`
	ConnectivityCheck string        `mapstructure:"connectivity_check"`
}

func (s SyncConfig) GetConflictSkew() time.Duration {
	return parseDurationOr(s.ConflictSkew, 60*time.Second)
}

func (s SyncConfig) GetConnectivityCheck() time.Duration {
	return parseDurationOr(s.ConnectivityCheck, 90*time.Second)
}

type TableConfig struct {
	Name              string   `mapstructure:"name"`
	NaturalKey        string   `mapstructure:"natural_key"`
	DependencyRank    int      `mapstructure:"dependency_rank"`
	SignificantFields []string `mapstructure:"significant_fields"`
}

type RealtimeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServerID       uint32 `mapstructure:"server_id"`
	DebounceWindow string `mapstructure:"debounce_window"`
	ReprobeEvery   string `mapstructure:"reprobe_every"`
}

func (r RealtimeConfig) GetDebounceWindow() time.Duration {
	return parseDurationOr(r.DebounceWindow, 500*time.Millisecond)
}

func (r RealtimeConfig) GetReprobeEvery() time.Duration {
	return parseDurationOr(r.ReprobeEvery, 5*time.Minute)
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type BackupConfig struct {
	Retention int `mapstructure:"retention"`
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDurationOr(s.ReadTimeout, 15*time.Second)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDurationOr(s.WriteTimeout, 30*time.Second)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("local_db.path", "sync.db")
	v.SetDefault("local_db.watermark_path", "watermarks.json")
	v.SetDefault("sync.conflict_policy", "local-wins")
	v.SetDefault("sync.conflict_skew", "60s")
	v.SetDefault("sync.retry_ceiling", 3)
	v.SetDefault("sync.connectivity_check", "90s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 3m")
	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.server_id", 100)
	v.SetDefault("realtime.debounce_window", "500ms")
	v.SetDefault("realtime.reprobe_every", "5m")
	v.SetDefault("backup.retention", 5)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8744)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Sync.Tables) == 0 {
		return fmt.Errorf("sync.tables must list at least one table")
	}
	seen := make(map[string]bool)
	for _, t := range c.Sync.Tables {
		if t.Name == "" {
			return fmt.Errorf("sync.tables entries must have a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q in sync.tables", t.Name)
		}
		seen[t.Name] = true
	}
	switch c.Sync.ConflictPolicy {
	case "local-wins", "remote-wins", "merge":
	default:
		return fmt.Errorf("sync.conflict_policy must be one of local-wins, remote-wins, merge; got %q", c.Sync.ConflictPolicy)
	}
	if c.Sync.RetryCeiling < 1 {
		return fmt.Errorf("sync.retry_ceiling must be >= 1")
	}
	if c.Backup.Retention < 1 {
		return fmt.Errorf("backup.retention must be >= 1")
	}
	return nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
