package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log   LogConfig      `mapstructure:"log"`
	HTTP  HTTPConfig     `mapstructure:"http"`
	MySQL DatabaseConfig `mapstructure:"mysql"`
	Redis RedisConfig    `mapstructure:"redis"`
	Kafka KafkaConfig    `mapstructure:"kafka"`
	Relay RelayConfig    `mapstructure:"relay"`
	Lock  LockConfig     `mapstructure:"lock"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RelayConfig carries the knobs of the four outbox operations.
type RelayConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`   // rows per tick, default 100
	MaxRetry    int           `mapstructure:"max_retry"`    // automatic retry budget, default 3
	Retention   time.Duration `mapstructure:"retention"`    // published-row retention horizon
	SendTimeout time.Duration `mapstructure:"send_timeout"` // per-send bound

	PublishInterval time.Duration `mapstructure:"publish_interval"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type LockConfig struct {
	MaxHold time.Duration `mapstructure:"max_hold"`
	MinHold time.Duration `mapstructure:"min_hold"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (OUTBOX_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (OUTBOX_*)
	v.SetEnvPrefix("OUTBOX")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
