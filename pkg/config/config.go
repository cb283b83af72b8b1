package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Kafka     KafkaConfig
	Outbox    OutboxRelayConfig
	Alignment AlignmentDefaults
	Rollup    RollupConfig
}

type ServerConfig struct {
	HTTPPort    int           `mapstructure:"http_port"`
	MetricsPort int           `mapstructure:"metrics_port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogQueries   bool   `mapstructure:"log_queries"`
}

type RedisConfig struct {
	Addresses   []string      `mapstructure:"addresses"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	ClusterMode bool          `mapstructure:"cluster_mode"`
	SettingsTTL time.Duration `mapstructure:"settings_ttl"`
}

// Enabled reports whether a redis endpoint is configured. Without one the
// settings cache and notifications stay process-local.
func (c *RedisConfig) Enabled() bool {
	return len(c.Addresses) > 0 && c.Addresses[0] != ""
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	ClientID   string   `mapstructure:"client_id"`
	EventTopic string   `mapstructure:"event_topic"`
	RetryTopic string   `mapstructure:"retry_topic"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// AlignmentDefaults seeds the settings of organizations that never saved any.
type AlignmentDefaults struct {
	Enabled                       bool   `mapstructure:"enabled"`
	CascadeType                   string `mapstructure:"cascade_type"`
	MaxGoalLevels                 int    `mapstructure:"max_goal_levels"`
	AlignmentRequired             bool   `mapstructure:"alignment_required"`
	WeightingEnabled              bool   `mapstructure:"weighting_enabled"`
	AutoProgressRollup            bool   `mapstructure:"auto_progress_rollup"`
	AllowMatrixReporting          bool   `mapstructure:"allow_matrix_reporting"`
	RequireDepartmentForEmployees bool   `mapstructure:"require_department_for_employees"`
	RequireTeamForEmployees       bool   `mapstructure:"require_team_for_employees"`
}

type RollupConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/goalalign/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("GOALALIGN")
	viper.AutomaticEnv()

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.settings_ttl", "10m")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.issuer", "goalalign")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("kafka.client_id", "goalalign-outbox-relay")
	v.SetDefault("kafka.event_topic", "goalalign.alignment.events")
	v.SetDefault("kafka.retry_topic", "goalalign.alignment.events.retry")
	v.SetDefault("kafka.dlq_topic", "goalalign.alignment.events.dlq")
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("alignment.enabled", true)
	v.SetDefault("alignment.cascade_type", "bidirectional")
	v.SetDefault("alignment.max_goal_levels", 4)
	v.SetDefault("alignment.alignment_required", false)
	v.SetDefault("alignment.weighting_enabled", false)
	v.SetDefault("alignment.auto_progress_rollup", true)
	v.SetDefault("alignment.allow_matrix_reporting", false)
	v.SetDefault("alignment.require_department_for_employees", false)
	v.SetDefault("alignment.require_team_for_employees", false)
	v.SetDefault("rollup.max_retries", 3)
	v.SetDefault("rollup.reconcile_interval", "15m")
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
