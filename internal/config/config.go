package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`

	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Auth struct {
		JWTSecret     string `mapstructure:"jwt_secret"`
		DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	} `mapstructure:"auth"`

	Vault struct {
		RootSecret string `mapstructure:"root_secret"`
	} `mapstructure:"vault"`

	Reasoning struct {
		URL                 string        `mapstructure:"url"`
		Model               string        `mapstructure:"model"`
		ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
		Timeout             time.Duration `mapstructure:"timeout"`
		ContextBudget       int           `mapstructure:"context_budget"`
	} `mapstructure:"reasoning"`

	Workflow struct {
		StepLimit   int           `mapstructure:"step_limit"`
		Deadline    time.Duration `mapstructure:"deadline"`
		LockTimeout time.Duration `mapstructure:"lock_timeout"`
	} `mapstructure:"workflow"`

	Dispatch struct {
		Workers        int           `mapstructure:"workers"`
		QueueSize      int           `mapstructure:"queue_size"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
		CallTimeout    time.Duration `mapstructure:"call_timeout"`
	} `mapstructure:"dispatch"`

	Health struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"health"`

	// Servers declares the tool-server pool: instance addresses per
	// server type. Health state on top of this list is maintained at
	// runtime by the health checker.
	Servers []ServerPool `mapstructure:"servers"`

	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// ServerPool lists the known instances for one server type.
type ServerPool struct {
	ServerType string   `mapstructure:"server_type"`
	Addresses  []string `mapstructure:"addresses"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// no config file is fine; defaults plus env carry a dev setup
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "dev")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("reasoning.confidence_threshold", 0.6)
	viper.SetDefault("reasoning.timeout", 10*time.Second)
	viper.SetDefault("reasoning.context_budget", 4096)

	viper.SetDefault("workflow.step_limit", 8)
	viper.SetDefault("workflow.deadline", 60*time.Second)
	viper.SetDefault("workflow.lock_timeout", 30*time.Second)

	viper.SetDefault("dispatch.workers", 4)
	viper.SetDefault("dispatch.queue_size", 256)
	viper.SetDefault("dispatch.max_attempts", 3)
	viper.SetDefault("dispatch.initial_backoff", 250*time.Millisecond)
	viper.SetDefault("dispatch.max_backoff", 5*time.Second)
	viper.SetDefault("dispatch.call_timeout", 30*time.Second)

	viper.SetDefault("health.interval", 15*time.Second)
	viper.SetDefault("health.timeout", 5*time.Second)
}
