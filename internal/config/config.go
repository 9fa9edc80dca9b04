package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Source   SourceConfig   `mapstructure:"source"`
	Mail     MailConfig     `mapstructure:"mail"`
	Assembly AssemblyConfig `mapstructure:"assembly"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AdminKey guards the manual dispatch endpoint. Empty disables it.
	AdminKey string `mapstructure:"admin_key"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type SourceConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	ConsumerKey string        `mapstructure:"consumer_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RatePerSec  float64       `mapstructure:"rate_per_sec"`
	Burst       int           `mapstructure:"burst"`
}

type MailConfig struct {
	Driver   string         `mapstructure:"driver"`
	From     string         `mapstructure:"from"`
	Subject  string         `mapstructure:"subject"`
	SendGrid SendGridConfig `mapstructure:"sendgrid"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
}

type SendGridConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type AssemblyConfig struct {
	WorkDir     string        `mapstructure:"work_dir"`
	URLPrefix   string        `mapstructure:"url_prefix"`
	LinkSecret  string        `mapstructure:"link_secret"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

type DeliveryConfig struct {
	Schedule       string          `mapstructure:"schedule"`
	Concurrency    int             `mapstructure:"concurrency"`
	MinInterval    time.Duration   `mapstructure:"min_interval"`
	PersistRetries []time.Duration `mapstructure:"persist_retries"`
	PassTimeout    time.Duration   `mapstructure:"pass_timeout"`
	RunOnStart     bool            `mapstructure:"run_on_start"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kindlerelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kindlerelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("KINDLERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.admin_key", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/kindlerelay.db")

	v.SetDefault("source.base_url", "https://getpocket.com")
	v.SetDefault("source.consumer_key", "")
	v.SetDefault("source.timeout", 30*time.Second)
	v.SetDefault("source.rate_per_sec", 5.0)
	v.SetDefault("source.burst", 5)

	v.SetDefault("mail.driver", "sendgrid")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.subject", "Kindle Relay Delivery!")
	v.SetDefault("mail.sendgrid.base_url", "https://api.sendgrid.com")
	v.SetDefault("mail.sendgrid.api_key", "")
	v.SetDefault("mail.sendgrid.timeout", 60*time.Second)
	v.SetDefault("mail.smtp.host", "localhost")
	v.SetDefault("mail.smtp.port", 587)

	v.SetDefault("assembly.work_dir", "./data/work")
	v.SetDefault("assembly.url_prefix", "http://localhost:8080")
	v.SetDefault("assembly.link_secret", "")
	v.SetDefault("assembly.step_timeout", 60*time.Second)
	v.SetDefault("assembly.user_agent", "Mozilla/5.0")

	v.SetDefault("delivery.schedule", "@hourly")
	v.SetDefault("delivery.concurrency", 4)
	v.SetDefault("delivery.min_interval", 12*time.Hour)
	v.SetDefault("delivery.persist_retries", []time.Duration{
		500 * time.Millisecond,
		2 * time.Second,
		10 * time.Second,
	})
	v.SetDefault("delivery.pass_timeout", 50*time.Minute)
	v.SetDefault("delivery.run_on_start", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
