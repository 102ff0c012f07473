package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	JWT        JWTConfig       `yaml:"jwt"`
	Encryption EncryptionConfig `yaml:"encryption"`
	SMTP       SMTPConfig      `yaml:"smtp"`
	Webhook    WebhookConfig   `yaml:"webhook"`
	Redis      RedisConfig     `yaml:"redis"`
	Detection  DetectionConfig `yaml:"detection"`
	Logging    LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            string   `yaml:"port"`
	CORSOrigins     []string `yaml:"cors_origins"`
	ReadTimeoutSec  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSec int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSec  int      `yaml:"idle_timeout_seconds"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type JWTConfig struct {
	Secret        string `yaml:"secret"`
	ExpiryMinutes int    `yaml:"expiry_minutes"`
}

type EncryptionConfig struct {
	// Key is the hex-encoded 32-byte key used to seal API secrets at rest.
	Key string `yaml:"key"`
}

type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	UseTLS   bool   `yaml:"use_tls"`
}

type WebhookConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DetectionConfig carries the engine thresholds plus the per-detector dictionary.
type DetectionConfig struct {
	HighThreshold        float64                     `yaml:"high_threshold"`
	MediumThreshold      float64                     `yaml:"medium_threshold"`
	ThrottleSeconds      int                         `yaml:"throttle_seconds"`
	RetrainIntervalHours int                         `yaml:"retrain_interval_hours"`
	Detectors            map[string]DetectorSettings `yaml:"detectors"`
}

type DetectorSettings struct {
	Enabled       bool    `yaml:"enabled"`
	Threshold     float64 `yaml:"threshold"`
	Weight        float64 `yaml:"weight"`
	WindowSeconds int     `yaml:"window_seconds"`
	MinSamples    int     `yaml:"min_samples"`
}

// Detector names as persisted in detector_configs and emitted in detections.
const (
	DetectorRateLimit       = "rate_limit"
	DetectorIPBlacklist     = "ip_blacklist"
	DetectorAttackSignature = "attack_signature"
	DetectorErrorRate       = "error_rate"
	DetectorLatencySpike    = "latency_spike"
	DetectorMLAnomaly       = "ml_anomaly"
)

// Default returns the built-in configuration. YAML and environment values
// are layered on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			CORSOrigins:     []string{"*"},
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 15,
			IdleTimeoutSec:  60,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		JWT: JWTConfig{
			ExpiryMinutes: 60 * 24,
		},
		SMTP: SMTPConfig{
			Port:   587,
			UseTLS: true,
		},
		Redis: RedisConfig{
			Channel: "apiwatch:live",
		},
		Detection: DetectionConfig{
			HighThreshold:        8.0,
			MediumThreshold:      5.0,
			ThrottleSeconds:      300,
			RetrainIntervalHours: 24,
			Detectors: map[string]DetectorSettings{
				DetectorRateLimit: {
					Enabled:       true,
					Threshold:     100,
					Weight:        7,
					WindowSeconds: 60,
				},
				DetectorIPBlacklist: {
					Enabled: true,
					Weight:  10,
				},
				DetectorAttackSignature: {
					Enabled: true,
					Weight:  9,
				},
				DetectorErrorRate: {
					Enabled:       true,
					Threshold:     0.5,
					Weight:        6,
					WindowSeconds: 300,
				},
				DetectorLatencySpike: {
					Enabled:   true,
					Threshold: 3.0,
					Weight:    5,
				},
				DetectorMLAnomaly: {
					Enabled:    true,
					Threshold:  0.1,
					Weight:     8,
					MinSamples: 100,
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults and then applies
// environment overrides. A missing file is not an error; the defaults plus
// environment still produce a runnable config.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers secret-bearing values from the environment. The YAML file
// is expected to hold topology, not credentials.
func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.JWT.Secret, "JWT_SECRET")
	setString(&c.Encryption.Key, "ENCRYPTION_KEY")
	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.From, "SMTP_FROM")
	setString(&c.SMTP.To, "ALERT_EMAIL_TO")
	setBool(&c.SMTP.Enabled, "SMTP_ENABLED")
	setString(&c.Webhook.URL, "ALERT_WEBHOOK_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setBool(&c.Redis.Enabled, "REDIS_ENABLED")
	setString(&c.Logging.Level, "LOG_LEVEL")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.Server.CORSOrigins = parts
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database url is required (set database.url or DATABASE_URL)")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("config: jwt secret is required (set jwt.secret or JWT_SECRET)")
	}
	return nil
}

// Detector returns the settings for a named detector, zero value if absent.
func (d DetectionConfig) Detector(name string) DetectorSettings {
	return d.Detectors[name]
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
