package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string           `yaml:"listen_addr"`
	DB         DBConfig         `yaml:"db"`
	PolicyPath string           `yaml:"policy_path"`
	SigningKey SigningKeyConfig `yaml:"signing_key"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Notify     NotifyConfig     `yaml:"notify"`
	Auth       AuthConfig       `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SigningKeyConfig selects the ledger signing key. Exactly one of
// PrivateKeyPath (ed25519) or HMACSecretPath must be set.
type SigningKeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	HMACSecretPath string `yaml:"hmac_secret_path"`
}

type LedgerConfig struct {
	AppendTimeout time.Duration `yaml:"append_timeout"`
	BatchSize     int           `yaml:"batch_size"`
	QueueDepth    int           `yaml:"queue_depth"`
}

type SupervisorConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

type NotifyConfig struct {
	WebhookURL   string        `yaml:"webhook_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AuthConfig struct {
	DevToken  string `yaml:"dev_token"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Ledger.AppendTimeout == 0 {
		c.Ledger.AppendTimeout = 5 * time.Second
	}
	if c.Ledger.BatchSize == 0 {
		c.Ledger.BatchSize = 64
	}
	if c.Ledger.QueueDepth == 0 {
		c.Ledger.QueueDepth = 256
	}
	if c.Supervisor.TickInterval == 0 {
		c.Supervisor.TickInterval = 15 * time.Second
	}
	if c.Notify.PollInterval == 0 {
		c.Notify.PollInterval = 2 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path is required")
	}

	if c.DB.Driver != "" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.driver is set")
	}
	switch c.DB.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres, got %q", c.DB.Driver)
	}

	if c.SigningKey.PrivateKeyPath != "" && c.SigningKey.HMACSecretPath != "" {
		return fmt.Errorf("signing_key: set only one of private_key_path and hmac_secret_path")
	}
	if (c.SigningKey.PrivateKeyPath != "" || c.SigningKey.HMACSecretPath != "") && c.SigningKey.KeyID == "" {
		return fmt.Errorf("signing_key.key_id is required when a key is configured")
	}

	if c.Ledger.BatchSize < 0 || c.Ledger.QueueDepth < 0 {
		return fmt.Errorf("ledger.batch_size and ledger.queue_depth must be positive")
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}
