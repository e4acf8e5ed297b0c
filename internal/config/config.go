// Package config holds the server configuration: a TOML file merged over
// Defaults, then KLEAR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Fast       FastConfig       `toml:"fast"`
	Locks      LocksConfig      `toml:"locks"`
	Auth       AuthConfig       `toml:"auth"`
	Delegation DelegationConfig `toml:"delegation"`
	Oracle     OracleConfig     `toml:"oracle"`
	Custody    CustodyConfig    `toml:"custody"`
	Feed       FeedConfig       `toml:"feed"`
	Archive    ArchiveConfig    `toml:"archive"`
}

// duration is a wrapper around time.Duration that decodes TOML strings such
// as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	Env             string   `toml:"env"`
	LogLevel        string   `toml:"log_level"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// Production reports whether the server runs with production logging.
func (s ServerConfig) Production() bool {
	return s.Env == "production"
}

// DatabaseConfig locates the durable SQLite database.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// FastConfig configures the pebble store backing the fast context.
type FastConfig struct {
	Dir      string `toml:"dir"`
	InMemory bool   `toml:"in_memory"`
	Sync     bool   `toml:"sync"`
}

// LocksConfig selects the record locker. "local" keeps locks in process,
// "redis" shares them between server processes.
type LocksConfig struct {
	Backend       string   `toml:"backend"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	TTL           duration `toml:"ttl"`
}

type Credential struct {
	Key    string `toml:"key"`
	Secret string `toml:"secret"`
}

type AuthConfig struct {
	JWTSecret string       `toml:"jwt_secret"`
	TokenTTL  duration     `toml:"token_ttl"`
	APIKeys   []Credential `toml:"api_keys"`
	// Operators may call the internal matching and delegation routes.
	Operators []Credential `toml:"operators"`
}

type DelegationConfig struct {
	// CommitInterval checkpoints every fast-owned record; zero disables it.
	CommitInterval duration `toml:"commit_interval"`
	// RecoverOnStart resolves transitions interrupted by a crash.
	RecoverOnStart bool `toml:"recover_on_start"`
}

type OracleConfig struct {
	PublisherAddress string   `toml:"publisher_address"`
	MaxAge           duration `toml:"max_age"`
}

type CustodyConfig struct {
	VaultID      string  `toml:"vault_id"`
	MinLatencyMs int     `toml:"min_latency_ms"`
	MaxLatencyMs int     `toml:"max_latency_ms"`
	SuccessRate  float64 `toml:"success_rate"`
}

type FeedConfig struct {
	Websocket    bool     `toml:"websocket"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
}

// ArchiveConfig enables S3 snapshots of undelegated records when Bucket is set.
type ArchiveConfig struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			Env:             "development",
			LogLevel:        "info",
			ShutdownTimeout: duration{5 * time.Second},
		},
		Database: DatabaseConfig{Path: "klear.db"},
		Fast:     FastConfig{InMemory: true},
		Locks: LocksConfig{
			Backend:   "local",
			RedisAddr: "localhost:6379",
			TTL:       duration{30 * time.Second},
		},
		Auth: AuthConfig{
			JWTSecret: "klear-secret-key",
			TokenTTL:  duration{24 * time.Hour},
			APIKeys: []Credential{
				{Key: "trader-a", Secret: "trader-a-secret"},
				{Key: "trader-b", Secret: "trader-b-secret"},
			},
			Operators: []Credential{
				{Key: "operator", Secret: "operator-secret"},
			},
		},
		Delegation: DelegationConfig{
			CommitInterval: duration{time.Minute},
			RecoverOnStart: true,
		},
		Oracle: OracleConfig{MaxAge: duration{time.Minute}},
		Custody: CustodyConfig{
			VaultID:     "vault",
			SuccessRate: 1,
		},
		Feed:    FeedConfig{Websocket: true, KafkaTopic: "klear.trades"},
		Archive: ArchiveConfig{Region: "us-east-1", Prefix: "undelegated"},
	}
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if !c.Fast.InMemory && c.Fast.Dir == "" {
		errs = append(errs, errors.New("fast.dir is required unless fast.in_memory is set"))
	}
	switch c.Locks.Backend {
	case "local":
	case "redis":
		if c.Locks.RedisAddr == "" {
			errs = append(errs, errors.New("locks.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("locks.backend %q must be local or redis", c.Locks.Backend))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Auth.JWTSecret == Defaults().Auth.JWTSecret && c.Server.Production() {
		errs = append(errs, errors.New("auth.jwt_secret must be changed in production"))
	}
	for _, cred := range slices.Concat(c.Auth.APIKeys, c.Auth.Operators) {
		if cred.Key == "" || cred.Secret == "" {
			errs = append(errs, errors.New("auth credentials need both key and secret"))
			break
		}
	}
	if c.Delegation.CommitInterval.Duration < 0 {
		errs = append(errs, errors.New("delegation.commit_interval must not be negative"))
	}
	if c.Custody.SuccessRate < 0 || c.Custody.SuccessRate > 1 {
		errs = append(errs, fmt.Errorf("custody.success_rate %v must be within [0,1]", c.Custody.SuccessRate))
	}
	if c.Custody.MaxLatencyMs < c.Custody.MinLatencyMs {
		errs = append(errs, errors.New("custody.max_latency_ms must be at least min_latency_ms"))
	}
	if len(c.Feed.KafkaBrokers) > 0 && strings.TrimSpace(c.Feed.KafkaTopic) == "" {
		errs = append(errs, errors.New("feed.kafka_topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}
