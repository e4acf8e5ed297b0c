package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults and applies KLEAR_*
// environment overrides. A missing file is not an error, so the server can
// run from the environment alone. The result is not validated; call
// Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Unprefixed variables kept for existing deployments.
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Env, "ENV")
	if v, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && v {
		cfg.Server.LogLevel = "debug"
	}

	// ── Server ──
	setInt(&cfg.Server.Port, "KLEAR_SERVER_PORT")
	setStr(&cfg.Server.Env, "KLEAR_SERVER_ENV")
	setStr(&cfg.Server.LogLevel, "KLEAR_SERVER_LOG_LEVEL")
	setDuration(&cfg.Server.ShutdownTimeout, "KLEAR_SERVER_SHUTDOWN_TIMEOUT")

	// ── Stores ──
	setStr(&cfg.Database.Path, "KLEAR_DATABASE_PATH")
	setStr(&cfg.Fast.Dir, "KLEAR_FAST_DIR")
	setBool(&cfg.Fast.InMemory, "KLEAR_FAST_IN_MEMORY")
	setBool(&cfg.Fast.Sync, "KLEAR_FAST_SYNC")

	// ── Locks ──
	setStr(&cfg.Locks.Backend, "KLEAR_LOCKS_BACKEND")
	setStr(&cfg.Locks.RedisAddr, "KLEAR_LOCKS_REDIS_ADDR")
	setStr(&cfg.Locks.RedisPassword, "KLEAR_LOCKS_REDIS_PASSWORD")
	setInt(&cfg.Locks.RedisDB, "KLEAR_LOCKS_REDIS_DB")
	setDuration(&cfg.Locks.TTL, "KLEAR_LOCKS_TTL")

	// ── Auth ──
	setStr(&cfg.Auth.JWTSecret, "KLEAR_AUTH_JWT_SECRET")
	setDuration(&cfg.Auth.TokenTTL, "KLEAR_AUTH_TOKEN_TTL")
	setCredentials(&cfg.Auth.APIKeys, "KLEAR_AUTH_API_KEYS")
	setCredentials(&cfg.Auth.Operators, "KLEAR_AUTH_OPERATORS")

	// ── Delegation ──
	setDuration(&cfg.Delegation.CommitInterval, "KLEAR_DELEGATION_COMMIT_INTERVAL")
	setBool(&cfg.Delegation.RecoverOnStart, "KLEAR_DELEGATION_RECOVER_ON_START")

	// ── Oracle ──
	setStr(&cfg.Oracle.PublisherAddress, "KLEAR_ORACLE_PUBLISHER_ADDRESS")
	setDuration(&cfg.Oracle.MaxAge, "KLEAR_ORACLE_MAX_AGE")

	// ── Custody ──
	setStr(&cfg.Custody.VaultID, "KLEAR_CUSTODY_VAULT_ID")
	setInt(&cfg.Custody.MinLatencyMs, "KLEAR_CUSTODY_MIN_LATENCY_MS")
	setInt(&cfg.Custody.MaxLatencyMs, "KLEAR_CUSTODY_MAX_LATENCY_MS")
	setFloat64(&cfg.Custody.SuccessRate, "KLEAR_CUSTODY_SUCCESS_RATE")

	// ── Feed ──
	setBool(&cfg.Feed.Websocket, "KLEAR_FEED_WEBSOCKET")
	setStringSlice(&cfg.Feed.KafkaBrokers, "KLEAR_FEED_KAFKA_BROKERS")
	setStr(&cfg.Feed.KafkaTopic, "KLEAR_FEED_KAFKA_TOPIC")

	// ── Archive ──
	setStr(&cfg.Archive.Endpoint, "KLEAR_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "KLEAR_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "KLEAR_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Prefix, "KLEAR_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.AccessKey, "KLEAR_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "KLEAR_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "KLEAR_ARCHIVE_FORCE_PATH_STYLE")
}

func setStr(dst *string, key string) {
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setCredentials parses "key:secret,key:secret". Malformed pairs are skipped.
func setCredentials(dst *[]Credential, key string) {
	var pairs []string
	setStringSlice(&pairs, key)
	if len(pairs) == 0 {
		return
	}
	creds := make([]Credential, 0, len(pairs))
	for _, p := range pairs {
		k, s, ok := strings.Cut(p, ":")
		if !ok || k == "" || s == "" {
			continue
		}
		creds = append(creds, Credential{Key: k, Secret: s})
	}
	if len(creds) > 0 {
		*dst = creds
	}
}
