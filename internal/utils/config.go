package utils

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Zero-valued fields in the file keep their defaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Integrity IntegrityConfig `yaml:"integrity"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Presence  PresenceConfig  `yaml:"presence"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr        string  `yaml:"listen_addr"`
	ConsumeRatePerSec float64 `yaml:"consume_rate_per_sec"`
	ConsumeBurst      int     `yaml:"consume_burst"`
	// TLS is enabled when both files are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // sqlite | bolt
	DataDir string `yaml:"data_dir"`
}

// RedisConfig enables the shared token ledger when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CryptoConfig struct {
	SigningKey           string `yaml:"signing_key"`
	BcryptCost           int    `yaml:"bcrypt_cost"`
	Argon2Time           uint32 `yaml:"argon2_time"`
	Argon2MemoryKiB      uint32 `yaml:"argon2_memory_kib"`
	Argon2Threads        uint8  `yaml:"argon2_threads"`
	MissionExpirationSec int    `yaml:"mission_expiration_sec"`
	MinTestTypes         int    `yaml:"min_test_types"`
}

type IntegrityConfig struct {
	CheckTimeout time.Duration `yaml:"check_timeout"`
	TamperLogCap int           `yaml:"tamper_log_cap"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type PresenceConfig struct {
	MinTests int `yaml:"min_tests"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
	File   string `yaml:"file"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			ConsumeRatePerSec: 5,
			ConsumeBurst:      10,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: DefaultDataDir(),
		},
		Crypto: CryptoConfig{
			SigningKey:           "hcs-u7-credential-signature",
			BcryptCost:           12,
			Argon2Time:           2,
			Argon2MemoryKiB:      19 * 1024,
			Argon2Threads:        1,
			MissionExpirationSec: 300,
			MinTestTypes:         5,
		},
		Integrity: IntegrityConfig{
			CheckTimeout: 2 * time.Second,
			TamperLogCap: 100,
		},
		Sessions: SessionConfig{TTL: 15 * time.Minute},
		Presence: PresenceConfig{MinTests: 3},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var (
	config     Config
	configErr  error
	configOnce sync.Once
)

// LoadConfig reads the file named by HCS_CONFIG (default hcs.yaml in the project root) once
// and returns the cached result on later calls.
func LoadConfig() (Config, error) {
	configOnce.Do(func() {
		path := os.Getenv("HCS_CONFIG")
		if path == "" {
			path = filepath.Join(GetProjectRoot(), "hcs.yaml")
		}
		config, configErr = LoadConfigFile(path)
	})
	return config, configErr
}

// LoadConfigFile loads path over the defaults, applies HCS_* env overrides and validates.
// A missing file is not an error.
func LoadConfigFile(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"HCS_LISTEN_ADDR":   &c.Server.ListenAddr,
		"HCS_TLS_CERT":      &c.Server.TLSCert,
		"HCS_TLS_KEY":       &c.Server.TLSKey,
		"HCS_STORE_BACKEND": &c.Storage.Backend,
		"HCS_DATA_DIR":      &c.Storage.DataDir,
		"HCS_REDIS_ADDR":    &c.Redis.Addr,
		"HCS_SIGNING_KEY":   &c.Crypto.SigningKey,
		"HCS_LOG_LEVEL":     &c.Log.Level,
		"HCS_LOG_FORMAT":    &c.Log.Format,
		"HCS_LOG_FILE":      &c.Log.File,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("HCS_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: HCS_SESSION_TTL: %w", err)
		}
		c.Sessions.TTL = d
	}
	if v := os.Getenv("HCS_MISSION_EXPIRATION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: HCS_MISSION_EXPIRATION: %w", err)
		}
		c.Crypto.MissionExpirationSec = n
	}
	return nil
}

// Validate clamps out-of-range values and rejects unusable ones.
func (c *Config) Validate() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend != "sqlite" && c.Storage.Backend != "bolt" {
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Crypto.SigningKey == "" {
		return errors.New("config: crypto.signing_key must not be empty")
	}
	if c.Crypto.MinTestTypes < 1 {
		c.Crypto.MinTestTypes = 5
	}
	if c.Crypto.MissionExpirationSec <= 0 {
		c.Crypto.MissionExpirationSec = 300
	}
	if c.Crypto.BcryptCost < 4 {
		c.Crypto.BcryptCost = 4
	}
	if c.Crypto.BcryptCost > 31 {
		c.Crypto.BcryptCost = 31
	}
	if c.Crypto.Argon2Time == 0 {
		c.Crypto.Argon2Time = 1
	}
	if c.Crypto.Argon2MemoryKiB < 1024 {
		c.Crypto.Argon2MemoryKiB = 1024
	}
	if c.Crypto.Argon2Threads == 0 {
		c.Crypto.Argon2Threads = 1
	}
	if c.Integrity.CheckTimeout <= 0 {
		c.Integrity.CheckTimeout = 2 * time.Second
	}
	if c.Integrity.TamperLogCap <= 0 {
		c.Integrity.TamperLogCap = 100
	}
	if c.Sessions.TTL <= 0 {
		c.Sessions.TTL = 15 * time.Minute
	}
	if c.Presence.MinTests < 1 {
		c.Presence.MinTests = 3
	}
	if c.Server.ConsumeRatePerSec <= 0 {
		c.Server.ConsumeRatePerSec = 5
	}
	if c.Server.ConsumeBurst <= 0 {
		c.Server.ConsumeBurst = 1
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("config: server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

// ReadMasterKey reads HCS_MASTER_KEY_HEX, falling back to master.key in dir.
func ReadMasterKey(dir string) ([]byte, error) {
	h := os.Getenv("HCS_MASTER_KEY_HEX")
	if h == "" {
		data, err := os.ReadFile(filepath.Join(dir, "master.key"))
		if err != nil {
			return nil, fmt.Errorf("HCS_MASTER_KEY_HEX not set and master.key not readable: %w", err)
		}
		h = string(data)
	}
	b, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("master key hex decode error: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("master key length must be 32 bytes (hex 64 chars)")
	}
	return b, nil
}
