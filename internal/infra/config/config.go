package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"agentgw/internal/domain"
)

// ConfigKeyEnv holds the passphrase used to decrypt "enc:" values.
const ConfigKeyEnv = "AGENTGW_CONFIG_KEY"

const encPrefix = "enc:"

// Config is the top-level agentgw configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Sim       SimConfig       `yaml:"sim"`
}

// GatewayConfig describes how the client reaches the gateway.
type GatewayConfig struct {
	URL            string            `yaml:"url"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	WriteTimeout   time.Duration     `yaml:"write_timeout"`
	Token          string            `yaml:"token"`
	TokenEnv       string            `yaml:"token_env"`
	TokenFile      string            `yaml:"token_file"`
	HealthMethod   string            `yaml:"health_method"`
	MaxFrameBytes  int64             `yaml:"max_frame_bytes"`
	PingInterval   time.Duration     `yaml:"ping_interval"`
	Headers        map[string]string `yaml:"headers,omitempty"`
}

// ReconnectConfig tunes the reconnect supervisor.
type ReconnectConfig struct {
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Jitter          float64       `yaml:"jitter"`
	MaxAttempts     int           `yaml:"max_attempts"` // 0 = unlimited
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "noop"
}

// SimConfig configures the simulated gateway served by `gatewayctl sim`.
type SimConfig struct {
	Addr            string        `yaml:"addr"`
	RequireAuth     bool          `yaml:"require_auth"`
	Tokens          []TokenConfig `yaml:"tokens"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"` // 0 disables limiting
	Burst           int           `yaml:"burst"`
	TickInterval    time.Duration `yaml:"tick_interval"` // 0 disables tick pushes
	UpgradesPerMin  int           `yaml:"upgrades_per_min"`
	UpgradeBurst    int           `yaml:"upgrade_burst"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
}

// TokenConfig is one accepted token on the simulated gateway.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles,omitempty"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:            "ws://127.0.0.1:18789/ws",
			ConnectTimeout: 10 * time.Second,
			WriteTimeout:   10 * time.Second,
			TokenEnv:       "AGENTGW_GATEWAY_TOKEN",
			TokenFile:      "~/.agentgw/gateway.token",
			HealthMethod:   "health",
			MaxFrameBytes:  4 << 20,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			Jitter:          0.5,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Sim: SimConfig{
			Addr:            "127.0.0.1:18789",
			RateLimitPerSec: 50,
			Burst:           100,
			UpgradesPerMin:  600,
			UpgradeBurst:    60,
		},
	}
}

// Load reads a YAML config file, applies env overrides, decrypts secrets and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(ConfigKeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps AGENTGW_* env vars to config fields.
// The gateway token itself is read from gateway.token_env at connect time,
// not here, so that token rotation needs no restart.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTGW_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("AGENTGW_GATEWAY_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.ConnectTimeout = d
		}
	}
	if v := os.Getenv("AGENTGW_GATEWAY_HEALTH_METHOD"); v != "" {
		cfg.Gateway.HealthMethod = v
	}
	if v := os.Getenv("AGENTGW_GATEWAY_TOKEN_FILE"); v != "" {
		cfg.Gateway.TokenFile = v
	}
	if v := os.Getenv("AGENTGW_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("AGENTGW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTGW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTGW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTGW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTGW_SIM_ADDR"); v != "" {
		cfg.Sim.Addr = v
	}
	if v := os.Getenv("AGENTGW_SIM_REQUIRE_AUTH"); v == "true" {
		cfg.Sim.RequireAuth = true
	}
}

// decryptSecrets replaces every "enc:" value with its plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Gateway.Token, encPrefix) {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Gateway.Token, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("gateway token: %w", err)
		}
		cfg.Gateway.Token = decrypted
	}

	for i := range cfg.Sim.Tokens {
		tok := &cfg.Sim.Tokens[i]
		if !strings.HasPrefix(tok.Token, encPrefix) {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(tok.Token, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("sim token %s: %w", tok.Name, err)
		}
		tok.Token = decrypted
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM under a key derived from
// passphrase. The result has the form hex(salt):hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	n := gcm.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("ciphertext too short")
	}

	plain, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return string(plain), nil
}

// EncryptedToken formats plaintext as an "enc:" config value.
func EncryptedToken(plaintext, passphrase string) (string, error) {
	v, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		return "", err
	}
	return encPrefix + v, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey stretches a passphrase into a 32-byte key with Argon2id.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
