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

	"claw-bridge/internal/domain"
)

const (
	// EnvConfigPath names the config file when --config is not given.
	EnvConfigPath = "CLAWBRIDGE_CONFIG"
	// EnvConfigKey holds the passphrase for enc: values.
	EnvConfigKey = "CLAWBRIDGE_CONFIG_KEY"
	// DefaultTokenEnv is consulted for the gateway token when none is configured.
	DefaultTokenEnv = "OPENCLAW_GATEWAY_TOKEN"

	encPrefix = "enc:"
)

// Config is the root configuration for claw-bridge.
type Config struct {
	Includes  []string        `yaml:"includes,omitempty"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Client    ClientConfig    `yaml:"client"`
	Guard     GuardConfig     `yaml:"guard"`
	Journal   JournalConfig   `yaml:"journal"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Status    StatusConfig    `yaml:"status"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// GatewayConfig locates the Gateway and tunes the connection.
type GatewayConfig struct {
	// URL, when set, wins over scheme/host/port/path.
	URL    string `yaml:"url,omitempty"`
	Scheme string `yaml:"scheme"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Path   string `yaml:"path"`

	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`

	AutoReconnect        bool          `yaml:"auto_reconnect"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 0 = server policy

	SubscribeEvents []string `yaml:"subscribe_events,omitempty"`
	ReadLimitBytes  int64    `yaml:"read_limit_bytes"`
	EventQueue      int      `yaml:"event_queue"`
}

// ClientConfig describes this client to the Gateway during connect.
type ClientConfig struct {
	ID          string         `yaml:"id"`
	Mode        string         `yaml:"mode"`
	Version     string         `yaml:"version"`
	Platform    string         `yaml:"platform,omitempty"`
	Role        string         `yaml:"role"`
	Scopes      []string       `yaml:"scopes"`
	Caps        []string       `yaml:"caps,omitempty"`
	Commands    []string       `yaml:"commands,omitempty"`
	Permissions map[string]any `yaml:"permissions,omitempty"`
	Locale      string         `yaml:"locale"`
	UserAgent   string         `yaml:"user_agent"`
	MinProtocol int            `yaml:"min_protocol"`
	MaxProtocol int            `yaml:"max_protocol"`
}

// GuardConfig holds outbound rate limit and circuit breaker settings.
type GuardConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxFailures       uint32        `yaml:"max_failures"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
	Interval          time.Duration `yaml:"interval"`
}

// JournalConfig holds the SQLite event journal settings.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// SchedulerConfig holds maintenance job settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// StatusConfig holds the local status endpoint settings.
type StatusConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Addr              string `yaml:"addr"`
	RequestsPerMinute int    `yaml:"requests_per_minute"` // 0 = unlimited
	Burst             int    `yaml:"burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns $HOME/.clawbridge, or ./data when $HOME is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".clawbridge")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Scheme:               "ws",
			Host:                 "127.0.0.1",
			Port:                 18789,
			Path:                 "/",
			TokenEnv:             DefaultTokenEnv,
			AutoReconnect:        true,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			MaxReconnectAttempts: 10,
			RequestTimeout:       30 * time.Second,
			ConnectTimeout:       10 * time.Second,
			ReadLimitBytes:       4 << 20,
			EventQueue:           256,
		},
		Client: ClientConfig{
			ID:          "claw-bridge",
			Mode:        "backend",
			Version:     "dev",
			Role:        "operator",
			Scopes:      []string{"operator.read", "operator.write"},
			Locale:      "en-US",
			UserAgent:   "claw-bridge",
			MinProtocol: 3,
			MaxProtocol: 3,
		},
		Guard: GuardConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			MaxFailures:       5,
			OpenTimeout:       30 * time.Second,
			Interval:          time.Minute,
		},
		Journal: JournalConfig{
			Path:      filepath.Join(defaultDataDir(), "journal.db"),
			Retention: 7 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Tasks: []ScheduledTaskConfig{
				{Name: "stats", Schedule: "5m", Action: "stats_report"},
				{Name: "prune", Schedule: "@hourly", Action: "journal_prune"},
			},
		},
		Status: StatusConfig{
			Addr:              "127.0.0.1:18790",
			RequestsPerMinute: 120,
			Burst:             20,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfigLoad, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve config path: %w", domain.ErrConfigLoad, err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
		}

		// The main file wins over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config (second pass): %w", domain.ErrConfigLoad, err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvConfigKey); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CLAWBRIDGE_* env vars to config fields. When no
// token is configured it falls back to the variable named by gateway.token_env.
func ApplyEnvOverrides(cfg *Config) {
	g := &cfg.Gateway
	envString("CLAWBRIDGE_GATEWAY_URL", &g.URL)
	envString("CLAWBRIDGE_GATEWAY_SCHEME", &g.Scheme)
	envString("CLAWBRIDGE_GATEWAY_HOST", &g.Host)
	envString("CLAWBRIDGE_GATEWAY_PATH", &g.Path)
	envString("CLAWBRIDGE_GATEWAY_TOKEN", &g.Token)
	envString("CLAWBRIDGE_GATEWAY_TOKEN_ENV", &g.TokenEnv)
	if v := os.Getenv("CLAWBRIDGE_GATEWAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			g.Port = n
		}
	}
	envBool("CLAWBRIDGE_GATEWAY_AUTO_RECONNECT", &g.AutoReconnect)
	if v := os.Getenv("CLAWBRIDGE_GATEWAY_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			g.MaxReconnectAttempts = n
		}
	}
	envDuration("CLAWBRIDGE_GATEWAY_RECONNECT_BASE_DELAY", &g.ReconnectBaseDelay)
	envDuration("CLAWBRIDGE_GATEWAY_RECONNECT_MAX_DELAY", &g.ReconnectMaxDelay)
	envDuration("CLAWBRIDGE_GATEWAY_REQUEST_TIMEOUT", &g.RequestTimeout)
	envDuration("CLAWBRIDGE_GATEWAY_CONNECT_TIMEOUT", &g.ConnectTimeout)
	envDuration("CLAWBRIDGE_GATEWAY_HEARTBEAT_INTERVAL", &g.HeartbeatInterval)
	if v := os.Getenv("CLAWBRIDGE_GATEWAY_SUBSCRIBE_EVENTS"); v != "" {
		g.SubscribeEvents = splitAndTrim(v, ",")
	}

	envString("CLAWBRIDGE_CLIENT_ID", &cfg.Client.ID)
	envString("CLAWBRIDGE_CLIENT_ROLE", &cfg.Client.Role)
	if v := os.Getenv("CLAWBRIDGE_CLIENT_SCOPES"); v != "" {
		cfg.Client.Scopes = splitAndTrim(v, ",")
	}

	envBool("CLAWBRIDGE_GUARD_ENABLED", &cfg.Guard.Enabled)
	envBool("CLAWBRIDGE_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	envString("CLAWBRIDGE_JOURNAL_PATH", &cfg.Journal.Path)
	envBool("CLAWBRIDGE_SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	envBool("CLAWBRIDGE_STATUS_ENABLED", &cfg.Status.Enabled)
	envString("CLAWBRIDGE_STATUS_ADDR", &cfg.Status.Addr)

	envString("CLAWBRIDGE_LOGGER_LEVEL", &cfg.Logger.Level)
	envString("CLAWBRIDGE_LOGGER_FORMAT", &cfg.Logger.Format)
	envString("CLAWBRIDGE_LOGGER_OUTPUT", &cfg.Logger.Output)
	envBool("CLAWBRIDGE_TRACER_ENABLED", &cfg.Tracer.Enabled)
	envString("CLAWBRIDGE_TRACER_EXPORTER", &cfg.Tracer.Exporter)

	if g.Token == "" && g.TokenEnv != "" {
		g.Token = os.Getenv(g.TokenEnv)
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			*dst = d
		}
	}
}

// splitAndTrim splits s by sep, trims whitespace and drops empty elements.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsEncrypted reports whether v carries the enc: prefix.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, encPrefix)
}

// decryptSecrets replaces enc: values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if !IsEncrypted(cfg.Gateway.Token) {
		return nil
	}
	plain, err := DecryptValue(strings.TrimPrefix(cfg.Gateway.Token, encPrefix), passphrase)
	if err != nil {
		return fmt.Errorf("gateway.token: %w", err)
	}
	cfg.Gateway.Token = plain
	return nil
}

// EncryptSecret encrypts plaintext and returns it with the enc: prefix, ready
// to paste into a config file.
func EncryptSecret(plaintext, passphrase string) (string, error) {
	v, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		return "", err
	}
	return encPrefix + v, nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result carries no enc: prefix.
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

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// hex(salt) ":" hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue. An enc: prefix is ignored.
func DecryptValue(encrypted, passphrase string) (string, error) {
	encrypted = strings.TrimPrefix(encrypted, encPrefix)
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %w", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
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

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
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
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
