package configs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/i2y/mcpgate/internal/adapter/outbound/github"
	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/vault"
)

const envPrefix = "mcpgate"

// FileConfig defines the structure of the bootstrap configuration file.
type FileConfig struct {
	Servers []domain.ServerConfig `yaml:"servers"`
}

// Config holds the final application configuration, merged from file and environment variables.
// Fields are loaded from environment variables with the prefix "MCPGATE_".
type Config struct {
	// ConfigFilePath names a YAML or TOML file (local or github://) with bootstrap servers.
	ConfigFilePath string `envconfig:"CONFIG_FILE"`

	Servers []domain.ServerConfig `ignored:"true"`

	ListenAddr         string        `envconfig:"LISTEN_ADDR" default:":8080"`
	AdminAddr          string        `envconfig:"ADMIN_ADDR" default:":8081"`
	BaseURL            string        `envconfig:"BASE_URL"`
	HTTPClientTimeout  time.Duration `envconfig:"HTTP_CLIENT_TIMEOUT" default:"30s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
	ServerReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"5s"`
	ServerWriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"0s"`
	ServerIdleTimeout  time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
	InitTimeout        time.Duration `envconfig:"INIT_TIMEOUT" default:"30s"`
	DispatchTimeout    time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"60s"`
	HealthInterval     time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	ToolsRefresh       time.Duration `envconfig:"TOOLS_REFRESH_INTERVAL" default:"5m"`

	OtelExporterOtlpEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	LogLevel                 string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile                  string `envconfig:"LOG_FILE" default:"mcpgate.log"`

	// RedisURL enables queued dispatch when set.
	RedisURL        string `envconfig:"REDIS_URL"`
	RequestQueue    string `envconfig:"REQUEST_QUEUE" default:"mcpgate:tool_calls"`
	ResponseChannel string `envconfig:"RESPONSE_CHANNEL" default:"mcpgate:tool_results"`

	// DBPath selects the SQLite store; empty keeps state in memory.
	DBPath string `envconfig:"DB_PATH"`

	EncryptionKey    string `envconfig:"ENCRYPTION_KEY"`
	KeyFile          string `envconfig:"KEY_FILE" default:".mcpgate.key"`
	AllowKeyGenerate bool   `envconfig:"ALLOW_KEY_GENERATE"`
}

// ParsedLogLevel returns the slog.Level based on the configured LogLevel string.
func (c *Config) ParsedLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		fallthrough
	default:
		return slog.LevelInfo
	}
}

// KeyConfig returns where the vault key comes from.
func (c *Config) KeyConfig() vault.KeyConfig {
	return vault.KeyConfig{Key: c.EncryptionKey, File: c.KeyFile, AllowGenerate: c.AllowKeyGenerate}
}

// FileLoader reads the configuration file from a local path or a remote location.
type FileLoader interface {
	LoadFile(ctx context.Context, path string) ([]byte, error)
}

// Load reads configuration through the gh CLI backed loader.
func Load() (*Config, error) {
	return LoadFrom(context.Background(), github.NewGHClient(nil, slog.Default()))
}

// LoadFrom loads .env files, then environment variables (to get the file
// path), then the bootstrap file, and finally environment variables again so
// they win over file settings.
func LoadFrom(ctx context.Context, files FileLoader) (*Config, error) {
	if err := loadDotEnv(".env", ".env.local"); err != nil {
		return nil, fmt.Errorf("failed to load dotenv files: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process initial environment variables: %w", err)
	}

	if cfg.ConfigFilePath != "" {
		data, err := files.LoadFile(ctx, cfg.ConfigFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file '%s': %w", cfg.ConfigFilePath, err)
		}
		fileCfg, err := parseFile(cfg.ConfigFilePath, data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file '%s': %w", cfg.ConfigFilePath, err)
		}
		if err := validateServers(fileCfg.Servers); err != nil {
			return nil, fmt.Errorf("invalid config file '%s': %w", cfg.ConfigFilePath, err)
		}
		cfg.Servers = fileCfg.Servers
		slog.Info("Loaded configuration file.", "path", cfg.ConfigFilePath, "servers", len(cfg.Servers))
	} else {
		slog.Info("No config file path specified (MCPGATE_CONFIG_FILE), using defaults/env vars only.")
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process overriding environment variables: %w", err)
	}
	return &cfg, nil
}

// loadDotEnv sets variables from the given files without overriding ones
// already present in the environment. Later files fill what earlier ones left.
func loadDotEnv(names ...string) error {
	for _, name := range names {
		values, err := godotenv.Read(name)
		if err != nil {
			continue
		}
		for k, v := range values {
			if _, exists := os.LookupEnv(k); !exists {
				if err := os.Setenv(k, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// parseFile decodes YAML, or TOML when the file name ends in .toml.
// ${VAR} references are expanded first.
func parseFile(name string, data []byte) (FileConfig, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var fileCfg FileConfig
	if strings.EqualFold(path.Ext(stripRef(name)), ".toml") {
		// TOML is normalized through YAML so one set of struct tags serves both.
		var doc map[string]any
		if _, err := toml.Decode(string(expanded), &doc); err != nil {
			return FileConfig{}, err
		}
		var err error
		if expanded, err = yaml.Marshal(doc); err != nil {
			return FileConfig{}, err
		}
	}
	if err := yaml.Unmarshal(expanded, &fileCfg); err != nil {
		return FileConfig{}, err
	}
	return fileCfg, nil
}

func stripRef(name string) string {
	if github.IsGitHubURL(name) {
		if i := strings.LastIndex(name, "@"); i >= 0 {
			return name[:i]
		}
	}
	return name
}

func validateServers(servers []domain.ServerConfig) error {
	seen := make(map[string]bool, len(servers))
	for i, s := range servers {
		if s.ID == "" {
			return fmt.Errorf("servers[%d] (%q) has no id", i, s.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Name == "" {
			servers[i].Name = s.ID
		}
	}
	return nil
}
