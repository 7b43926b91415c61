package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// GenesisAccount seeds a balance at startup. Balances are decimal strings so
// the file round-trips amounts beyond int64.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

type GatewayConfig struct {
	ListenAddress  string  `toml:"ListenAddress"`
	JWTSecret      string  `toml:"JWTSecret"`
	JWTIssuer      string  `toml:"JWTIssuer"`
	JWTAudience    string  `toml:"JWTAudience"`
	RateLimitRPS   float64 `toml:"RateLimitRPS"`
	RateLimitBurst int     `toml:"RateLimitBurst"`
}

type WebhookConfig struct {
	TargetURL   string `toml:"TargetURL"`
	MaxAttempts int    `toml:"MaxAttempts"`
}

type LogConfig struct {
	Environment string `toml:"Environment"`
	File        string `toml:"File"`
	MaxSizeMB   int    `toml:"MaxSizeMB"`
	MaxBackups  int    `toml:"MaxBackups"`
	MaxAgeDays  int    `toml:"MaxAgeDays"`
}

type Config struct {
	RPCAddress     string           `toml:"RPCAddress"`
	GatewayAddress string           `toml:"GatewayAddress"`
	DataDir        string           `toml:"DataDir"`
	RPCAuthToken   string           `toml:"RPCAuthToken"`
	EventHistory   int              `toml:"EventHistory"`
	Genesis        []GenesisAccount `toml:"genesis"`
	Gateway        GatewayConfig    `toml:"gateway"`
	Webhook        WebhookConfig    `toml:"webhook"`
	Log            LogConfig        `toml:"log"`
}

// Load reads the configuration from path, writing a default file first when
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.GatewayAddress) == "" {
		cfg.GatewayAddress = ":8081"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = 1024
	}
	if cfg.Gateway.RateLimitRPS <= 0 {
		cfg.Gateway.RateLimitRPS = 50
	}
	if cfg.Gateway.RateLimitBurst <= 0 {
		cfg.Gateway.RateLimitBurst = 100
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 3
	}
	if strings.TrimSpace(cfg.Log.Environment) == "" {
		cfg.Log.Environment = "development"
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
