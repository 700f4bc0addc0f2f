package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/erc7824/nitrolite/keyring/pkg/log"
)

type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

const (
	configDirPathEnv     = "KEYRING_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// LedgerConfig tunes the device keyring.
type LedgerConfig struct {
	ReconnectAttempts int           `env:"LEDGER_RECONNECT_ATTEMPTS" env-default:"50" validate:"gte=1"`
	ReconnectDelay    time.Duration `env:"LEDGER_RECONNECT_DELAY" env-default:"100ms" validate:"gt=0"`
	DeviceID          string        `env:"LEDGER_DEVICE_ID"`
}

// SafeConfig holds settings shared by every Safe network.
type SafeConfig struct {
	APIKey             string `env:"SAFE_TX_SERVICE_API_KEY"`
	ExecutorPrivateKey string `env:"SAFE_EXECUTOR_PRIVATE_KEY" validate:"omitempty,hexadecimal"`
}

// Config represents the overall application configuration
type Config struct {
	Mode        Mode   `env:"KEYRING_MODE" env-default:"production" validate:"oneof=production test"`
	RPCAddr     string `env:"KEYRING_RPC_ADDR" env-default:":8000" validate:"required"`
	MetricsAddr string `env:"KEYRING_METRICS_ADDR" env-default:":4242" validate:"required"`

	Log      log.Config
	Ledger   LedgerConfig
	Safe     SafeConfig
	Database DatabaseConfig

	// Networks is loaded from safe_networks.yaml.
	Networks map[uint32]SafeNetworkConfig
}

// LoadConfig builds configuration from environment variables and the files
// of the config directory.
func LoadConfig(lg log.Logger) (*Config, error) {
	lg = lg.Named("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	lg.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		lg.Warn(".env file not found")
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		lg.Error("failed to read env", "err", err)
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		lg.Error("invalid configuration", "err", err)
		return nil, err
	}
	lg.Info("set mode", "value", cfg.Mode)

	// A database URL takes precedence over the individual settings.
	if dbURL := os.Getenv("KEYRING_DATABASE_URL"); dbURL != "" {
		dbConf, err := ParseConnectionString(dbURL)
		if err != nil {
			lg.Error("failed to parse connection string", "err", err)
			return nil, err
		}
		cfg.Database = dbConf
	}

	networks, err := LoadSafeNetworks(configDirPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		lg.Warn("no safe networks configured", "path", filepath.Join(configDirPath, safeNetworksFileName))
		networks = map[uint32]SafeNetworkConfig{}
	}
	cfg.Networks = networks

	return &cfg, nil
}
