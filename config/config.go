package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vinchain/crypto"

	"github.com/BurntSushi/toml"
)

// Config holds the escrow service settings.
type Config struct {
	RPCAddress            string `toml:"RPCAddress"`
	DataDir               string `toml:"DataDir"`
	NetworkName           string `toml:"NetworkName"`
	ChainID               uint64 `toml:"ChainID"`
	InstanceAddress       string `toml:"InstanceAddress"`
	AdminAddress          string `toml:"AdminAddress"`
	CustodyTimeoutSeconds int64  `toml:"CustodyTimeoutSeconds"`
	LogLevel              string `toml:"LogLevel"`
	Environment           string `toml:"Environment"`
}

const (
	defaultRPCAddress     = "127.0.0.1:8645"
	defaultDataDir        = "./vinchain-data"
	defaultNetworkName    = "vin-local"
	defaultChainID        = 7741
	defaultCustodySeconds = 5
)

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = defaultRPCAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = defaultNetworkName
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = defaultChainID
	}
	if cfg.CustodyTimeoutSeconds <= 0 {
		cfg.CustodyTimeoutSeconds = defaultCustodySeconds
	}
}

// Validate checks address formats and numeric ranges.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.InstanceAddress) == "" {
		return fmt.Errorf("InstanceAddress is required")
	}
	if _, err := crypto.DecodeAddress(cfg.InstanceAddress); err != nil {
		return fmt.Errorf("InstanceAddress: %w", err)
	}
	if strings.TrimSpace(cfg.AdminAddress) != "" {
		if _, err := crypto.DecodeAddress(cfg.AdminAddress); err != nil {
			return fmt.Errorf("AdminAddress: %w", err)
		}
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("ChainID must be positive")
	}
	if cfg.CustodyTimeoutSeconds <= 0 {
		return fmt.Errorf("CustodyTimeoutSeconds must be positive")
	}
	return nil
}

// Instance returns the decoded engine instance address.
func (cfg *Config) Instance() ([20]byte, error) {
	addr, err := crypto.DecodeAddress(cfg.InstanceAddress)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Array(), nil
}

// Admin returns the decoded admin address, or nil when none is configured.
func (cfg *Config) Admin() (*[20]byte, error) {
	if strings.TrimSpace(cfg.AdminAddress) == "" {
		return nil, nil
	}
	addr, err := crypto.DecodeAddress(cfg.AdminAddress)
	if err != nil {
		return nil, err
	}
	arr := addr.Array()
	return &arr, nil
}

func createDefault(path string) (*Config, error) {
	instanceKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		InstanceAddress: instanceKey.PubKey().Address().String(),
	}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
