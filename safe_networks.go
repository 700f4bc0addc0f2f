package main

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/yaml.v3"

	"github.com/erc7824/nitrolite/keyring/pkg/log"
	"github.com/erc7824/nitrolite/keyring/pkg/safe"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

const (
	checkChainIdCallTimeout = 5 * time.Second
	safeNetworksFileName    = "safe_networks.yaml"
)

var networkNameRegex = regexp.MustCompile(`^[a-z][a-z_]+[a-z]$`)

// SafeNetworksConfig is the root of safe_networks.yaml.
type SafeNetworksConfig struct {
	DefaultTxServiceURL string              `yaml:"default_tx_service_url"`
	Networks            []SafeNetworkConfig `yaml:"networks"`
}

// SafeNetworkConfig describes one network Safes can be used on.
type SafeNetworkConfig struct {
	// Name must be snake_case, e.g. "ethereum_sepolia".
	Name     string `yaml:"name"`
	ID       uint32 `yaml:"id"`
	Disabled bool   `yaml:"disabled"`
	// TxServiceURL overrides the default transaction service.
	TxServiceURL string `yaml:"tx_service_url"`
	// RPC is populated from the environment variable <NAME>_SAFE_RPC. Without
	// it Safe state is read from the transaction service and transactions
	// cannot be executed.
	RPC string `yaml:"-"`
}

// LoadSafeNetworks reads <configDirPath>/safe_networks.yaml and returns the
// enabled networks by chain id. Configured RPC endpoints must report the
// expected chain id.
func LoadSafeNetworks(configDirPath string) (map[uint32]SafeNetworkConfig, error) {
	f, err := os.Open(filepath.Join(configDirPath, safeNetworksFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg SafeNetworksConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.verifyVariables(); err != nil {
		return nil, err
	}
	if err := cfg.verifyRPCs(); err != nil {
		return nil, err
	}
	return cfg.getEnabled(), nil
}

// verifyVariables validates names and service URLs and applies the default
// service URL in place.
func (cfg *SafeNetworksConfig) verifyVariables() error {
	if cfg.DefaultTxServiceURL != "" && !isHTTPURL(cfg.DefaultTxServiceURL) {
		return fmt.Errorf("invalid default transaction service url '%s'", cfg.DefaultTxServiceURL)
	}

	seen := map[uint32]string{}
	for i, n := range cfg.Networks {
		if n.Disabled {
			continue
		}
		if !networkNameRegex.MatchString(n.Name) {
			return fmt.Errorf("invalid network name '%s', should match snake_case format", n.Name)
		}
		if n.ID == 0 {
			return fmt.Errorf("missing chain id for network '%s'", n.Name)
		}
		if other, ok := seen[n.ID]; ok {
			return fmt.Errorf("networks '%s' and '%s' share chain id %d", other, n.Name, n.ID)
		}
		seen[n.ID] = n.Name

		if n.TxServiceURL == "" {
			if cfg.DefaultTxServiceURL == "" {
				return fmt.Errorf("missing default and network-specific transaction service url for network '%s'", n.Name)
			}
			cfg.Networks[i].TxServiceURL = cfg.DefaultTxServiceURL
		} else if !isHTTPURL(n.TxServiceURL) {
			return fmt.Errorf("invalid transaction service url '%s' for network '%s'", n.TxServiceURL, n.Name)
		}
	}
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// verifyRPCs reads <NAME>_SAFE_RPC for every enabled network and checks
// the chain id the endpoint reports.
func (cfg *SafeNetworksConfig) verifyRPCs() error {
	for i, n := range cfg.Networks {
		if n.Disabled {
			continue
		}
		rpc := os.Getenv(fmt.Sprintf("%s_SAFE_RPC", strings.ToUpper(n.Name)))
		if rpc == "" {
			continue
		}
		if err := checkChainId(rpc, n.ID); err != nil {
			return fmt.Errorf("network '%s' ChainID check failed: %w", n.Name, err)
		}
		cfg.Networks[i].RPC = rpc
	}
	return nil
}

func (cfg *SafeNetworksConfig) getEnabled() map[uint32]SafeNetworkConfig {
	enabled := make(map[uint32]SafeNetworkConfig)
	for _, n := range cfg.Networks {
		if !n.Disabled {
			enabled[n.ID] = n
		}
	}
	return enabled
}

// checkChainId connects to an RPC endpoint and verifies it returns the expected chain ID.
func checkChainId(rpc string, expectedChainID uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkChainIdCallTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, rpc)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID from RPC: %w", err)
	}
	if uint32(chainID.Uint64()) != expectedChainID {
		return fmt.Errorf("unexpected chain ID from RPC: got %d, want %d", chainID.Uint64(), expectedChainID)
	}
	return nil
}

// NewSafeRegistry builds one safe.Client per configured network. executor
// signs execTransaction calls and may be nil.
func NewSafeRegistry(networks map[uint32]SafeNetworkConfig, conf SafeConfig, executor sign.Signer, lg log.Logger) (*safe.Registry, error) {
	reg := safe.NewRegistry()
	for id, n := range networks {
		chainID := new(big.Int).SetUint64(uint64(id))
		nlg := lg.With("network", n.Name)

		txs := safe.NewTxServiceClient(n.TxServiceURL, safe.WithAPIKey(conf.APIKey), safe.WithServiceLogger(nlg))
		if conf.APIKey != "" {
			if exp, err := safe.APIKeyExpiry(conf.APIKey); err == nil && !exp.IsZero() && exp.Before(time.Now()) {
				nlg.Warn("transaction service api key expired", "expiredAt", exp)
			}
		}

		var chain safe.Chain
		if n.RPC != "" {
			client, err := ethclient.Dial(n.RPC)
			if err != nil {
				return nil, fmt.Errorf("network '%s': %w", n.Name, err)
			}
			if executor != nil {
				chain = safe.NewContractClient(client, client, safe.ExecutorOpts(executor, chainID))
			} else {
				chain = safe.NewContractClient(client, nil, nil)
			}
		}

		reg.Register(chainID, safe.NewClient(txs, chain, nlg))
		nlg.Info("safe network registered", "chainId", id, "txService", n.TxServiceURL, "onChain", chain != nil)
	}
	return reg, nil
}
