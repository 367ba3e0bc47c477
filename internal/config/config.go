// Package config loads and validates the node configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"itbft/internal/keys"
	"itbft/internal/logger"
	"itbft/internal/types"
	consensustypes "itbft/pkg/consensus/types"
)

// Manager handles configuration loading, validation, and management
type Manager struct {
	keyManager *keys.KeyManager
}

// NewManager creates a new configuration manager with dependencies
func NewManager(keyManager *keys.KeyManager) *Manager {
	return &Manager{
		keyManager: keyManager,
	}
}

// LoadConfig loads configuration from filePath. A missing file is created with
// defaults and an empty private key is generated and written back.
func (m *Manager) LoadConfig(filePath string) (*types.Config, error) {
	if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
		if err := m.CreateConfigFile(filePath, types.DefaultConfig()); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		logger.Info("Created default configuration file", "path", filePath)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	cfg := types.DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if cfg.Node.PrivateKey == "" {
		privateKey, err := m.keyManager.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		cfg.Node.PrivateKey = privateKey

		if err := m.SaveConfig(filePath, cfg); err != nil {
			return nil, fmt.Errorf("failed to save config with generated private key: %w", err)
		}
		logger.Info("Generated node identity key", "path", filePath)
	}

	if err := m.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// CreateConfigFile creates a new configuration file with the given config
func (m *Manager) CreateConfigFile(filePath string, cfg *types.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration to the specified file
func (m *Manager) SaveConfig(filePath string, cfg *types.Config) error {
	return m.CreateConfigFile(filePath, cfg)
}

// ValidateConfig validates the configuration structure and values
func (m *Manager) ValidateConfig(cfg *types.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := m.keyManager.ValidatePrivateKey(cfg.Node.PrivateKey); err != nil {
		return fmt.Errorf("node config validation failed: %w", err)
	}
	if err := validateConsensusConfig(&cfg.Node, &cfg.Consensus); err != nil {
		return fmt.Errorf("consensus config validation failed: %w", err)
	}
	if err := validateNetworkConfig(&cfg.Network); err != nil {
		return fmt.Errorf("network config validation failed: %w", err)
	}
	if err := m.validatePeersConfig(cfg); err != nil {
		return fmt.Errorf("peers config validation failed: %w", err)
	}
	if err := validateStorageConfig(&cfg.Storage); err != nil {
		return fmt.Errorf("storage config validation failed: %w", err)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics config validation failed: metrics.address is required when enabled")
	}
	if !logger.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging config validation failed: unknown level %q", cfg.Logging.Level)
	}
	return nil
}

// ConsensusConfig converts the file settings into the engine configuration.
func ConsensusConfig(cfg *types.Config) (*consensustypes.ConsensusConfig, error) {
	cc, err := consensustypes.NewConsensusConfig(
		consensustypes.NodeID(cfg.Node.ChainID),
		cfg.Consensus.Nodes,
		cfg.Consensus.FaultTolerance,
	)
	if err != nil {
		return nil, err
	}
	cc.ViewTimeout = cfg.Consensus.ViewTimeout
	return cc, nil
}

func validateConsensusConfig(node *types.NodeConfig, cfg *types.ConsensusConfig) error {
	if node.ChainID == 0 || uint32(node.ChainID) > cfg.Nodes {
		return fmt.Errorf("node.chain_id must be between 1 and consensus.nodes (%d)", cfg.Nodes)
	}
	if cfg.Nodes < 3*cfg.FaultTolerance+1 {
		return fmt.Errorf("consensus.nodes (%d) must be at least 3*fault_tolerance+1 (%d)", cfg.Nodes, 3*cfg.FaultTolerance+1)
	}
	if cfg.Nodes > consensustypes.MaxNodes {
		return fmt.Errorf("consensus.nodes cannot exceed %d", consensustypes.MaxNodes)
	}
	if cfg.ViewTimeout < 10*time.Millisecond {
		return fmt.Errorf("consensus.view_timeout must be at least 10ms")
	}
	if cfg.AbortCheckInterval <= 0 || cfg.AbortCheckInterval > cfg.ViewTimeout {
		return fmt.Errorf("consensus.abort_check_interval must be positive and at most view_timeout")
	}
	return nil
}

func validateNetworkConfig(cfg *types.NetworkConfig) error {
	if len(cfg.Addresses) == 0 {
		return fmt.Errorf("network.addresses cannot be empty")
	}
	for i, addr := range cfg.Addresses {
		if _, err := types.ParseAddress(addr); err != nil {
			return fmt.Errorf("invalid address at index %d: %w", i, err)
		}
	}
	if cfg.PacketTimeout <= 0 {
		return fmt.Errorf("network.packet_timeout must be positive")
	}
	if cfg.SendRetries < 0 {
		return fmt.Errorf("network.send_retries cannot be negative")
	}
	return nil
}

func (m *Manager) validatePeersConfig(cfg *types.Config) error {
	if cfg.Peers.ConnectionTimeout < time.Second {
		return fmt.Errorf("peers.connection_timeout must be at least 1 second")
	}
	if err := types.ValidateMembers(cfg.Peers.Members, cfg.Consensus.Nodes, cfg.Node.ChainID); err != nil {
		return err
	}
	for _, member := range cfg.Peers.Members {
		if err := m.keyManager.ValidatePublicKey(member.PublicKey); err != nil {
			return fmt.Errorf("member %d: %w", member.ChainID, err)
		}
	}
	return nil
}

func validateStorageConfig(cfg *types.StorageConfig) error {
	switch cfg.Backend {
	case types.StorageMemory:
		return nil
	case types.StorageBolt, types.StorageFile:
		if cfg.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", cfg.Backend)
		}
		return nil
	default:
		return fmt.Errorf("storage.backend must be one of: memory, bolt, file")
	}
}

// LoadConfig is a convenience function that creates a manager and loads config
func LoadConfig(filePath string) (*types.Config, error) {
	return NewManager(keys.NewKeyManager()).LoadConfig(filePath)
}
