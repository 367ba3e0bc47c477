// Package types contains the configuration structures of the node binary.
package types

import "time"

// Storage backends.
const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
	StorageFile   = "file"
)

// Config represents the complete application configuration
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Network   NetworkConfig   `yaml:"network"`
	Peers     PeersConfig     `yaml:"peers"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	// ChainID is this node's 1-based position in the membership
	ChainID    uint16 `yaml:"chain_id"`
	PrivateKey string `yaml:"private_key"`
}

// ConsensusConfig contains the agreement parameters
type ConsensusConfig struct {
	Nodes              uint32        `yaml:"nodes"`
	FaultTolerance     uint32        `yaml:"fault_tolerance"`
	ViewTimeout        time.Duration `yaml:"view_timeout"`
	AbortCheckInterval time.Duration `yaml:"abort_check_interval"`
}

// NetworkConfig contains network-related configuration
type NetworkConfig struct {
	Addresses     []string      `yaml:"addresses"`
	PacketTimeout time.Duration `yaml:"packet_timeout"`
	SendRetries   int           `yaml:"send_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// PeersConfig contains the membership and connection settings
type PeersConfig struct {
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	Members           []Member      `yaml:"members"`
}

// StorageConfig selects where committed state is kept
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`
	ConsoleOutput bool   `yaml:"console_output"`
	ConsoleColor  bool   `yaml:"console_color"`
	FileOutput    bool   `yaml:"file_output"`
	FileName      string `yaml:"file_name"`
	FileMaxSize   string `yaml:"file_max_size"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ChainID: 1,
		},
		Consensus: ConsensusConfig{
			Nodes:              1,
			FaultTolerance:     0,
			ViewTimeout:        time.Second,
			AbortCheckInterval: 100 * time.Millisecond,
		},
		Network: NetworkConfig{
			Addresses: []string{
				"/ip4/0.0.0.0/tcp/9000",
				"/ip6/::/tcp/9000",
			},
			PacketTimeout: 5 * time.Second,
			SendRetries:   3,
			RetryBackoff:  200 * time.Millisecond,
		},
		Peers: PeersConfig{
			ConnectionTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageBolt,
			Path:    "itbft-state.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9100",
		},
		Logging: LoggingConfig{
			Level:         "info",
			ConsoleOutput: true,
		},
	}
}
