package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/internal/keys"
	"itbft/internal/types"
	consensustypes "itbft/pkg/consensus/types"
)

func publicKey(t *testing.T, km *keys.KeyManager) string {
	t.Helper()
	priv, err := km.GeneratePrivateKey()
	require.NoError(t, err)
	pub, err := km.GetPublicKey(priv)
	require.NoError(t, err)
	return pub
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	manager := NewManager(keys.NewKeyManager())
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := manager.LoadConfig(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.NotEmpty(t, cfg.Node.PrivateKey, "identity is generated")

	again, err := manager.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node.PrivateKey, again.Node.PrivateKey, "generated key is persisted")
}

func TestLoadConfigFourMembers(t *testing.T) {
	km := keys.NewKeyManager()
	manager := NewManager(km)
	path := filepath.Join(t.TempDir(), "config.yaml")

	priv, err := km.GeneratePrivateKey()
	require.NoError(t, err)

	content := fmt.Sprintf(`
node:
  chain_id: 2
  private_key: "%s"
consensus:
  nodes: 4
  fault_tolerance: 1
  view_timeout: 2s
  abort_check_interval: 50ms
network:
  addresses:
    - "/ip4/0.0.0.0/tcp/9002"
  packet_timeout: 3s
peers:
  connection_timeout: 10s
  members:
    - chain_id: 1
      public_key: "%s"
      addresses: ["/ip4/127.0.0.1/tcp/9001"]
    - chain_id: 3
      public_key: "%s"
      addresses: ["/ip4/127.0.0.1/tcp/9003"]
    - chain_id: 4
      public_key: "%s"
      addresses: ["/dns4/node-4/tcp/9004"]
storage:
  backend: file
  path: state.cbor
logging:
  level: debug
`, priv, publicKey(t, km), publicKey(t, km), publicKey(t, km))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := manager.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), cfg.Node.ChainID)
	assert.Equal(t, 2*time.Second, cfg.Consensus.ViewTimeout)
	assert.Equal(t, 3*time.Second, cfg.Network.PacketTimeout)
	assert.Equal(t, 3, cfg.Network.SendRetries, "unset fields keep their defaults")
	assert.Len(t, cfg.Peers.Members, 3)
	assert.Equal(t, types.StorageFile, cfg.Storage.Backend)

	cc, err := ConsensusConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, consensustypes.NodeID(2), cc.Self)
	assert.Equal(t, 3, cc.QuorumThreshold())
	assert.Equal(t, 2*time.Second, cc.ViewTimeout)
}

func TestLoadConfigRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: [unterminated"), 0600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	km := keys.NewKeyManager()
	manager := NewManager(km)

	valid := func() *types.Config {
		cfg := types.DefaultConfig()
		cfg.Consensus.Nodes, cfg.Consensus.FaultTolerance = 4, 1
		for id := uint16(2); id <= 4; id++ {
			cfg.Peers.Members = append(cfg.Peers.Members, types.Member{
				ChainID:   id,
				PublicKey: publicKey(t, km),
				Addresses: []string{fmt.Sprintf("/ip4/127.0.0.1/tcp/900%d", id)},
			})
		}
		return cfg
	}
	require.NoError(t, manager.ValidateConfig(valid()))
	assert.Error(t, manager.ValidateConfig(nil))

	tests := []struct {
		name   string
		mutate func(*types.Config)
	}{
		{"bad private key", func(c *types.Config) { c.Node.PrivateKey = "AAAA" }},
		{"chain id zero", func(c *types.Config) { c.Node.ChainID = 0 }},
		{"chain id beyond membership", func(c *types.Config) { c.Node.ChainID = 5 }},
		{"too many faults", func(c *types.Config) { c.Consensus.FaultTolerance = 2 }},
		{"tiny view timeout", func(c *types.Config) { c.Consensus.ViewTimeout = time.Millisecond }},
		{"abort interval above timeout", func(c *types.Config) { c.Consensus.AbortCheckInterval = time.Minute }},
		{"no listen address", func(c *types.Config) { c.Network.Addresses = nil }},
		{"bad listen address", func(c *types.Config) { c.Network.Addresses = []string{"127.0.0.1:9000"} }},
		{"zero packet timeout", func(c *types.Config) { c.Network.PacketTimeout = 0 }},
		{"short connection timeout", func(c *types.Config) { c.Peers.ConnectionTimeout = time.Millisecond }},
		{"missing member", func(c *types.Config) { c.Peers.Members = c.Peers.Members[:2] }},
		{"unknown storage backend", func(c *types.Config) { c.Storage.Backend = "redis" }},
		{"bolt without path", func(c *types.Config) { c.Storage.Path = "" }},
		{"metrics without address", func(c *types.Config) { c.Metrics.Enabled, c.Metrics.Address = true, "" }},
		{"unknown log level", func(c *types.Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, manager.ValidateConfig(cfg))
		})
	}
}
