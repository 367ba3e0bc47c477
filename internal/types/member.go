package types

import (
	"encoding/base64"
	"fmt"

	"github.com/multiformats/go-multiaddr"
)

const (
	// MaxAddresses defines the maximum number of addresses per member
	MaxAddresses = 10
	// MinAddresses defines the minimum number of addresses per member
	MinAddresses = 1
	// PublicKeySize is the decoded length of a member public key
	PublicKeySize = 32
)

// Member is one participant of the agreement: its chain id, identity key and
// the addresses it listens on.
type Member struct {
	ChainID   uint16   `yaml:"chain_id" json:"chain_id"`
	PublicKey string   `yaml:"public_key" json:"public_key"`
	Addresses []string `yaml:"addresses" json:"addresses"`
}

// Validate validates the member data format and constraints
func (m *Member) Validate() error {
	if m.ChainID == 0 {
		return fmt.Errorf("chain id must be at least 1")
	}
	if err := validatePublicKey(m.PublicKey); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if err := m.validateAddresses(); err != nil {
		return fmt.Errorf("invalid addresses: %w", err)
	}
	return nil
}

func validatePublicKey(key string) error {
	if key == "" {
		return fmt.Errorf("public key cannot be empty")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("public key must be valid base64: %w", err)
	}
	if len(decoded) != PublicKeySize {
		return fmt.Errorf("public key must be %d bytes when decoded, got %d bytes", PublicKeySize, len(decoded))
	}
	return nil
}

func (m *Member) validateAddresses() error {
	if len(m.Addresses) < MinAddresses {
		return fmt.Errorf("member must have at least %d address", MinAddresses)
	}
	if len(m.Addresses) > MaxAddresses {
		return fmt.Errorf("member cannot have more than %d addresses", MaxAddresses)
	}
	for i, addr := range m.Addresses {
		if _, err := ParseAddress(addr); err != nil {
			return fmt.Errorf("address %d is invalid: %w", i, err)
		}
	}
	return nil
}

// Multiaddrs parses the member addresses.
func (m *Member) Multiaddrs() ([]multiaddr.Multiaddr, error) {
	addrs := make([]multiaddr.Multiaddr, 0, len(m.Addresses))
	for _, s := range m.Addresses {
		addr, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// ParseAddress parses a dialable multiaddr: an ip4, ip6 or dns host followed by tcp.
func ParseAddress(s string) (multiaddr.Multiaddr, error) {
	if s == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	addr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("invalid multiaddr %q: %w", s, err)
	}

	hasHost := false
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6} {
		if _, err := addr.ValueForProtocol(code); err == nil {
			hasHost = true
			break
		}
	}
	if !hasHost {
		return nil, fmt.Errorf("multiaddr %q has no ip or dns component", s)
	}
	if _, err := addr.ValueForProtocol(multiaddr.P_TCP); err != nil {
		return nil, fmt.Errorf("multiaddr %q has no tcp component", s)
	}
	return addr, nil
}

// String returns a string representation of the member
func (m *Member) String() string {
	key := m.PublicKey
	if len(key) > 8 {
		key = key[:8] + "..."
	}
	return fmt.Sprintf("Member{ChainID: %d, PublicKey: %s, Addresses: %v}", m.ChainID, key, m.Addresses)
}

// HasAddress checks if the member has a specific address
func (m *Member) HasAddress(address string) bool {
	for _, addr := range m.Addresses {
		if addr == address {
			return true
		}
	}
	return false
}

// ValidateMembers checks a membership of n nodes: every chain id in 1..n appears
// at most once and no public key is shared. Members other than self must be listed.
func ValidateMembers(members []Member, n uint32, self uint16) error {
	seenIDs := make(map[uint16]bool, len(members))
	seenKeys := make(map[string]uint16, len(members))

	for i := range members {
		m := &members[i]
		if err := m.Validate(); err != nil {
			return fmt.Errorf("member %d: %w", i, err)
		}
		if uint32(m.ChainID) > n {
			return fmt.Errorf("member %d: chain id %d exceeds membership size %d", i, m.ChainID, n)
		}
		if seenIDs[m.ChainID] {
			return fmt.Errorf("duplicate chain id %d", m.ChainID)
		}
		if other, ok := seenKeys[m.PublicKey]; ok {
			return fmt.Errorf("chain ids %d and %d share a public key", other, m.ChainID)
		}
		seenIDs[m.ChainID] = true
		seenKeys[m.PublicKey] = m.ChainID
	}

	for id := uint32(1); id <= n; id++ {
		if uint16(id) != self && !seenIDs[uint16(id)] {
			return fmt.Errorf("member with chain id %d is missing", id)
		}
	}
	return nil
}
