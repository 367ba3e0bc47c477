// Package network implements the agreement transport over libp2p streams.
package network

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"itbft/internal/types"
)

// NewHost creates a libp2p host listening on the configured addresses with
// identity privateKey. A membership is small, so each peer is limited to a
// single connection.
func NewHost(config *types.NetworkConfig, privateKey crypto.PrivKey, logger zerolog.Logger) (host.Host, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: network config is nil", ErrInvalidConfig)
	}

	var opts []libp2p.Option
	if privateKey != nil {
		opts = append(opts, libp2p.Identity(privateKey))
	}
	opts = append(opts,
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
	)

	connManager, err := connmgr.NewConnManager(
		64,
		128,
		connmgr.WithGracePeriod(time.Minute),
		connmgr.WithSilencePeriod(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	opts = append(opts, libp2p.ConnectionManager(connManager))

	limits := rcmgr.PartialLimitConfig{
		System: rcmgr.ResourceLimits{
			Conns:         rcmgr.LimitVal(256),
			ConnsInbound:  rcmgr.LimitVal(128),
			ConnsOutbound: rcmgr.LimitVal(128),
		},
		PeerDefault: rcmgr.ResourceLimits{
			Conns:         rcmgr.LimitVal(1),
			ConnsInbound:  rcmgr.LimitVal(1),
			ConnsOutbound: rcmgr.LimitVal(1),
		},
	}
	resourceManager, err := rcmgr.NewResourceManager(rcmgr.NewFixedLimiter(limits.Build(rcmgr.DefaultLimits.AutoScale())))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}
	opts = append(opts, libp2p.ResourceManager(resourceManager))

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(config.Addresses))
	for _, s := range config.Addresses {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, s, err)
		}
		listenAddrs = append(listenAddrs, addr)
	}
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrs(listenAddrs...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	logger.Info().
		Str("peer_id", h.ID().String()).
		Interface("listen", h.Addrs()).
		Str("action", "host_created").
		Msg("Created libp2p host")
	return h, nil
}
