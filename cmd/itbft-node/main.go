package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"itbft/internal/config"
	"itbft/internal/keys"
	"itbft/internal/logger"
	"itbft/internal/metrics"
	"itbft/internal/network"
	"itbft/internal/storage"
	"itbft/internal/types"
	"itbft/pkg/consensus/engine"
	"itbft/pkg/consensus/events"
	"itbft/pkg/consensus/integration"
	ctypes "itbft/pkg/consensus/types"
)

const defaultConfigPath = "conf.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to the node configuration file")
	input := flag.String("input", "", "Value this node proposes")
	wait := flag.Bool("exit-on-decision", false, "Exit once a value is decided")
	flag.Parse()

	if err := run(*configPath, *input, *wait); err != nil {
		fmt.Fprintf(os.Stderr, "itbft-node: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, input string, exitOnDecision bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(loggerConfig(&cfg.Logging)); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Get().Close()
	log := logger.Component("node")
	log.Info().
		Uint16("chain_id", cfg.Node.ChainID).
		Uint32("nodes", cfg.Consensus.Nodes).
		Uint32("fault_tolerance", cfg.Consensus.FaultTolerance).
		Str("config", configPath).
		Msg("ITBFT node starting with config")

	consensusConfig, err := config.ConsensusConfig(cfg)
	if err != nil {
		return err
	}

	privateKey, err := keys.NewKeyManager().DecodePrivateKey(cfg.Node.PrivateKey)
	if err != nil {
		return err
	}
	h, err := network.NewHost(&cfg.Network, privateKey, logger.Component("host"))
	if err != nil {
		return err
	}
	transport, err := network.NewTransport(h, network.TransportConfig{
		Members:           cfg.Peers.Members,
		ConnectionTimeout: cfg.Peers.ConnectionTimeout,
		ReplyTimeout:      cfg.Network.PacketTimeout,
	}, logger.Component("transport"))
	if err != nil {
		h.Close()
		return err
	}
	for _, addr := range transport.Addrs() {
		log.Info().Str("address", addr.String()).Msg("Listening addresses")
	}

	store, err := storage.Open(&cfg.Storage)
	if err != nil {
		transport.Close()
		return err
	}
	defer store.Close()

	var tracer events.EventTracer = &events.NoOpEventTracer{}
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		tracer = metrics.NewRecorder(registry)
		metricsServer = metrics.NewServer(cfg.Metrics.Address, registry, logger.Component("metrics"))
		metricsServer.Start()
	}

	nodeConfig := integration.DefaultNodeConfig(consensusConfig)
	nodeConfig.Channels = transport.Channels()
	nodeConfig.PacketTimeout = cfg.Network.PacketTimeout
	nodeConfig.SendRetries = cfg.Network.SendRetries
	nodeConfig.RetryBackoff = cfg.Network.RetryBackoff
	nodeConfig.AbortCheckInterval = cfg.Consensus.AbortCheckInterval
	nodeConfig.EventTracer = tracer
	nodeConfig.Logger = logger.Component("consensus")

	node, err := integration.NewNode(nodeConfig, transport, store, engine.SystemClock{})
	if err != nil {
		transport.Close()
		return err
	}
	if err := node.Start(); err != nil {
		transport.Close()
		return err
	}
	log.Info().Msg("Node started successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if input != "" {
		if err := node.Propose(ctx, ctypes.Value(input)); err != nil {
			log.Error().Err(err).Msg("Failed to start the first view")
		}
	}

	go func() {
		value, err := node.WaitDecision(ctx)
		if err != nil {
			return
		}
		log.Info().Str("value", string(value)).Msg("Value decided")
		if exitOnDecision {
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	return node.Stop()
}

func loggerConfig(cfg *types.LoggingConfig) logger.Config {
	return logger.Config{
		ConsoleOutput: cfg.ConsoleOutput,
		ConsoleColor:  cfg.ConsoleColor,
		FileOutput:    cfg.FileOutput,
		FileName:      cfg.FileName,
		FileMaxSize:   cfg.FileMaxSize,
		Level:         cfg.Level,
	}
}
