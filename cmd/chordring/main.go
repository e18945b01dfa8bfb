package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zde37/chordring/internal/api"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/pkg"
)

// node is one local peer and the server feeding it.
type node struct {
	peer   *chord.ChordPeer
	server *transport.Server
}

func main() {
	defaults := config.DefaultConfig()

	// Parse command-line flags
	host := flag.String("host", defaults.Host, "Host address to bind to")
	port := flag.Int("port", defaults.Port, "Port of the first local peer")
	localPeers := flag.Int("local-peers", defaults.LocalPeers, "Number of peers to run on consecutive ports")
	seed := flag.String("seed", "", "Seed peer address (host:port) to join an existing ring")
	httpPort := flag.Int("http-port", defaults.HTTPPort, "Port for the HTTP status API (0 disables)")
	adminPort := flag.Int("admin-port", defaults.AdminPort, "Port for the gRPC health service (0 disables)")
	interval := flag.Duration("interval", defaults.MaintenanceInterval, "Maintenance cycle period")
	rpcTimeout := flag.Duration("rpc-timeout", defaults.RPCTimeout, "Timeout for each peer RPC")
	fingerReply := flag.String("finger-reply", string(defaults.FingerReplyMode), "What fix-fingers does with a result (finger, successor, discard)")
	acceptMultiplier := flag.Int("accept-multiplier", defaults.AcceptMultiplier, "Concurrent accept loops per CPU")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format (json, console)")
	logFile := flag.String("log-file", "", "Also write logs to this rotating file")
	flag.Parse()

	// Create configuration
	cfg := &config.Config{
		Host:                *host,
		Port:                *port,
		HTTPPort:            *httpPort,
		AdminPort:           *adminPort,
		Seed:                *seed,
		LocalPeers:          *localPeers,
		MaintenanceInterval: *interval,
		RPCTimeout:          *rpcTimeout,
		FingerReplyMode:     config.FingerReplyMode(*fingerReply),
		AcceptMultiplier:    *acceptMultiplier,
		SmallMessageSize:    defaults.SmallMessageSize,
		LogLevel:            *logLevel,
		LogFormat:           *logFormat,
		LogFile:             *logFile,
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	pkg.SetGlobal(logger)

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("local_peers", cfg.LocalPeers).
		Str("seed", cfg.Seed).
		Dur("interval", cfg.MaintenanceInterval).
		Str("finger_reply", string(cfg.FingerReplyMode)).
		Msg("Starting chordring")

	hub := api.NewWebSocketHub(logger)
	pool := transport.NewBufferPool(cfg.SmallMessageSize)

	// Create every local peer and start serving before any join
	nodes := make([]*node, 0, cfg.LocalPeers)
	for i := 0; i < cfg.LocalPeers; i++ {
		peerCfg := cfg.ForPeer(i)

		peer, err := chord.NewChordPeer(peerCfg, transport.NewClient(peerCfg, pool, logger), logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create Chord peer")
			cleanup(nodes, nil, nil, logger)
			os.Exit(1)
		}
		if cfg.HTTPPort > 0 {
			peer.SetBroadcaster(hub)
		}

		server, err := transport.NewServer(peerCfg, peer, pool, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create peer server")
			cleanup(nodes, nil, nil, logger)
			os.Exit(1)
		}
		nodes = append(nodes, &node{peer: peer, server: server})

		if err := server.Start(); err != nil {
			logger.Error().Err(err).Str("address", peerCfg.Address()).Msg("Failed to start peer server")
			cleanup(nodes, nil, nil, logger)
			os.Exit(1)
		}
	}

	// Join
	for i, n := range nodes {
		seedAddr := seedFor(i, cfg, nodes)
		if seedAddr == "" {
			logger.Info().
				Str("peer", n.peer.Address().Address()).
				Msg("Creating new Chord ring")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout)
		err := n.peer.Join(ctx, seedAddr)
		cancel()
		if err != nil {
			logger.Error().
				Err(err).
				Str("peer", n.peer.Address().Address()).
				Str("seed", seedAddr).
				Msg("Failed to join Chord ring")
			cleanup(nodes, nil, nil, logger)
			os.Exit(1)
		}
	}

	for _, n := range nodes {
		n.peer.Start()
	}

	ringPeers := make([]api.RingPeer, 0, len(nodes))
	for _, n := range nodes {
		ringPeers = append(ringPeers, n.peer)
	}

	// Create HTTP API server
	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(ringPeers, hub, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create HTTP API server")
			cleanup(nodes, nil, nil, logger)
			os.Exit(1)
		}
		if err := httpServer.Start(cfg.HTTPPort); err != nil {
			logger.Error().Err(err).Msg("Failed to start HTTP API server")
			cleanup(nodes, nil, nil, logger)
			os.Exit(1)
		}
	}

	// Create gRPC health server
	var healthServer *api.HealthServer
	if cfg.AdminPort > 0 {
		healthServer, err = api.NewHealthServer(ringPeers, time.Second, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create gRPC health server")
			cleanup(nodes, httpServer, nil, logger)
			os.Exit(1)
		}
		if err := healthServer.Start(cfg.AdminPort); err != nil {
			logger.Error().Err(err).Msg("Failed to start gRPC health server")
			cleanup(nodes, httpServer, healthServer, logger)
			os.Exit(1)
		}
	}

	logger.Info().Int("peers", len(nodes)).Msg("chordring is ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	cleanup(nodes, httpServer, healthServer, logger)

	logger.Info().Msg("chordring shutdown complete")
}

// seedFor returns the address peer i joins through, or "" to start a ring.
// With an external seed the first peer joins it and each later peer joins
// its predecessor in port order. Without one, local peers join each other:
// 0 via 1, 1 via 0, then i via i-2.
func seedFor(i int, cfg *config.Config, nodes []*node) string {
	if cfg.Seed != "" {
		if i == 0 {
			return cfg.Seed
		}
		return nodes[i-1].peer.Address().Address()
	}
	if len(nodes) < 2 {
		return ""
	}
	switch i {
	case 0:
		return nodes[1].peer.Address().Address()
	case 1:
		return nodes[0].peer.Address().Address()
	default:
		return nodes[i-2].peer.Address().Address()
	}
}

// cleanup performs graceful shutdown of all components
func cleanup(nodes []*node, httpServer *api.Server, healthServer *api.HealthServer, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	// Stop maintenance first so no new RPCs start
	for _, n := range nodes {
		if err := n.peer.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Error shutting down Chord peer")
		}
	}

	if healthServer != nil {
		healthServer.Refresh()
		healthServer.Stop()
	}

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	for _, n := range nodes {
		if err := n.server.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping peer server")
		}
	}
}
