// Command registry-node is a thin harness wiring a registry.Node to a
// GRPCWireSender and an introspect.Server from environment configuration.
// It is deliberately minimal: configuration loading, lifecycle management,
// and health endpoints belong to external collaborators in a full
// deployment, not to this sample entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"svcregistry/internal/introspect"
	"svcregistry/internal/logging"
	"svcregistry/internal/registry"
)

func main() {
	logging.Init()

	peerID := os.Getenv("SVCREG_PEER_ID")
	if peerID == "" {
		peerID = fmt.Sprintf("peer-%d", time.Now().UnixNano())
	}
	gossipPort := envInt("SVCREG_GOSSIP_PORT", 6003)
	introspectPort := envInt("SVCREG_INTROSPECT_PORT", 6080)

	var bootstrapPeers []string
	if peers := os.Getenv("SVCREG_BOOTSTRAP_PEERS"); peers != "" {
		for _, p := range strings.Split(peers, ",") {
			bootstrapPeers = append(bootstrapPeers, strings.TrimSpace(p))
		}
	}

	cfg := registry.Config{
		Peer: registry.PeerConfig{
			PeerID:         peerID,
			GossipPort:     gossipPort,
			BootstrapPeers: bootstrapPeers,
		},
		Resolver: registry.ResolverConfig{Policy: registry.PolicyComposite},
	}.WithDefaults()

	logger := logging.New("node").WithPeer(peerID)

	wire := registry.NewGRPCWireSender(fmt.Sprintf(":%d", gossipPort))
	node := registry.NewNode(cfg, wire)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		logger.Error("failed to start registry node: %v", err)
		os.Exit(1)
	}

	introspectSrv := introspect.NewServer(node)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", introspectPort),
		Handler: introspectSrv.Router(),
	}

	logger.Info("online; gossip :%d, introspect :%d, bootstrap peers %d", gossipPort, introspectPort, len(bootstrapPeers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		node.Stop()
		cancel()
		os.Exit(0)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("introspect server error: %v", err)
	}
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
