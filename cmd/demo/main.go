// Command demo runs a minimal tunnel that echoes back whatever an
// intercepted TCP client sends it, demonstrating how an embedding
// application drives internal/tunnel: load configuration, start the
// tunnel with connection and datagram handlers, and shut down cleanly on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/sbromt/mitmproxy-go/internal/bridge"
	"github.com/sbromt/mitmproxy-go/internal/config"
	"github.com/sbromt/mitmproxy-go/internal/tunnel"
	"github.com/sbromt/mitmproxy-go/internal/wireguard/keys"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	privateKey, publicKey, err := keys.GenerateKeyPair()
	if err != nil {
		log.Fatalf("failed to generate server keys: %v", err)
	}
	slog.Info("generated tunnel identity", "public_key", publicKey)

	var peers []tunnel.PeerConfig
	if peerKey := os.Getenv("VPN_PEER_PUBLIC_KEY"); peerKey != "" {
		if err := keys.ValidatePublicKey(peerKey); err != nil {
			log.Fatalf("invalid VPN_PEER_PUBLIC_KEY: %v", err)
		}
		peers = append(peers, tunnel.PeerConfig{
			PublicKey: peerKey,
			Endpoint:  os.Getenv("VPN_PEER_ENDPOINT"),
		})
	}

	srv, err := tunnel.Start(tunnel.Config{
		Name:       cfg.Name,
		PrivateKey: privateKey,
		ListenPort: cfg.ListenPort,
		Peers:      peers,
		MTU:        cfg.MTU,
		QueueLen:   cfg.QueueLen,
	}, handleConn, handleDatagram)
	if err != nil {
		log.Fatalf("failed to start tunnel: %v", err)
	}
	slog.Info("tunnel running", "listen_port", cfg.ListenPort, "peers", len(peers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("error stopping tunnel", "error", err)
	}
	slog.Info("tunnel shutdown complete")
}

// handleConn echoes every byte read from the stream back to it until the
// peer closes its write half.
func handleConn(s *bridge.Stream) {
	defer s.Close()
	slog.Info("connection accepted", "id", s.ID(), "remote", s.RemoteAddr(), "local", s.LocalAddr())

	if _, err := io.Copy(s, s); err != nil && err != io.EOF {
		slog.Warn("connection echo failed", "id", s.ID(), "error", err)
	}
}

func handleDatagram(data []byte, src, dst netip.AddrPort) {
	slog.Info("datagram received", "src", src, "dst", dst, "len", len(data))
}
