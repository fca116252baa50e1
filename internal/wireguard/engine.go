// Package wireguard wires the WireGuard Engine component: a
// golang.zx2c4.com/wireguard/device.Device bound to the Virtual Datalink
// on one side and a kernel UDP socket on the other, configured over the
// same UAPI text protocol wg(8)/wg-quick use.
package wireguard

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
)

// PeerConfig describes one statically configured remote peer. Allowed IPs
// are fixed at 0.0.0.0/0 and ::/0 for every peer: the Virtual Datalink has
// no routing table of its own, so which peer a given destination belongs
// to is decided entirely by which session produced it, not by prefix
// matching (spec Non-goal: no multi-peer destination routing).
type PeerConfig struct {
	PublicKey    string
	PresharedKey string
	Endpoint     string
	KeepaliveSec int
}

// EngineConfig configures the WireGuard Engine.
type EngineConfig struct {
	PrivateKey string
	ListenPort int
	Peers      []PeerConfig
}

// Engine is the WireGuard Engine: it owns the device.Device performing the
// Noise handshake and transport encryption, reading and writing plaintext
// packets through a tun.Device (the Virtual Datalink) and ciphertext
// datagrams through a conn.Bind (a kernel UDP socket).
type Engine struct {
	dev *device.Device
}

// New constructs the engine over datalink (the tun.Device side of the
// Virtual Datalink) and configures it from cfg via the UAPI text protocol.
// The device is not yet running; call Up to begin processing.
func New(datalink tun.Device, cfg EngineConfig, logger *slog.Logger) (*Engine, error) {
	dlog := newDeviceLogger(logger)
	dev := device.NewDevice(datalink, conn.NewDefaultBind(), dlog)

	ipc, err := buildIPCConfig(cfg)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("wireguard: build config: %w", err)
	}
	if err := dev.IpcSet(ipc); err != nil {
		dev.Close()
		return nil, fmt.Errorf("wireguard: apply config: %w", err)
	}

	return &Engine{dev: dev}, nil
}

// Up starts handshake and transport processing.
func (e *Engine) Up() error {
	if err := e.dev.Up(); err != nil {
		return fmt.Errorf("wireguard: up: %w", err)
	}
	return nil
}

// Close tears down the device, including its UDP bind. device.Device.Close
// also closes its tun.Device, so the Virtual Datalink is closed here too;
// Datalink.Close is idempotent, so the owner closing it again is harmless.
func (e *Engine) Close() error {
	e.dev.Close()
	return nil
}

// Stats returns the raw UAPI get output (peer public keys, handshake
// times, transfer counters) for diagnostics.
func (e *Engine) Stats() (string, error) {
	var sb strings.Builder
	if err := e.dev.IpcGetOperation(&sb); err != nil {
		return "", fmt.Errorf("wireguard: get stats: %w", err)
	}
	return sb.String(), nil
}

func buildIPCConfig(cfg EngineConfig) (string, error) {
	privHex, err := base64KeyToHex(cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("private_key: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "private_key=%s\n", privHex)
	fmt.Fprintf(&sb, "listen_port=%d\n", cfg.ListenPort)
	fmt.Fprintf(&sb, "replace_peers=true\n")

	for _, p := range cfg.Peers {
		pubHex, err := base64KeyToHex(p.PublicKey)
		if err != nil {
			return "", fmt.Errorf("peer public_key: %w", err)
		}
		fmt.Fprintf(&sb, "public_key=%s\n", pubHex)
		if p.PresharedKey != "" {
			pskHex, err := base64KeyToHex(p.PresharedKey)
			if err != nil {
				return "", fmt.Errorf("peer preshared_key: %w", err)
			}
			fmt.Fprintf(&sb, "preshared_key=%s\n", pskHex)
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&sb, "endpoint=%s\n", p.Endpoint)
		}
		if p.KeepaliveSec > 0 {
			fmt.Fprintf(&sb, "persistent_keepalive_interval=%d\n", p.KeepaliveSec)
		}
		fmt.Fprintf(&sb, "allowed_ip=0.0.0.0/0\n")
		fmt.Fprintf(&sb, "allowed_ip=::/0\n")
	}

	return sb.String(), nil
}

func base64KeyToHex(b64 string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	if len(key) != 32 {
		return "", fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return hex.EncodeToString(key), nil
}

// newDeviceLogger adapts log/slog to the wireguard-go device.Logger
// signature, which takes printf-style verbose/error log functions rather
// than a structured logging interface.
func newDeviceLogger(logger *slog.Logger) *device.Logger {
	if logger == nil {
		return device.NewLogger(device.LogLevelError, "")
	}
	return &device.Logger{
		Verbosef: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		},
		Errorf: func(format string, args ...any) {
			logger.Error(fmt.Sprintf(format, args...))
		},
	}
}
