// Package p2p owns the libp2p host and the gossipsub router that the
// signaling transport publishes call topics on. One Node per party.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/zippyeats/voicelink/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems: dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	md   mdns.Service
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts a libp2p host with mDNS LAN discovery and a gossipsub router.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{Host: h, ps: ps, md: md}

	for _, a := range n.externalAddrs() {
		log.Printf("P2P: listening on %s/p2p/%s", a, n.ID())
	}

	return n, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// PubSub exposes the gossipsub router for the signaling transport.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.ps
}

func (n *Node) Close() error {
	_ = n.md.Close()
	return n.Host.Close()
}

// externalAddrs returns the host's multiaddresses filtered to exclude
// loopback and link-local addresses.
func (n *Node) externalAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}
