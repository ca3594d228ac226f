// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zippyeats/voicelink/internal/call"
	"github.com/zippyeats/voicelink/internal/callstore"
	"github.com/zippyeats/voicelink/internal/config"
	"github.com/zippyeats/voicelink/internal/notify"
	"github.com/zippyeats/voicelink/internal/p2p"
	"github.com/zippyeats/voicelink/internal/proto"
	"github.com/zippyeats/voicelink/internal/pushrelay"
	"github.com/zippyeats/voicelink/internal/signal"
	"github.com/zippyeats/voicelink/internal/util"
)

var (
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
	configPath = flag.String("config", "voicelink.json", "Path to config file")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("VoiceLink v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	absCfg, err := filepath.Abs(*configPath)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}
	cfg, created, err := config.Ensure(absCfg)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if created {
		log.Printf("MAIN: wrote default config to %s, fill in identity and start again", absCfg)
		return
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, absCfg, cfg); err != nil {
		log.Fatalf("MAIN: %v", err)
	}
}

func run(ctx context.Context, cfgPath string, cfg config.Config) error {
	baseDir := filepath.Dir(cfgPath)
	keyFile := util.ResolvePath(baseDir, cfg.Identity.KeyFile)
	dataDir := util.ResolvePath(baseDir, cfg.Paths.DataDir)

	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyFile, cfg.P2P.MdnsTag)
	if err != nil {
		return fmt.Errorf("p2p node: %w", err)
	}
	defer node.Close()

	store, err := callstore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("call store: %w", err)
	}
	defer store.Close()

	bus := signal.NewPubSubBus(node.PubSub(), cfg.Identity.UserID)
	defer bus.Close()

	var relay *pushrelay.Client
	if cfg.Relay.URL != "" {
		relay = pushrelay.New(cfg.Relay.URL, cfg.Identity.UserID, cfg.Identity.DisplayName)
		if err := relay.Login(ctx); err != nil {
			// The p2p topic path still works; only backgrounded wakeups
			// are degraded.
			log.Printf("MAIN: push relay login failed, continuing without: %v", err)
			relay = nil
		} else {
			defer relay.Logout()
		}
	}

	timing := call.DefaultTiming()
	if cfg.Call.RingTimeoutSec > 0 {
		timing.MissedCall = time.Duration(cfg.Call.RingTimeoutSec) * time.Second
	}

	sink := &call.DiscardSink{}
	mgr := call.NewManager(
		call.Identity{ID: cfg.Identity.UserID, Name: cfg.Identity.DisplayName, Role: cfg.Identity.Role},
		store, bus,
		call.Options{
			OpenMedia:    call.OpenMicrophone,
			NewTransport: call.NewPionTransport(cfg.Media.StunServers, sink),
			Cues:         call.LogCues{},
			Relay:        relay,
			Timing:       timing,
		},
	)
	mgr.OnState(printState)

	var backgrounded atomic.Bool
	registry := notify.NewRegistry()
	listener := call.NewListener(cfg.Identity.UserID, mgr, store, bus, call.ListenerOptions{
		Presenter:    notify.LogPresenter{},
		Registry:     registry,
		Backgrounded: backgrounded.Load,
		Relay:        relay,
		OfferWait:    timing.MissedCall,
	})
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	defer listener.Stop()

	watcher, err := config.Watch(cfgPath, func(next config.Config) {
		// Identity, transport and storage are bound at startup; log so
		// the operator knows a restart is needed for those.
		log.Printf("CONFIG: %s changed on disk, restart to apply identity/p2p changes", cfgPath)
		_ = next
	})
	if err != nil {
		log.Printf("MAIN: config watch unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	log.Printf("MAIN: %s (%s) online as peer %s", cfg.Identity.DisplayName, cfg.Identity.Role, node.ID())
	return commandLoop(ctx, mgr, registry, &backgrounded, cfg.Identity.Role)
}

// commandLoop drives the node from stdin until EOF or shutdown.
func commandLoop(ctx context.Context, mgr *call.Manager, registry *notify.Registry, backgrounded *atomic.Bool, selfRole proto.Role) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "call":
				if len(fields) < 2 {
					fmt.Println("usage: call <receiver-user-id> [display-name]")
					continue
				}
				name := strings.Join(fields[2:], " ")
				if err := mgr.StartCall(ctx, fields[1], name, counterpart(selfRole)); err != nil {
					fmt.Printf("call failed: %v\n", err)
				}
			case "answer":
				if err := mgr.AnswerCall(ctx); err != nil {
					fmt.Printf("answer failed: %v\n", err)
				}
			case "decline":
				if err := mgr.DeclineCall(ctx); err != nil {
					fmt.Printf("decline failed: %v\n", err)
				}
			case "end":
				if err := mgr.EndCall(ctx); err != nil {
					fmt.Printf("end failed: %v\n", err)
				}
			case "mute":
				if err := mgr.ToggleMute(); err != nil {
					fmt.Printf("mute failed: %v\n", err)
				}
			case "speaker":
				if err := mgr.ToggleSpeaker(); err != nil {
					fmt.Printf("speaker failed: %v\n", err)
				}
			case "bg":
				backgrounded.Store(true)
				fmt.Println("app backgrounded: incoming calls raise alerts")
			case "fg":
				backgrounded.Store(false)
				fmt.Println("app foregrounded")
			case "notif":
				// Simulates tapping an alert action: notif answer <call-id>
				if len(fields) < 3 {
					fmt.Println("usage: notif <answer|decline> <call-id>")
					continue
				}
				if !registry.Dispatch(fields[2], notify.Action(fields[1])) {
					fmt.Printf("no alert registered for %s\n", fields[2])
				}
			case "quit", "exit":
				return nil
			default:
				fmt.Printf("unknown command %q\n", fields[0])
			}
		}
	}
}

func printState(st call.State) {
	switch {
	case st.Err != "":
		fmt.Printf("[call] %s: %s\n", st.Status, st.Err)
	case st.Status == call.StatusOngoing:
		mute := ""
		if st.Muted {
			mute = " (muted)"
		}
		fmt.Printf("[call] ongoing %02d:%02d%s\n", st.Elapsed/60, st.Elapsed%60, mute)
	case st.Status == call.StatusCalling && st.RemoteAlerting:
		fmt.Printf("[call] ringing on %s's device\n", st.PeerName)
	default:
		fmt.Printf("[call] %s\n", st.Status)
	}
}

// counterpart maps a caller role to the role it calls: customers call
// delivery partners and vice versa.
func counterpart(r proto.Role) proto.Role {
	if r == proto.RoleCustomer {
		return proto.RoleDeliveryPartner
	}
	return proto.RoleCustomer
}

func showUsage() {
	fmt.Println("VoiceLink, peer-to-peer voice calls between customers and delivery partners.")
	fmt.Println()
	fmt.Println("Usage: voicelink [-config path]")
	fmt.Println()
	fmt.Println("Interactive commands:")
	fmt.Println("  call <receiver-user-id> [name]  dial a peer")
	fmt.Println("  answer | decline                act on a ringing call")
	fmt.Println("  end                             hang up")
	fmt.Println("  mute | speaker                  toggle controls")
	fmt.Println("  bg | fg                         simulate app background state")
	fmt.Println("  notif <answer|decline> <id>     act on a background alert")
	fmt.Println("  quit")
}
