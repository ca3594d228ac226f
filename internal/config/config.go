package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/zippyeats/voicelink/internal/proto"
	"github.com/zippyeats/voicelink/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Media    Media    `json:"media"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	Paths    Paths    `json:"paths"`
}

// Identity is the party running this node: a customer or a delivery partner.
type Identity struct {
	KeyFile     string     `json:"key_file"` // libp2p identity key, created on first run
	UserID      string     `json:"user_id"`  // marketplace account id
	DisplayName string     `json:"display_name"`
	Role        proto.Role `json:"role"` // customer | delivery_partner
}

type P2P struct {
	ListenPort int    `json:"listen_port"` // 0 = random
	MdnsTag    string `json:"mdns_tag"`
}

type Media struct {
	StunServers []string `json:"stun_servers"`
}

// Relay configures the secondary push-signaling path for backgrounded
// delivery. Empty URL disables it; everything still works over the
// primary transport, minus background invitations.
type Relay struct {
	URL string `json:"url"` // e.g. "wss://relay.zippyeats.com/signaling"
}

type Call struct {
	// Seconds an unanswered outbound call rings before it is marked missed.
	RingTimeoutSec int `json:"ring_timeout_sec"`
}

type Paths struct {
	DataDir string `json:"data_dir"` // call record DB and identity key live here
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			Role:    proto.RoleCustomer,
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
		},
		Media: Media{
			StunServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Relay: Relay{URL: ""},
		Call:  Call{RingTimeoutSec: 30},
		Paths: Paths{DataDir: "data"},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if !c.Identity.Role.Valid() {
		return fmt.Errorf("identity.role must be %q or %q", proto.RoleCustomer, proto.RoleDeliveryPartner)
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if len(c.Media.StunServers) == 0 {
		return errors.New("media.stun_servers must not be empty")
	}
	for _, s := range c.Media.StunServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("media.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	if r := strings.TrimSpace(c.Relay.URL); r != "" {
		u, err := url.Parse(r)
		if err != nil {
			return fmt.Errorf("relay.url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("relay.url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("relay.url missing host")
		}
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_sec must be > 0")
	}

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The default config fails validation until
// identity.user_id is filled in, so a fresh file is written unvalidated.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
