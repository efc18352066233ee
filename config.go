package hubsync

import (
	"errors"
	"os"
	"time"

	"github.com/eljojo/hubsync/diff"
	"github.com/eljojo/hubsync/discovery"
	"github.com/eljojo/hubsync/identity"
	"github.com/eljojo/hubsync/session"
)

// DefaultHTTPAddr is where the hub serves /ws, /metrics and /api.
const DefaultHTTPAddr = ":7410"

// HubConfig configures a HubServer.
type HubConfig struct {
	Name       string // announced over discovery
	HTTPAddr   string
	SocketPath string // optional unix socket for same-host nodes
	PublicURL  string // websocket URL nodes should dial; derived when empty
	DataDir    string // pebble directory; empty keeps trees in memory
	Secret     string // seals stored trees when set

	MQTT discovery.Config // announcement is skipped without a broker

	Watch []string // targets whose node events are re-raised to OnEvent

	Policy          diff.FirstContactPolicy
	Correlation     session.CorrelationMode
	IdentityTimeout time.Duration
	Debounce        time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.Name == "" {
		c.Name = "hub"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "hubsync-hub-" + c.Name
	}
	return c
}

// NodeConfig configures a LocalNode. The hub is reached through the first of
// HubURL, SocketPath or a discovery lookup of HubName.
type NodeConfig struct {
	Identity   identity.Identity
	HubURL     string
	SocketPath string
	HubName    string
	MQTT       discovery.Config

	Correlation session.CorrelationMode
	Verify      bool // check for version drift against the hub after every resync
	Timeout     time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Software    string
}

func (c NodeConfig) withDefaults() NodeConfig {
	if c.HubName == "" {
		c.HubName = "hub"
	}
	if c.Timeout <= 0 {
		c.Timeout = session.DefaultTimeout
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "hubsync-node-" + c.Identity.Name.String()
	}
	return c
}

func (c NodeConfig) validate() error {
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if c.HubURL == "" && c.SocketPath == "" && c.MQTT.Broker == "" {
		return errors.New("no way to reach the hub: set a hub url, a socket path or an mqtt broker")
	}
	return nil
}

// GetEnv returns the environment variable key, or fallback when unset.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
