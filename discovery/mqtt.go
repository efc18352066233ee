// Package discovery lets nodes find the hub through an MQTT broker.
//
// The hub publishes a retained announcement on hubsync/hub/<name>; nodes
// subscribe to hubsync/hub/+ and learn the websocket URL to dial. Retained
// messages mean a node that starts after the hub still sees it at once.
package discovery

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eljojo/hubsync/runtime"
)

// TopicPrefix is where hubs announce themselves.
const TopicPrefix = "hubsync/hub/"

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Config is how to reach the broker.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
}

func (c Config) validate() error {
	if c.Broker == "" {
		return errors.New("mqtt broker address required")
	}
	if c.ClientID == "" {
		return errors.New("mqtt client id required")
	}
	return nil
}

// Topic returns the announcement topic for a hub.
func Topic(hub string) string {
	return TopicPrefix + hub
}

func newClient(cfg Config, log *runtime.ServiceLog, onConnect mqtt.OnConnectHandler) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.OnConnect = onConnect
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		log.Warn("MQTT connection lost: %v", err)
	}
	return mqtt.NewClient(opts)
}

// wait blocks on token and turns a timeout into an error.
func wait(token mqtt.Token, timeout time.Duration, what string) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%s: timed out after %v", what, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
