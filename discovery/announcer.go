package discovery

import (
	"encoding/json"
	"errors"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eljojo/hubsync/runtime"
)

// Announcement is what a hub publishes about itself.
type Announcement struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (a Announcement) Validate() error {
	if a.Name == "" {
		return errors.New("announcement without a hub name")
	}
	if a.URL == "" {
		return errors.New("announcement without a url")
	}
	return nil
}

// Announcer keeps the hub's retained announcement on the broker. It
// republishes after every reconnect and clears the retained message on Stop.
type Announcer struct {
	cfg    Config
	self   Announcement
	client mqtt.Client
	log    *runtime.ServiceLog
}

func NewAnnouncer(cfg Config, self Announcement) *Announcer {
	return &Announcer{cfg: cfg, self: self, log: runtime.Log("discovery")}
}

func (a *Announcer) Name() string { return "announcer" }

func (a *Announcer) Start() error {
	if err := a.cfg.validate(); err != nil {
		return err
	}
	if err := a.self.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(a.self)
	if err != nil {
		return err
	}

	a.client = newClient(a.cfg, a.log, func(client mqtt.Client) {
		a.log.Info("connected to MQTT, announcing %s at %s", a.self.Name, a.self.URL)
		token := client.Publish(Topic(a.self.Name), 1, true, payload)
		if err := wait(token, publishTimeout, "announce"); err != nil {
			a.log.Warn("%v", err)
		}
	})
	return wait(a.client.Connect(), connectTimeout, "mqtt connect")
}

// Stop withdraws the announcement and disconnects.
func (a *Announcer) Stop() error {
	if a.client == nil {
		return nil
	}
	var err error
	if a.client.IsConnectionOpen() {
		err = wait(a.client.Publish(Topic(a.self.Name), 1, true, []byte{}), publishTimeout, "withdraw")
	}
	a.client.Disconnect(250)
	return err
}
