package discovery

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eljojo/hubsync/runtime"
)

// Browser tracks every hub announced on the broker.
type Browser struct {
	cfg    Config
	client mqtt.Client
	log    *runtime.ServiceLog

	mu      sync.Mutex
	hubs    map[string]Announcement
	changed chan struct{} // closed and replaced on every update
}

func NewBrowser(cfg Config) *Browser {
	return &Browser{
		cfg:     cfg,
		log:     runtime.Log("discovery"),
		hubs:    make(map[string]Announcement),
		changed: make(chan struct{}),
	}
}

func (b *Browser) Name() string { return "browser" }

func (b *Browser) Start() error {
	if err := b.cfg.validate(); err != nil {
		return err
	}
	b.client = newClient(b.cfg, b.log, func(client mqtt.Client) {
		b.log.Info("connected to MQTT, browsing for hubs")
		token := client.Subscribe(TopicPrefix+"+", 1, func(_ mqtt.Client, msg mqtt.Message) {
			b.handle(msg.Topic(), msg.Payload())
		})
		if err := wait(token, publishTimeout, "subscribe"); err != nil {
			b.log.Warn("%v", err)
		}
	})
	return wait(b.client.Connect(), connectTimeout, "mqtt connect")
}

func (b *Browser) Stop() error {
	if b.client != nil {
		b.client.Disconnect(250)
	}
	return nil
}

func (b *Browser) handle(topic string, payload []byte) {
	name := strings.TrimPrefix(topic, TopicPrefix)
	if len(payload) == 0 {
		b.update(func() {
			if _, ok := b.hubs[name]; ok {
				b.log.Info("hub %s withdrew", name)
				delete(b.hubs, name)
			}
		})
		return
	}

	var a Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		b.log.Warn("bad announcement on %s: %v", topic, err)
		return
	}
	if err := a.Validate(); err != nil || a.Name != name {
		b.log.Warn("ignoring announcement on %s: name %q, url %q", topic, a.Name, a.URL)
		return
	}
	b.update(func() {
		if prev, ok := b.hubs[name]; !ok || prev != a {
			b.log.Info("hub %s at %s", a.Name, a.URL)
		}
		b.hubs[name] = a
	})
}

func (b *Browser) update(fn func()) {
	b.mu.Lock()
	fn()
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

// Hubs lists currently announced hubs by name.
func (b *Browser) Hubs() []Announcement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Announcement, 0, len(b.hubs))
	for _, a := range b.hubs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup waits until hub is announced or ctx is done.
func (b *Browser) Lookup(ctx context.Context, hub string) (Announcement, error) {
	for {
		b.mu.Lock()
		a, ok := b.hubs[hub]
		changed := b.changed
		b.mu.Unlock()
		if ok {
			return a, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return Announcement{}, ctx.Err()
		}
	}
}
