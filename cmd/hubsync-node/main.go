package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bugsnag/bugsnag-go"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/hubsync"
	"github.com/eljojo/hubsync/discovery"
	"github.com/eljojo/hubsync/identity"
	"github.com/eljojo/hubsync/session"
	"github.com/eljojo/hubsync/state"
	"github.com/eljojo/hubsync/types"
)

func main() {
	hostname, _ := os.Hostname()

	namePtr := flag.String("name", hubsync.GetEnv("NODE_NAME", identity.ShortHostname(hostname)), "node name")
	kindPtr := flag.String("kind", hubsync.GetEnv("NODE_KIND", types.RoleDefault.String()), "node role, e.g. dsp or tracker")
	hubURLPtr := flag.String("hub-url", hubsync.GetEnv("HUB_URL", ""), "hub websocket url, skips discovery")
	socketPtr := flag.String("socket", hubsync.GetEnv("HUB_SOCKET", ""), "hub unix socket, skips discovery")
	hubNamePtr := flag.String("hub", hubsync.GetEnv("HUB_NAME", "hub"), "hub to look up over mqtt")
	mqttHostPtr := flag.String("mqtt-host", hubsync.GetEnv("MQTT_HOST", ""), "mqtt broker for discovery")
	mqttUserPtr := flag.String("mqtt-user", hubsync.GetEnv("MQTT_USER", ""), "mqtt username")
	mqttPassPtr := flag.String("mqtt-pass", hubsync.GetEnv("MQTT_PASS", ""), "mqtt password")
	devicesPtr := flag.String("devices", hubsync.GetEnv("DEVICES", "mic-1,mic-2,spk-1"), "comma separated demo devices")
	roomsPtr := flag.String("rooms", hubsync.GetEnv("ROOMS", "studio"), "comma separated demo rooms")
	legacyPtr := flag.Bool("legacy-correlation", false, "match replies by target/field, for old hubs")
	verifyPtr := flag.Bool("verify", false, "check the hub's copy for version drift after every resync")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")

	flag.Parse()

	if *verbosePtr {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if apiKey := hubsync.GetEnv("BUGSNAG_API_KEY", ""); apiKey != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          apiKey,
			ProjectPackages: []string{"main", "github.com/eljojo/hubsync*"},
		})
	}

	fingerprint, err := identity.MachineFingerprint()
	if err != nil {
		logrus.Fatalf("machine fingerprint: %v", err)
	}
	self := identity.Derive(fingerprint, types.NodeName(*namePtr), types.Role(*kindPtr))
	logrus.Infof("🔖 %s", self)

	audio, err := newAudioModule(splitList(*devicesPtr), splitList(*roomsPtr))
	if err != nil {
		logrus.Fatalf("build audio module: %v", err)
	}
	tree, err := state.NewNode(audio)
	if err != nil {
		logrus.Fatal(err)
	}

	correlation := session.CorrelateByID
	if *legacyPtr {
		correlation = session.CorrelateLegacy
	}
	node, err := hubsync.NewLocalNode(hubsync.NodeConfig{
		Identity:   self,
		HubURL:     *hubURLPtr,
		SocketPath: *socketPtr,
		HubName:    *hubNamePtr,
		MQTT: discovery.Config{
			Broker:   *mqttHostPtr,
			Username: *mqttUserPtr,
			Password: *mqttPassPtr,
		},
		Correlation: correlation,
		Verify:      *verifyPtr,
		Software:    "hubsync-node",
	}, tree)
	if err != nil {
		logrus.Fatal(err)
	}
	node.Handle("audio", audioHandler(audio))
	tree.OnChange(deviceEvents(node.Emit))

	ctx, cancel := context.WithCancel(context.Background())
	setupCloseHandler(cancel)
	if err := node.Run(ctx); err != nil {
		logrus.Fatalf("node stopped: %v", err)
	}
	logrus.Info("bye")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()
}
