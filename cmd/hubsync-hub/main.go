package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bugsnag/bugsnag-go"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/hubsync"
	"github.com/eljojo/hubsync/diff"
	"github.com/eljojo/hubsync/discovery"
	"github.com/eljojo/hubsync/identity"
	"github.com/eljojo/hubsync/session"
)

func main() {
	hostname, _ := os.Hostname()

	namePtr := flag.String("name", hubsync.GetEnv("HUB_NAME", identity.ShortHostname(hostname)), "hub name announced to nodes")
	httpAddrPtr := flag.String("http-addr", hubsync.GetEnv("HTTP_ADDR", hubsync.DefaultHTTPAddr), "address for /ws, /metrics and /api")
	socketPtr := flag.String("socket", hubsync.GetEnv("HUB_SOCKET", ""), "also accept same-host nodes on this unix socket")
	publicURLPtr := flag.String("public-url", hubsync.GetEnv("PUBLIC_URL", ""), "websocket url to announce (derived from the listener if empty)")
	dataDirPtr := flag.String("data-dir", hubsync.GetEnv("DATA_DIR", "hubsync-data"), "where authority trees are stored, empty keeps them in memory")
	secretPtr := flag.String("secret", hubsync.GetEnv("HUBSYNC_SECRET", ""), "seal stored trees with this secret")
	mqttHostPtr := flag.String("mqtt-host", hubsync.GetEnv("MQTT_HOST", ""), "mqtt broker for discovery, e.g. tcp://localhost:1883")
	mqttUserPtr := flag.String("mqtt-user", hubsync.GetEnv("MQTT_USER", ""), "mqtt username")
	mqttPassPtr := flag.String("mqtt-pass", hubsync.GetEnv("MQTT_PASS", ""), "mqtt password")
	watchPtr := flag.String("watch", hubsync.GetEnv("WATCH", "audio"), "comma separated targets whose node events are logged")
	policyPtr := flag.String("first-contact", hubsync.GetEnv("FIRST_CONTACT", "node-wins"), "modules the hub has never seen: node-wins or strict")
	legacyPtr := flag.Bool("legacy-correlation", false, "match replies by target/field for nodes that send no request ids")
	debouncePtr := flag.Duration("save-debounce", 2*time.Second, "how long a tree stays dirty before it is saved")
	showNodesPtr := flag.Bool("show-nodes", true, "show table with connected nodes")
	refreshRatePtr := flag.Int("refresh-rate", 60, "refresh rate in seconds for the node table")
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

	policy, err := diff.ParsePolicy(*policyPtr)
	if err != nil {
		logrus.Fatal(err)
	}
	correlation := session.CorrelateByID
	if *legacyPtr {
		correlation = session.CorrelateLegacy
	}

	hub, err := hubsync.NewHubServer(hubsync.HubConfig{
		Name:       *namePtr,
		HTTPAddr:   *httpAddrPtr,
		SocketPath: *socketPtr,
		PublicURL:  *publicURLPtr,
		DataDir:    *dataDirPtr,
		Secret:     *secretPtr,
		MQTT: discovery.Config{
			Broker:   *mqttHostPtr,
			Username: *mqttUserPtr,
			Password: *mqttPassPtr,
		},
		Watch:       splitList(*watchPtr),
		Policy:      policy,
		Correlation: correlation,
		Debounce:    *debouncePtr,
	})
	if err != nil {
		logrus.Fatalf("failed to start hub: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	setupCloseHandler(cancel)

	if err := hub.Listen(); err != nil {
		logrus.Fatalf("failed to start hub: %v", err)
	}
	logrus.Infof("🎛️  hub %s ready (first contact: %s, correlation: %s)", *namePtr, policy, correlation)
	if *showNodesPtr {
		go hub.PrintStatusForever(ctx, time.Duration(*refreshRatePtr)*time.Second)
	}

	if err := hub.Serve(ctx); err != nil {
		logrus.Fatalf("hub stopped: %v", err)
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
		logrus.Info("shutting down, flushing trees")
		cancel()
	}()
}
