package discovery

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.ErrorLevel)
	m.Run()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// startTestMQTTBroker runs an embedded broker that lets everyone in.
func startTestMQTTBroker(t *testing.T) string {
	t.Helper()
	port := freePort(t)
	server := mqttserver.New(nil)
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))

	tcp := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("test-broker-%d", port),
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})
	require.NoError(t, server.AddListener(tcp))

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("MQTT broker stopped: %v", err)
		}
	}()
	t.Cleanup(func() { _ = server.Close() })
	return fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

func TestBrowserFindsRetainedAnnouncement(t *testing.T) {
	broker := startTestMQTTBroker(t)

	announcer := NewAnnouncer(Config{Broker: broker, ClientID: "hub"}, Announcement{Name: "studio", URL: "ws://10.0.0.2:7410/ws"})
	require.NoError(t, announcer.Start())
	defer announcer.Stop()

	// started after the hub: only the retained message can tell it
	time.Sleep(100 * time.Millisecond)
	browser := NewBrowser(Config{Broker: broker, ClientID: "dsp-1"})
	require.NoError(t, browser.Start())
	defer browser.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := browser.Lookup(ctx, "studio")
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.2:7410/ws", a.URL)
	assert.Equal(t, []Announcement{a}, browser.Hubs())
}

func TestLookupWaitsForHub(t *testing.T) {
	broker := startTestMQTTBroker(t)

	browser := NewBrowser(Config{Broker: broker, ClientID: "dsp-1"})
	require.NoError(t, browser.Start())
	defer browser.Stop()

	found := make(chan Announcement, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a, err := browser.Lookup(ctx, "studio")
		if err == nil {
			found <- a
		}
	}()

	time.Sleep(100 * time.Millisecond)
	announcer := NewAnnouncer(Config{Broker: broker, ClientID: "hub"}, Announcement{Name: "studio", URL: "ws://hub/ws"})
	require.NoError(t, announcer.Start())
	defer announcer.Stop()

	select {
	case a := <-found:
		assert.Equal(t, "ws://hub/ws", a.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("hub was never discovered")
	}
}

func TestLookupGivesUpWithContext(t *testing.T) {
	b := NewBrowser(Config{Broker: "tcp://unused", ClientID: "x"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Lookup(ctx, "studio")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrowserHandlesWithdrawalAndJunk(t *testing.T) {
	b := NewBrowser(Config{})
	b.handle(Topic("studio"), []byte(`{"name":"studio","url":"ws://hub/ws"}`))
	b.handle(Topic("stage"), []byte(`not json`))
	b.handle(Topic("stage"), []byte(`{"name":"elsewhere","url":"ws://x"}`))
	b.handle(Topic("foyer"), []byte(`{"name":"foyer"}`))
	require.Len(t, b.Hubs(), 1)

	b.handle(Topic("studio"), nil)
	assert.Empty(t, b.Hubs())
}

func TestConfigValidation(t *testing.T) {
	assert.Error(t, NewAnnouncer(Config{}, Announcement{Name: "a", URL: "u"}).Start())
	assert.Error(t, NewAnnouncer(Config{Broker: "tcp://x", ClientID: "c"}, Announcement{}).Start())
	assert.Error(t, NewBrowser(Config{Broker: "tcp://x"}).Start())
}
