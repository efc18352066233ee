package hubsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/hubsync/diff"
	"github.com/eljojo/hubsync/discovery"
	"github.com/eljojo/hubsync/identity"
	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/session"
	"github.com/eljojo/hubsync/state"
	"github.com/eljojo/hubsync/types"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.ErrorLevel)
	m.Run()
}

func startHub(t *testing.T, cfg HubConfig) (*HubServer, func()) {
	t.Helper()
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:0"
	}
	h, err := NewHubServer(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("hub did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return h, stop
}

func addRaw(t *testing.T, mod *state.Module, register, name, data string) {
	t.Helper()
	_, err := mod.Add(register, name, state.NewRawValue(json.RawMessage(data)))
	require.NoError(t, err)
}

func audioTree(t *testing.T) *state.Node {
	t.Helper()
	mod := state.NewModule("audio",
		state.NewKeyedRegister("io-devices", nil),
		state.NewOrderedRegister("rooms", nil),
	)
	addRaw(t, mod, "io-devices", "mic-1", `{"gain":-6}`)
	addRaw(t, mod, "io-devices", "spk-1", `{"gain":0}`)
	addRaw(t, mod, "rooms", "", `{"name":"studio a"}`)
	node, err := state.NewNode(mod)
	require.NoError(t, err)
	return node
}

func nodeIdentity(name string) identity.Identity {
	return identity.Derive([]byte("test-machine"), types.NodeName(name), types.RoleDSP)
}

func startNode(t *testing.T, cfg NodeConfig, tree *state.Node) (*LocalNode, func()) {
	t.Helper()
	if cfg.Identity.ID == "" {
		cfg.Identity = nodeIdentity("dsp-1")
	}
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.Timeout = 2 * time.Second

	node, err := NewLocalNode(cfg, tree)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("node did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return node, stop
}

func wsURL(h *HubServer) string {
	return "ws://" + h.Addr() + "/ws"
}

func waitResyncs(t *testing.T, node *LocalNode, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return node.Resyncs() >= n }, 5*time.Second, 10*time.Millisecond)
}

// converged reports whether the hub's copy of audio matches the node's.
func converged(h *HubServer, name string, tree *state.Node) func() bool {
	return func() bool {
		mirror, ok := h.Mirror(name)
		if !ok {
			return false
		}
		hubAudio, err := mirror.Module("audio")
		if err != nil {
			return false
		}
		nodeAudio, err := tree.Module("audio")
		if err != nil {
			return false
		}
		return hubAudio.Version() == nodeAudio.Version()
	}
}

func hubObject(t *testing.T, h *HubServer, register, key string) (state.ObjectPayload, error) {
	t.Helper()
	mirror, ok := h.Mirror("dsp-1")
	require.True(t, ok)
	mod, err := mirror.Module("audio")
	require.NoError(t, err)
	return mod.Object(register, key)
}

func TestFirstContactAdoptsNodeTree(t *testing.T) {
	h, _ := startHub(t, HubConfig{})
	tree := audioTree(t)
	node, _ := startNode(t, NodeConfig{HubURL: wsURL(h)}, tree)

	waitResyncs(t, node, 1)
	assert.Equal(t, session.PeerOnline, node.State())
	assert.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)

	p, err := hubObject(t, h, "io-devices", "mic-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gain":-6}`, string(p.Data))
}

func TestLocalChangesArePushed(t *testing.T) {
	h, _ := startHub(t, HubConfig{})
	tree := audioTree(t)
	node, _ := startNode(t, NodeConfig{HubURL: wsURL(h)}, tree)
	waitResyncs(t, node, 1)
	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)

	audio, err := tree.Module("audio")
	require.NoError(t, err)

	_, err = audio.Set("io-devices", "mic-1", json.RawMessage(`{"gain":-3}`))
	require.NoError(t, err)
	require.NoError(t, audio.Remove("io-devices", "spk-1"))
	addRaw(t, audio, "io-devices", "di-1", `{"gain":2}`)
	addRaw(t, audio, "rooms", "", `{"name":"studio b"}`)

	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)

	p, err := hubObject(t, h, "io-devices", "mic-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gain":-3}`, string(p.Data))
	_, err = hubObject(t, h, "io-devices", "spk-1")
	assert.ErrorIs(t, err, runtime.ErrObjectNotFound)
	p, err = hubObject(t, h, "io-devices", "di-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gain":2}`, string(p.Data))
}

func TestReconnectPullsHubChanges(t *testing.T) {
	h, _ := startHub(t, HubConfig{})
	tree := audioTree(t)
	node, _ := startNode(t, NodeConfig{HubURL: wsURL(h)}, tree)
	waitResyncs(t, node, 1)
	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)

	mirror, ok := h.Mirror("dsp-1")
	require.True(t, ok)
	hubAudio, err := mirror.Module("audio")
	require.NoError(t, err)
	_, err = hubAudio.Set("io-devices", "mic-1", json.RawMessage(`{"gain":-12}`))
	require.NoError(t, err)

	s, ok := h.Hub().Lookup(nodeIdentity("dsp-1").ID)
	require.True(t, ok)
	require.NoError(t, s.Close())

	waitResyncs(t, node, 2)
	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)

	audio, err := tree.Module("audio")
	require.NoError(t, err)
	p, err := audio.Object("io-devices", "mic-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gain":-12}`, string(p.Data))
}

func TestHubRestartKeepsAuthority(t *testing.T) {
	dir := t.TempDir()
	cfg := HubConfig{DataDir: dir, Secret: "a secret of sixteen bytes or more"}

	h, stopHub := startHub(t, cfg)
	tree := audioTree(t)
	node, stopNode := startNode(t, NodeConfig{HubURL: wsURL(h)}, tree)
	waitResyncs(t, node, 1)
	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)
	stopNode()
	stopHub()

	restarted, _ := startHub(t, cfg)
	assert.True(t, converged(restarted, "dsp-1", tree)(), "restored from the store")

	statuses := restarted.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "dsp-1", statuses[0].Name)
	assert.False(t, statuses[0].Online)
}

func TestStrictPolicyKeepsUnknownModulesLocal(t *testing.T) {
	h, _ := startHub(t, HubConfig{Policy: diff.FirstContactStrict})
	tree := audioTree(t)
	node, _ := startNode(t, NodeConfig{HubURL: wsURL(h)}, tree)
	waitResyncs(t, node, 1)

	mirror, ok := h.Mirror("dsp-1")
	require.True(t, ok)
	_, err := mirror.Module("audio")
	assert.ErrorIs(t, err, runtime.ErrModuleNotFound)

	audio, err := tree.Module("audio")
	require.NoError(t, err)
	_, err = audio.Object("io-devices", "mic-1")
	assert.NoError(t, err, "the node keeps its copy")
}

func TestLegacyCorrelationEndToEnd(t *testing.T) {
	h, _ := startHub(t, HubConfig{Correlation: session.CorrelateLegacy})
	tree := audioTree(t)
	node, _ := startNode(t, NodeConfig{HubURL: wsURL(h), Correlation: session.CorrelateLegacy}, tree)
	waitResyncs(t, node, 1)
	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)

	audio, err := tree.Module("audio")
	require.NoError(t, err)
	_, err = audio.Set("io-devices", "spk-1", json.RawMessage(`{"gain":-1}`))
	require.NoError(t, err)
	assert.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)
}

func TestNodeOverUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hub.sock")
	h, _ := startHub(t, HubConfig{SocketPath: sock})
	tree := audioTree(t)

	require.Eventually(t, func() bool {
		// the socket appears once Serve is running
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)
	node, _ := startNode(t, NodeConfig{SocketPath: sock}, tree)

	waitResyncs(t, node, 1)
	assert.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)
}

func startTestMQTTBroker(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

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

func TestNodeFindsHubOverMQTT(t *testing.T) {
	broker := startTestMQTTBroker(t)
	h, _ := startHub(t, HubConfig{Name: "studio", MQTT: discovery.Config{Broker: broker}})
	tree := audioTree(t)
	node, _ := startNode(t, NodeConfig{HubName: "studio", MQTT: discovery.Config{Broker: broker}}, tree)

	waitResyncs(t, node, 1)
	assert.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)
}

func TestHubHTTP(t *testing.T) {
	h, _ := startHub(t, HubConfig{Name: "studio"})
	tree := audioTree(t)
	node, _ := startNode(t, NodeConfig{HubURL: wsURL(h)}, tree)
	waitResyncs(t, node, 1)
	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)
	base := "http://" + h.Addr()

	resp, err := http.Get(base + "/api/nodes")
	require.NoError(t, err)
	var list struct {
		Hub   string       `json:"hub"`
		Nodes []NodeStatus `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, "studio", list.Hub)
	require.Len(t, list.Nodes, 1)
	assert.True(t, list.Nodes[0].Online)
	audio, err := tree.Module("audio")
	require.NoError(t, err)
	assert.Equal(t, audio.Version(), list.Nodes[0].Modules["audio"])

	resp, err = http.Get(base + "/api/nodes/dsp-1")
	require.NoError(t, err)
	var exported struct {
		Modules []state.ModulePayload `json:"modules"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exported))
	resp.Body.Close()
	require.Len(t, exported.Modules, 1)
	assert.Equal(t, audio.Version(), exported.Modules[0].Version)

	resp, err = http.Get(base + "/api/nodes/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "hubsync_sessions_online")

	var buf bytes.Buffer
	h.PrintStatus(&buf)
	assert.Contains(t, buf.String(), "dsp-1")
}

func TestNodeConfigNeedsAWayToTheHub(t *testing.T) {
	_, err := NewLocalNode(NodeConfig{Identity: nodeIdentity("dsp-1")}, audioTree(t))
	assert.Error(t, err)
	_, err = NewLocalNode(NodeConfig{HubURL: "ws://hub/ws"}, audioTree(t))
	assert.Error(t, err, "identity required")
}

func TestLocalRestoreReachesTheHub(t *testing.T) {
	h, _ := startHub(t, HubConfig{})
	tree := audioTree(t)
	node, _ := startNode(t, NodeConfig{HubURL: wsURL(h)}, tree)
	waitResyncs(t, node, 1)
	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)

	showfile := state.NewModule("audio", state.NewKeyedRegister("io-devices", nil))
	addRaw(t, showfile, "io-devices", "loaded-1", `{"gain":4}`)
	devices, err := showfile.Register("io-devices")
	require.NoError(t, err)
	incoming, err := devices.Export()
	require.NoError(t, err)

	audio, err := tree.Module("audio")
	require.NoError(t, err)
	require.NoError(t, audio.Restore("io-devices", incoming, state.Merge))
	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)

	p, err := hubObject(t, h, "io-devices", "loaded-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gain":4}`, string(p.Data))

	require.NoError(t, node.Resync())
	p, err = audio.Object("io-devices", "loaded-1")
	require.NoError(t, err, "a resync keeps what was restored locally")
	assert.JSONEq(t, `{"gain":4}`, string(p.Data))
	_, err = audio.Object("io-devices", "mic-1")
	assert.NoError(t, err)
	assert.True(t, converged(h, "dsp-1", tree)())
}

func TestNodeWithNewRegisterIsAdopted(t *testing.T) {
	h, _ := startHub(t, HubConfig{})
	first := audioTree(t)
	node, stop := startNode(t, NodeConfig{HubURL: wsURL(h)}, first)
	waitResyncs(t, node, 1)
	require.Eventually(t, converged(h, "dsp-1", first), 5*time.Second, 10*time.Millisecond)
	stop()

	audio := state.NewModule("audio",
		state.NewKeyedRegister("io-devices", nil),
		state.NewOrderedRegister("rooms", nil),
		state.NewKeyedRegister("presets", nil),
	)
	addRaw(t, audio, "presets", "night", `{"gain":-20}`)
	upgraded, err := state.NewNode(audio)
	require.NoError(t, err)

	node, _ = startNode(t, NodeConfig{HubURL: wsURL(h)}, upgraded)
	waitResyncs(t, node, 1)
	require.Eventually(t, converged(h, "dsp-1", upgraded), 5*time.Second, 10*time.Millisecond)

	p, err := hubObject(t, h, "presets", "night")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gain":-20}`, string(p.Data))
	p, err = audio.Object("io-devices", "mic-1")
	require.NoError(t, err, "the hub's devices came down")
	assert.JSONEq(t, `{"gain":-6}`, string(p.Data))

	_, err = audio.Set("presets", "night", json.RawMessage(`{"gain":-18}`))
	require.NoError(t, err)
	require.Eventually(t, converged(h, "dsp-1", upgraded), 5*time.Second, 10*time.Millisecond)
	p, err = hubObject(t, h, "presets", "night")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gain":-18}`, string(p.Data))

	require.NoError(t, node.Resync())
	assert.True(t, converged(h, "dsp-1", upgraded)())
}

func TestHubCommandsAndEvents(t *testing.T) {
	h, _ := startHub(t, HubConfig{Watch: []string{"audio"}})
	events := make(chan NodeEvent, 4)
	h.OnEvent(func(ev NodeEvent) { events <- ev })

	tree := audioTree(t)
	audio, err := tree.Module("audio")
	require.NoError(t, err)
	node, _ := startNode(t, NodeConfig{HubURL: wsURL(h)}, tree)
	node.Handle("audio", func(msg *runtime.Message) (any, error) {
		if msg.Mode == runtime.ModeSet {
			return audio.Set("io-devices", msg.Field, msg.Data)
		}
		p, err := audio.Object("io-devices", msg.Field)
		if err != nil {
			return nil, err
		}
		return p.Data, nil
	})
	waitResyncs(t, node, 1)
	base := "http://" + h.Addr() + "/api/nodes"

	resp, err := http.Get(base + "/dsp-1/audio/mic-1")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"gain":-6}`, string(body))

	resp, err = http.Post(base+"/dsp-1/audio/mic-1", "application/json", bytes.NewBufferString(`{"gain":-1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	p, err := audio.Object("io-devices", "mic-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gain":-1}`, string(p.Data))

	resp, err = http.Get(base + "/dsp-1/audio/mic-9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, err = http.Get(base + "/ghost/audio/mic-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = h.Requester("ghost", "audio")
	assert.ErrorIs(t, err, runtime.ErrNodeOffline)

	require.NoError(t, node.Emit("tracker", "moved", 1))
	require.NoError(t, node.Emit("audio", "device-changed", map[string]string{"device": "mic-1"}))
	select {
	case ev := <-events:
		assert.Equal(t, "dsp-1", ev.Node)
		assert.Equal(t, "audio", ev.Target)
		assert.Equal(t, "device-changed", ev.Event)
		assert.JSONEq(t, `{"device":"mic-1"}`, string(ev.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the hub")
	}
	assert.Empty(t, events, "unwatched targets are not raised")
}

func TestVerifyFindsVersionDrift(t *testing.T) {
	h, _ := startHub(t, HubConfig{})
	tree := audioTree(t)
	node, _ := startNode(t, NodeConfig{HubURL: wsURL(h), Verify: true}, tree)
	waitResyncs(t, node, 1)
	require.Eventually(t, converged(h, "dsp-1", tree), 5*time.Second, 10*time.Millisecond)
	require.NoError(t, node.Verify())

	audio, err := tree.Module("audio")
	require.NoError(t, err)
	p, err := audio.Export()
	require.NoError(t, err)
	for i, r := range p.Registers {
		for j, o := range r.Objects {
			if o.Name == "mic-1" {
				p.Registers[i].Objects[j].Data = json.RawMessage(`{"gain":99}`)
			}
		}
	}
	mirror, ok := h.Mirror("dsp-1")
	require.True(t, ok)
	_, err = mirror.Adopt(p)
	require.NoError(t, err)

	assert.ErrorIs(t, node.Verify(), runtime.ErrVersionDrift)
}

func TestEmitWhileOffline(t *testing.T) {
	node, err := NewLocalNode(NodeConfig{Identity: nodeIdentity("dsp-1"), HubURL: "ws://127.0.0.1:1/ws"}, audioTree(t))
	require.NoError(t, err)
	assert.ErrorIs(t, node.Emit("audio", "device-changed", nil), runtime.ErrClosed)
	assert.ErrorIs(t, node.Verify(), runtime.ErrClosed)
}
