package transport

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/hubsync/runtime"
)

func collect(b Binding, target string) <-chan *runtime.Message {
	ch := make(chan *runtime.Message, 16)
	b.Subscribe(target, func(m *runtime.Message) { ch <- m })
	return ch
}

func receive(t *testing.T, ch <-chan *runtime.Message) *runtime.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestStream_DeliversInOrderByTarget(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	audio := collect(b, "audio")
	all := collect(b, AllTargets)
	a.Start()
	b.Start()

	for _, field := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(&runtime.Message{Target: "audio", Field: field, Mode: runtime.ModeSet}))
	}
	require.NoError(t, a.Send(&runtime.Message{Target: "tracker", Field: "pos", Mode: runtime.ModeEvt}))

	assert.Equal(t, "one", receive(t, audio).Field)
	assert.Equal(t, "two", receive(t, audio).Field)
	assert.Equal(t, "three", receive(t, audio).Field)

	for _, want := range []string{"one", "two", "three", "pos"} {
		assert.Equal(t, want, receive(t, all).Field)
	}
}

func TestStream_MalformedFrameIsDropped(t *testing.T) {
	raw, remote := net.Pipe()
	b := NewStream(remote, "test")
	defer b.Close()
	got := collect(b, AllTargets)
	b.Start()

	go func() {
		_, _ = raw.Write([]byte("{garbage"))
		_, _ = raw.Write([]byte{Sentinel})
		_, _ = raw.Write([]byte(`{"target":"audio","field":"ok","mode":4}`))
		_, _ = raw.Write([]byte{Sentinel})
	}()

	msg := receive(t, got)
	assert.Equal(t, "ok", msg.Field)
	select {
	case <-b.Done():
		t.Fatal("binding must stay open after a parse error")
	default:
	}
	_ = raw.Close()
}

func TestStream_FrameSplitAcrossWrites(t *testing.T) {
	raw, remote := net.Pipe()
	b := NewStream(remote, "test")
	defer b.Close()
	got := collect(b, "audio")
	b.Start()

	frame := `{"target":"audio","field":"split","mode":1,"data":[1,2,3]}`
	go func() {
		for _, part := range []string{frame[:10], frame[10:30], frame[30:]} {
			_, _ = raw.Write([]byte(part))
		}
		_, _ = raw.Write([]byte{Sentinel})
	}()

	msg := receive(t, got)
	assert.Equal(t, "split", msg.Field)
	assert.JSONEq(t, "[1,2,3]", string(msg.Data))
	_ = raw.Close()
}

func TestStream_RemoteCloseSignalsDone(t *testing.T) {
	a, b := Pipe()
	a.Start()
	b.Start()

	require.NoError(t, a.Close())

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote close not noticed")
	}
	assert.NoError(t, b.Err(), "EOF is a clean close")
	assert.ErrorIs(t, b.Send(&runtime.Message{Target: "x", Field: "y"}), runtime.ErrClosed)
}

func TestStream_Unsubscribe(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	first := make(chan *runtime.Message, 4)
	stop := b.Subscribe("audio", func(m *runtime.Message) { first <- m })
	second := collect(b, "audio")
	a.Start()
	b.Start()

	stop()
	require.NoError(t, a.Send(&runtime.Message{Target: "audio", Field: "f", Mode: runtime.ModeGet}))
	receive(t, second)
	assert.Empty(t, first)
}

func TestUnixSocket_DialAndListen(t *testing.T) {
	path := t.TempDir() + "/hub.sock"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan Binding, 1)
	go func() {
		_ = ListenUnix(ctx, path, func(b Binding) { accepted <- b })
	}()

	var client *Conn
	require.Eventually(t, func() bool {
		c, err := DialUnix(ctx, path)
		if err != nil {
			return false
		}
		client = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer client.Close()

	server := <-accepted
	defer server.Close()
	got := collect(server, "session")
	server.Start()
	client.Start()

	require.NoError(t, client.Send(&runtime.Message{Target: "session", Field: "identity", Mode: runtime.ModeSet}))
	assert.Equal(t, "identity", receive(t, got).Field)
}

func TestWebsocket_RoundTrip(t *testing.T) {
	accepted := make(chan Binding, 1)
	srv := httptest.NewServer(NewWebsocketListener(func(b Binding) { accepted <- b }))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebsocket(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	fromClient := collect(server, "audio")
	fromServer := collect(client, "audio")
	server.Start()
	client.Start()

	require.NoError(t, client.Send(&runtime.Message{Target: "audio", Field: "eq", Mode: runtime.ModeSet, Data: []byte(`{"low":-3}`)}))
	msg := receive(t, fromClient)
	assert.Equal(t, "eq", msg.Field)

	reply, err := msg.Reply(true)
	require.NoError(t, err)
	require.NoError(t, server.Send(reply))
	got := receive(t, fromServer)
	assert.Equal(t, runtime.ModeRsp, got.Mode)
	assert.Equal(t, "true", string(got.Data))

	require.NoError(t, client.Close())
	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not notice client close")
	}
}
