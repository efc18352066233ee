package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/state"
)

func TestAudioHandler(t *testing.T) {
	mod, err := newAudioModule([]string{"mic-1", "spk-1"}, []string{"studio"})
	require.NoError(t, err)
	handle := audioHandler(mod)
	before := mod.Version()

	get, err := runtime.NewMessage("audio", "mic-1", runtime.ModeGet, nil)
	require.NoError(t, err)
	data, err := handle(get)
	require.NoError(t, err)
	assert.JSONEq(t, `{"gain":0,"muted":false,"channels":2}`, string(data.(json.RawMessage)))

	set, err := runtime.NewMessage("audio", "mic-1", runtime.ModeSet, device{Gain: -6, Channels: 1})
	require.NoError(t, err)
	_, err = handle(set)
	require.NoError(t, err)
	assert.NotEqual(t, before, mod.Version())

	bad, err := runtime.NewMessage("audio", "mic-1", runtime.ModeSet, device{Gain: -6})
	require.NoError(t, err)
	_, err = handle(bad)
	assert.Error(t, err)

	missing, err := runtime.NewMessage("audio", "mic-9", runtime.ModeGet, nil)
	require.NoError(t, err)
	_, err = handle(missing)
	assert.ErrorIs(t, err, runtime.ErrObjectNotFound)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}

func TestDeviceEvents(t *testing.T) {
	type raised struct {
		target, event string
		data          any
	}
	var got []raised
	emit := deviceEvents(func(target, event string, data any) error {
		got = append(got, raised{target, event, data})
		return nil
	})

	emit(state.Change{Module: "audio", Register: "io-devices", Key: "mic-1", Kind: state.ObjectChanged})
	emit(state.Change{Module: "audio", Register: "io-devices", Key: "spk-1", Kind: state.ObjectRemoved})
	emit(state.Change{Module: "audio", Register: "io-devices", Key: "mic-2", Remote: true})
	emit(state.Change{Module: "audio", Register: "rooms", Key: "r1"})
	emit(state.Change{Module: "audio", Register: "io-devices", Kind: state.RegisterRestored})

	require.Len(t, got, 2)
	assert.Equal(t, raised{"audio", "device-changed", deviceChange{Device: "mic-1"}}, got[0])
	assert.Equal(t, deviceChange{Device: "spk-1", Removed: true}, got[1].data)

	failing := deviceEvents(func(string, string, any) error { return runtime.ErrClosed })
	assert.NotPanics(t, func() {
		failing(state.Change{Module: "audio", Register: "io-devices", Key: "mic-1"})
	})
}
