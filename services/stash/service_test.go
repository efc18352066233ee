package stash

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/hubsync/state"
	"github.com/eljojo/hubsync/utilities"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.ErrorLevel)
	m.Run()
}

func audioTree(t *testing.T) []state.ModulePayload {
	t.Helper()
	devices := state.NewKeyedRegister("io-devices", nil)
	mod := state.NewModule("audio", devices)
	_, err := mod.Add("io-devices", "mic-1", state.NewRawValue(json.RawMessage(`{"gain":-6}`)))
	require.NoError(t, err)
	_, err = mod.Add("io-devices", "spk-1", state.NewRawValue(json.RawMessage(`{"gain":0}`)))
	require.NoError(t, err)
	p, err := mod.Export()
	require.NoError(t, err)
	return []state.ModulePayload{p}
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(NewMemoryBackend(), nil)
	tree := audioTree(t)

	_, found, err := store.Load("dsp-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Save(Record{Name: "dsp-1", SavedAt: time.Now(), Modules: tree}))
	rec, found, err := store.Load("dsp-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tree[0].Version, rec.Modules[0].Version)
	assert.Len(t, rec.Modules[0].Registers[0].Objects, 2)

	assert.Error(t, store.Save(Record{}), "records need a name")
}

func TestStoreNames(t *testing.T) {
	store := NewStore(NewMemoryBackend(), nil)
	for _, name := range []string{"tracker", "dsp-1", "gateway"} {
		require.NoError(t, store.Save(Record{Name: name}))
	}
	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"dsp-1", "gateway", "tracker"}, names)

	require.NoError(t, store.Delete("gateway"))
	names, err = store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"dsp-1", "tracker"}, names)
}

func TestSealedStore(t *testing.T) {
	enc, err := utilities.NewEncryptor([]byte("correct horse battery staple"))
	require.NoError(t, err)
	backend := NewMemoryBackend()
	store := NewStore(backend, enc)
	tree := audioTree(t)
	require.NoError(t, store.Save(Record{Name: "dsp-1", Modules: tree}))

	raw, _, err := backend.Get(treePrefix + "dsp-1")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "mic-1", "sealed records don't leak names")

	rec, _, err := store.Load("dsp-1")
	require.NoError(t, err)
	assert.Equal(t, tree[0].Version, rec.Modules[0].Version)

	other, err := utilities.NewEncryptor([]byte("a different secret entirely"))
	require.NoError(t, err)
	_, found, err := NewStore(backend, other).Load("dsp-1")
	assert.True(t, found)
	assert.Error(t, err, "wrong key")

	raw[len(raw)-1] ^= 0xff
	require.NoError(t, backend.Put(treePrefix+"dsp-1", raw))
	_, _, err = store.Load("dsp-1")
	assert.Error(t, err, "tampered ciphertext")
}

func TestPebbleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenPebble(dir)
	require.NoError(t, err)
	store := NewStore(backend, nil)
	tree := audioTree(t)
	require.NoError(t, store.Save(Record{Name: "dsp-1", Modules: tree}))
	require.NoError(t, store.Save(Record{Name: "dsp-2", Modules: tree}))
	require.NoError(t, store.Close())

	backend, err = OpenPebble(dir)
	require.NoError(t, err)
	store = NewStore(backend, nil)
	defer store.Close()

	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"dsp-1", "dsp-2"}, names)

	rec, found, err := store.Load("dsp-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tree[0].Version, rec.Modules[0].Version)

	require.NoError(t, store.Delete("dsp-1"))
	_, found, err = store.Load("dsp-1")
	require.NoError(t, err)
	assert.False(t, found)
}

// countingBackend counts writes.
type countingBackend struct {
	*MemoryBackend
	puts atomic.Int32
}

func (c *countingBackend) Put(key string, value []byte) error {
	c.puts.Add(1)
	return c.MemoryBackend.Put(key, value)
}

func TestServiceDebouncesSaves(t *testing.T) {
	mock := clock.NewMock()
	backend := &countingBackend{MemoryBackend: NewMemoryBackend()}
	svc := NewService(NewStore(backend, nil), Options{Clock: mock, Debounce: 2 * time.Second})
	require.NoError(t, svc.Start())

	tree := audioTree(t)
	var exports atomic.Int32
	export := func() ([]state.ModulePayload, error) {
		exports.Add(1)
		return tree, nil
	}
	for i := 0; i < 5; i++ {
		svc.MarkDirty("dsp-1", export)
		mock.Add(100 * time.Millisecond)
	}
	assert.Equal(t, int32(0), backend.puts.Load())
	assert.Equal(t, []string{"dsp-1"}, svc.Dirty())

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return svc.Saves() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), backend.puts.Load())
	assert.Equal(t, int32(1), exports.Load(), "a burst exports once")
	assert.Empty(t, svc.Dirty())

	modules, found, err := svc.Load("dsp-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tree[0].Version, modules[0].Version)
}

func TestServiceStopFlushes(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(NewMemoryBackend(), nil)
	svc := NewService(store, Options{Clock: mock})
	require.NoError(t, svc.Start())

	tree := audioTree(t)
	svc.MarkDirty("dsp-1", func() ([]state.ModulePayload, error) { return tree, nil })
	svc.MarkDirty("dsp-2", func() ([]state.ModulePayload, error) { return nil, errors.New("mirror gone") })

	err := svc.Stop()
	assert.ErrorContains(t, err, "mirror gone")
	assert.Equal(t, 1, svc.Saves())

	_, found, err := store.Load("dsp-1")
	require.NoError(t, err)
	assert.True(t, found)

	svc.MarkDirty("dsp-3", func() ([]state.ModulePayload, error) { return tree, nil })
	assert.Empty(t, svc.Dirty(), "marks after stop are dropped")
}

func TestServiceFlushCleanTreeIsNoop(t *testing.T) {
	backend := &countingBackend{MemoryBackend: NewMemoryBackend()}
	svc := NewService(NewStore(backend, nil), Options{Clock: clock.NewMock()})
	require.NoError(t, svc.Flush("nobody"))
	assert.Equal(t, int32(0), backend.puts.Load())
}
