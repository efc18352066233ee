package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/state"
)

// device is one input or output of the demo audio module.
type device struct {
	Gain     float64 `json:"gain"`
	Muted    bool    `json:"muted"`
	Channels int     `json:"channels"`
}

type room struct {
	Name    string   `json:"name"`
	Devices []string `json:"devices"`
}

// deviceChange is the payload of audio/device-changed events.
type deviceChange struct {
	Device  string `json:"device"`
	Removed bool   `json:"removed,omitempty"`
}

// newAudioModule builds the demo module: devices keyed by name and rooms in
// the order they were added.
func newAudioModule(devices []string, rooms []string) (*state.Module, error) {
	mod := state.NewModule("audio",
		state.NewKeyedRegister("io-devices", state.JSONFactory[device]()),
		state.NewOrderedRegister("rooms", state.JSONFactory[room]()),
	)
	for _, name := range devices {
		if _, err := mod.Add("io-devices", name, state.NewJSONValue(device{Channels: 2})); err != nil {
			return nil, err
		}
	}
	for _, name := range rooms {
		if _, err := mod.Add("rooms", "", state.NewJSONValue(room{Name: name, Devices: devices})); err != nil {
			return nil, err
		}
	}
	return mod, nil
}

// audioHandler lets the hub read and change devices: GET audio/<device>
// returns it, SET audio/<device> replaces it.
func audioHandler(mod *state.Module) func(msg *runtime.Message) (any, error) {
	return func(msg *runtime.Message) (any, error) {
		switch msg.Mode {
		case runtime.ModeGet:
			p, err := mod.Object("io-devices", msg.Field)
			if err != nil {
				return nil, err
			}
			return p.Data, nil
		case runtime.ModeSet:
			var d device
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				return nil, fmt.Errorf("bad device: %w", err)
			}
			if d.Channels <= 0 {
				return nil, errors.New("a device needs at least one channel")
			}
			return mod.Set("io-devices", msg.Field, msg.Data)
		default:
			return nil, fmt.Errorf("unsupported %s on audio", msg.Mode)
		}
	}
}

// deviceEvents raises audio/device-changed for every local change to a
// device. Changes that came from the hub are not echoed back.
func deviceEvents(emit func(target, event string, data any) error) func(state.Change) {
	return func(c state.Change) {
		if c.Remote || c.Module != "audio" || c.Register != "io-devices" || c.Key == "" {
			return
		}
		change := deviceChange{Device: c.Key, Removed: c.Kind == state.ObjectRemoved}
		if err := emit("audio", "device-changed", change); err != nil {
			logrus.Debugf("device-changed %s: %v", c.Key, err)
		}
	}
}
