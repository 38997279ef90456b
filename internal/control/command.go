// Package control turns operator key presses into vehicle actuation.
//
// Key presses become Command deltas queued in a FIFO. The main loop pops at
// most one per cycle and folds it into the absolute VehicleControl state
// with Actuate before handing that state to a ControlSink.
package control

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/pose.report/internal/config"
)

// Command is a control delta produced by one key press.
type Command struct {
	Throttle float64 `json:"throttle"`
	Steer    float64 `json:"steer"`
	Brake    bool    `json:"brake"`
}

// VehicleControl is the absolute actuation state sent to the vehicle.
// Throttle is in [0, 1] with direction given by Reverse.
type VehicleControl struct {
	Throttle float64 `json:"throttle"`
	Steer    float64 `json:"steer"`
	Brake    bool    `json:"brake"`
	Reverse  bool    `json:"reverse"`
}

func (v VehicleControl) String() string {
	dir := "fwd"
	if v.Reverse {
		dir = "rev"
	}
	return fmt.Sprintf("throttle=%.2f(%s) steer=%+.2f brake=%t", v.Throttle, dir, v.Steer, v.Brake)
}

// Actuate folds cmd into state.
//
// A throttle delta in the current direction of travel accumulates, capped at
// 1. A delta against the current direction flips Reverse and restarts the
// throttle from the delta's magnitude. A zero delta leaves throttle and
// direction alone. Steer accumulates within [-1, 1]; Brake is copied.
func Actuate(state VehicleControl, cmd Command) VehicleControl {
	switch {
	case cmd.Throttle > 0:
		if !state.Reverse {
			state.Throttle = math.Min(state.Throttle+cmd.Throttle, 1)
		} else {
			state.Reverse = false
			state.Throttle = math.Min(cmd.Throttle, 1)
		}
	case cmd.Throttle < 0:
		t := -cmd.Throttle
		if state.Reverse {
			state.Throttle = math.Min(state.Throttle+t, 1)
		} else {
			state.Reverse = true
			state.Throttle = math.Min(t, 1)
		}
	}
	state.Steer = math.Min(math.Max(state.Steer+cmd.Steer, -1), 1)
	state.Brake = cmd.Brake
	return state
}

// Action is what a key press asks for.
type Action int

const (
	ActionNone Action = iota
	ActionCommand
	ActionRefresh
)

// KeyMap converts key names to commands.
type KeyMap struct {
	ThrottleStep float64
	SteerStep    float64
}

// DefaultKeyMap uses a throttle step of 0.1 and a steer step of 0.02.
func DefaultKeyMap() KeyMap {
	return KeyMap{ThrottleStep: 0.1, SteerStep: 0.02}
}

// KeyMapFromConfig reads the throttle and steer steps from cfg.
func KeyMapFromConfig(cfg *config.TuningConfig) KeyMap {
	return KeyMap{ThrottleStep: cfg.GetThrottleStep(), SteerStep: cfg.GetSteerStep()}
}

// Command maps key to an action. Browser KeyboardEvent.key names
// ("ArrowUp") and bare names ("Up", "up") are both accepted. The "a" key
// requests a view refresh; space requests a brake.
func (m KeyMap) Command(key string) (Command, Action) {
	if key == " " {
		return Command{Brake: true}, ActionCommand
	}
	k := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(key)), "arrow")
	switch k {
	case "up":
		return Command{Throttle: m.ThrottleStep}, ActionCommand
	case "down":
		return Command{Throttle: -m.ThrottleStep}, ActionCommand
	case "left":
		return Command{Steer: m.SteerStep}, ActionCommand
	case "right":
		return Command{Steer: -m.SteerStep}, ActionCommand
	case "space":
		return Command{Brake: true}, ActionCommand
	case "a":
		return Command{}, ActionRefresh
	}
	return Command{}, ActionNone
}

// KeyToCommand is DefaultKeyMap().Command.
func KeyToCommand(key string) (Command, Action) {
	return DefaultKeyMap().Command(key)
}
