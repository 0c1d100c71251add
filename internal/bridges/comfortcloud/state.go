package comfortcloud

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Mode is the host-facing operating mode.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeHeat Mode = "heat"
	ModeCool Mode = "cool"
	ModeDry  Mode = "dry"
	ModeFan  Mode = "fan"
)

// Action is what the appliance is currently doing.
type Action string

const (
	ActionIdle    Action = "idle"
	ActionHeating Action = "heating"
	ActionCooling Action = "cooling"
)

// Temperature limits exposed to the host.
const (
	MinTargetTemperature  = 16.0
	MaxTargetTemperature  = 30.0
	TargetTemperatureStep = 0.5

	// InvalidTemperatureThreshold marks vendor sensor readings at or above
	// which the value is a sentinel, not a measurement.
	InvalidTemperatureThreshold = 99.0

	// UnavailableTemperature is the sentinel for "no sensor reading".
	UnavailableTemperature = 126.0
)

// Fan speeds. The host uses 1..6 where 6 is auto; the vendor uses 0 for auto.
const (
	MinFanSpeed   = 1
	MaxFanSpeed   = 6
	FanSpeedAuto  = 6
	vendorFanAuto = 0
)

// Vendor eco mode values.
const (
	ecoOff      = 0
	ecoPowerful = 1
	ecoQuiet    = 2
)

// Vendor swing values. Swing is reported enabled only for LR auto with UD auto.
const (
	swingLRAuto     = 2
	swingUDAuto     = 0
	fanAutoSwingOn  = 0
	fanAutoSwingOff = 1
	operateOn       = 1
	operateOff      = 0
)

// DefaultDryFanAction is reported in dry and fan modes unless overridden.
const DefaultDryFanAction = ActionIdle

var vendorModes = map[int]Mode{
	0: ModeAuto,
	1: ModeDry,
	2: ModeCool,
	3: ModeHeat,
	4: ModeFan,
}

var modeCodes = map[Mode]int{
	ModeAuto: 0,
	ModeDry:  1,
	ModeCool: 2,
	ModeHeat: 3,
	ModeFan:  4,
}

// ModeFromVendor maps an operationMode code to a Mode.
func ModeFromVendor(code int) (Mode, bool) {
	m, ok := vendorModes[code]
	return m, ok
}

// VendorMode maps a Mode to its operationMode code.
func VendorMode(m Mode) (int, bool) {
	code, ok := modeCodes[m]
	return code, ok
}

// FanSpeedFromVendor maps vendor fan speed 0..5 to host 1..6.
func FanSpeedFromVendor(v int) int {
	if v == vendorFanAuto {
		return FanSpeedAuto
	}
	return v
}

// VendorFanSpeed maps host fan speed 1..6 to vendor 0..5.
func VendorFanSpeed(speed int) int {
	if speed == FanSpeedAuto {
		return vendorFanAuto
	}
	return speed
}

// ClampTargetTemperature rounds to the nearest step and clamps to the host range.
func ClampTargetTemperature(t float64) float64 {
	if math.IsNaN(t) {
		return MinTargetTemperature
	}
	t = math.Round(t/TargetTemperatureStep) * TargetTemperatureStep
	return math.Min(MaxTargetTemperature, math.Max(MinTargetTemperature, t))
}

// State is the canonical appliance state shown to the host.
type State struct {
	Active             bool      `json:"active"`
	Mode               Mode      `json:"mode"`
	TargetMode         Mode      `json:"target_mode"`
	Action             Action    `json:"action"`
	CurrentTemperature *float64  `json:"current_temperature,omitempty"`
	OutsideTemperature *float64  `json:"outside_temperature,omitempty"`
	TargetTemperature  float64   `json:"target_temperature"`
	FanSpeed           int       `json:"fan_speed"`
	SwingEnabled       bool      `json:"swing"`
	Powerful           bool      `json:"powerful"`
	Quiet              bool      `json:"quiet"`
	Online             bool      `json:"online"`
	Faulted            bool      `json:"faulted"`
	LastSyncedAt       time.Time `json:"last_synced_at"`
}

// Reconciler converts vendor telemetry into State.
type Reconciler struct {
	// DryFanAction is reported while in dry or fan mode.
	DryFanAction Action

	Logger Logger
}

// Reconcile builds a State from one telemetry snapshot.
func (r Reconciler) Reconcile(t Telemetry, now time.Time) (State, error) {
	mode, ok := ModeFromVendor(t.OperationMode)
	if !ok {
		return State{}, fmt.Errorf("%w: unknown operationMode %d", ErrMalformedResponse, t.OperationMode)
	}
	if t.FanSpeed < 0 || t.FanSpeed > MaxFanSpeed-1 {
		return State{}, fmt.Errorf("%w: fanSpeed %d out of range", ErrMalformedResponse, t.FanSpeed)
	}

	st := State{
		Active:             t.Operate == operateOn,
		Mode:               mode,
		TargetMode:         targetModeFor(mode),
		CurrentTemperature: r.currentTemperature(t.InsideTemperature, t.OutTemperature),
		TargetTemperature:  ClampTargetTemperature(t.TemperatureSet),
		FanSpeed:           FanSpeedFromVendor(t.FanSpeed),
		SwingEnabled:       t.AirSwingLR == swingLRAuto && t.AirSwingUD == swingUDAuto,
		Online:             t.Online,
		Faulted:            !t.Online || t.ErrorStatusFlg,
		LastSyncedAt:       now,
	}
	if t.OutTemperature < InvalidTemperatureThreshold {
		out := t.OutTemperature
		st.OutsideTemperature = &out
	}
	if t.EcoMode != nil {
		st.Powerful = *t.EcoMode == ecoPowerful
		st.Quiet = *t.EcoMode == ecoQuiet
	}
	st.Action = r.action(st.Active, mode, st.CurrentTemperature, t.TemperatureSet)
	return st, nil
}

// currentTemperature prefers the inside sensor and falls back to outside.
func (r Reconciler) currentTemperature(inside, outside float64) *float64 {
	switch {
	case inside < InvalidTemperatureThreshold:
		return &inside
	case outside < InvalidTemperatureThreshold:
		return &outside
	case inside == UnavailableTemperature || outside == UnavailableTemperature:
		r.debug("no temperature reading available", "inside", inside, "outside", outside)
	default:
		r.warn("temperature readings out of range", "inside", inside, "outside", outside)
	}
	return nil
}

func (r Reconciler) action(active bool, mode Mode, current *float64, target float64) Action {
	if !active {
		return ActionIdle
	}
	switch mode {
	case ModeDry, ModeFan:
		if r.DryFanAction == "" {
			return DefaultDryFanAction
		}
		return r.DryFanAction
	}
	if current == nil {
		return ActionIdle
	}
	switch {
	case (mode == ModeAuto || mode == ModeHeat) && *current < target:
		return ActionHeating
	case (mode == ModeAuto || mode == ModeCool) && *current > target:
		return ActionCooling
	default:
		return ActionIdle
	}
}

// targetModeFor maps dry and fan onto cool, the closest host target mode.
func targetModeFor(m Mode) Mode {
	switch m {
	case ModeDry, ModeFan:
		return ModeCool
	default:
		return m
	}
}

func (r Reconciler) debug(msg string, args ...any) {
	if r.Logger != nil {
		r.Logger.Debug(msg, args...)
	}
}

func (r Reconciler) warn(msg string, args ...any) {
	if r.Logger != nil {
		r.Logger.Warn(msg, args...)
	}
}

// StateCache holds the latest State and reports every change.
type StateCache struct {
	mu       sync.RWMutex
	state    State
	valid    bool
	onChange func(State)
}

// NewStateCache creates an empty cache. onChange may be nil.
func NewStateCache(onChange func(State)) *StateCache {
	return &StateCache{onChange: onChange}
}

// Get returns the current state and whether any state is known yet.
func (c *StateCache) Get() (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.valid
}

// Replace stores a freshly reconciled state.
func (c *StateCache) Replace(st State) {
	c.mu.Lock()
	c.state = st
	c.valid = true
	c.mu.Unlock()
	c.changed(st)
}

// Update applies fn to the cached state. It does not make an empty cache valid.
func (c *StateCache) Update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	st := c.state
	c.mu.Unlock()
	c.changed(st)
}

// SetFaulted sets the fault flag. A fault is reported even before the
// first successful poll.
func (c *StateCache) SetFaulted(faulted bool) {
	c.mu.Lock()
	if c.state.Faulted == faulted && (c.valid || !faulted) {
		c.mu.Unlock()
		return
	}
	c.state.Faulted = faulted
	c.valid = c.valid || faulted
	st := c.state
	c.mu.Unlock()
	c.changed(st)
}

func (c *StateCache) changed(st State) {
	setFaultedGauge(st.Faulted)
	if c.onChange != nil {
		c.onChange(st)
	}
}
