package comfortcloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Field is a writable host characteristic.
type Field string

const (
	FieldActive            Field = "active"
	FieldMode              Field = "mode"
	FieldTargetTemperature Field = "target_temperature"
	FieldCoolingThreshold  Field = "cooling_threshold"
	FieldHeatingThreshold  Field = "heating_threshold"
	FieldFanSpeed          Field = "fan_speed"
	FieldSwing             Field = "swing"
	FieldPowerful          Field = "powerful"
	FieldQuiet             Field = "quiet"
)

// Fields lists every writable field.
func Fields() []Field {
	return []Field{
		FieldActive, FieldMode, FieldTargetTemperature, FieldCoolingThreshold,
		FieldHeatingThreshold, FieldFanSpeed, FieldSwing, FieldPowerful, FieldQuiet,
	}
}

// Dispatcher timing defaults.
const (
	DefaultCoalesceWindow   = 100 * time.Millisecond
	DefaultModeRefreshDelay = 2500 * time.Millisecond
)

// CommandStatus is the lifecycle of a control command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandConfirmed CommandStatus = "confirmed"
	CommandFailed    CommandStatus = "failed"
)

// PendingCommand is one control request and its outcome.
type PendingCommand struct {
	ID             string            `json:"id"`
	Field          Field             `json:"field"`
	RequestedValue any               `json:"requested_value"`
	VendorPayload  ControlParameters `json:"vendor_payload"`
	Status         CommandStatus     `json:"status"`
	IssuedAt       time.Time         `json:"issued_at"`
	ResolvedAt     time.Time         `json:"resolved_at,omitzero"`
	Error          string            `json:"error,omitempty"`
}

// CommandOutcome is passed to the dispatcher's OnResolved hook.
type CommandOutcome struct {
	Command PendingCommand
	Err     error
}

// DispatcherOptions wires a Dispatcher.
type DispatcherOptions struct {
	API       API
	Session   tokenSource
	Identity  func() (DeviceIdentity, bool)
	Cache     *StateCache
	Scheduler *Scheduler

	// Refresh schedules a status poll after a mode change.
	Refresh func(d time.Duration)

	// Log records commands. Optional.
	Log CommandLog

	// OnResolved is told the outcome of every command. Optional.
	OnResolved func(CommandOutcome)

	CoalesceWindow   time.Duration
	ModeRefreshDelay time.Duration
	Logger           Logger
}

// Dispatcher turns host writes into vendor control calls. Writes are
// acknowledged immediately; the vendor call happens in the background.
type Dispatcher struct {
	ctx          context.Context
	api          API
	session      tokenSource
	identity     func() (DeviceIdentity, bool)
	cache        *StateCache
	sched        *Scheduler
	refresh      func(d time.Duration)
	log          CommandLog
	onResolved   func(CommandOutcome)
	window       time.Duration
	refreshDelay time.Duration
	logger       Logger
	now          func() time.Time

	wg sync.WaitGroup

	mu          sync.Mutex
	pendingTemp *coalescedWrite
}

type coalescedWrite struct {
	field Field
	value any
	temp  float64
}

// NewDispatcher creates a dispatcher. ctx bounds every vendor call it makes.
func NewDispatcher(ctx context.Context, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	window := opts.CoalesceWindow
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	refreshDelay := opts.ModeRefreshDelay
	if refreshDelay <= 0 {
		refreshDelay = DefaultModeRefreshDelay
	}
	return &Dispatcher{
		ctx:          ctx,
		api:          opts.API,
		session:      opts.Session,
		identity:     opts.Identity,
		cache:        opts.Cache,
		sched:        opts.Scheduler,
		refresh:      opts.Refresh,
		log:          opts.Log,
		onResolved:   opts.OnResolved,
		window:       window,
		refreshDelay: refreshDelay,
		logger:       logger,
		now:          time.Now,
	}
}

// SetValue validates and applies a write. done is called before any
// vendor I/O: with nil once the write is accepted, or with an
// ErrUnknownField/ErrInvalidValue error, in which case nothing is sent.
func (d *Dispatcher) SetValue(field Field, value any, done func(error)) {
	params, apply, err := Translate(field, value)
	if err != nil {
		if done != nil {
			done(err)
		}
		return
	}
	if done != nil {
		done(nil)
	}

	d.cache.Update(apply)

	if field == FieldMode && d.refresh != nil {
		d.refresh(d.refreshDelay)
	}

	if params.TemperatureSet != nil {
		d.coalesce(field, value, *params.TemperatureSet)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(field, value, params)
	}()
}

// Wait blocks until background sends have finished. A coalesced write
// still inside its window is not waited for.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// coalesce merges temperature writes inside the window; the last wins.
func (d *Dispatcher) coalesce(field Field, value any, temp float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	first := d.pendingTemp == nil
	d.pendingTemp = &coalescedWrite{field: field, value: value, temp: temp}
	if !first {
		return
	}

	if !d.sched.Arm(TimerCoalesce, d.window, d.flushTemperature) {
		d.pendingTemp = nil
	}
}

func (d *Dispatcher) flushTemperature() {
	d.mu.Lock()
	w := d.pendingTemp
	d.pendingTemp = nil
	d.mu.Unlock()

	if w == nil || d.ctx.Err() != nil {
		return
	}
	d.send(w.field, w.value, ControlParameters{TemperatureSet: floatPtr(w.temp)})
}

// send performs one control call and records its outcome.
func (d *Dispatcher) send(field Field, value any, params ControlParameters) {
	ctx := d.ctx
	cmd := &PendingCommand{
		ID:             uuid.NewString(),
		Field:          field,
		RequestedValue: value,
		VendorPayload:  params,
		Status:         CommandPending,
		IssuedAt:       d.now(),
	}
	if d.log != nil {
		if err := d.log.RecordCommand(ctx, cmd); err != nil {
			d.logger.Warn("failed to record command", "command_id", cmd.ID, "error", err)
		}
	}

	err := d.control(ctx, params)
	d.resolve(ctx, cmd, err)
}

func (d *Dispatcher) control(ctx context.Context, params ControlParameters) error {
	id, ok := d.identity()
	if !ok {
		return ErrDeviceNotResolved
	}
	token, err := d.session.EnsureValidToken(ctx)
	if err != nil {
		return err
	}

	err = d.api.Control(ctx, token, id.DeviceGUID, params)
	if errors.Is(err, ErrTokenExpired) {
		d.session.Invalidate(ctx, token)
	}
	return err
}

func (d *Dispatcher) resolve(ctx context.Context, cmd *PendingCommand, err error) {
	cmd.ResolvedAt = d.now()

	switch {
	case err == nil:
		cmd.Status = CommandConfirmed
		d.cache.SetFaulted(false)
		d.logger.Debug("command confirmed", "command_id", cmd.ID, "field", cmd.Field)

	case ctx.Err() != nil:
		cmd.Status = CommandFailed
		cmd.Error = ctx.Err().Error()

	case errors.Is(err, ErrTransientServer), errors.Is(err, ErrTokenExpired), errors.Is(err, ErrDeviceNotResolved):
		cmd.Status = CommandFailed
		cmd.Error = err.Error()
		d.logger.Warn("set failed", "command_id", cmd.ID, "field", cmd.Field, "error", err)

	default:
		cmd.Status = CommandFailed
		cmd.Error = err.Error()
		d.cache.SetFaulted(true)
		d.logger.Error("set failed", "command_id", cmd.ID, "field", cmd.Field, "error", err)
	}

	commands.WithLabelValues(string(cmd.Field), string(cmd.Status)).Inc()

	if d.log != nil {
		// Record the outcome even when the generation is shutting down.
		if lerr := d.log.ResolveCommand(context.WithoutCancel(ctx), cmd); lerr != nil {
			d.logger.Warn("failed to record command outcome", "command_id", cmd.ID, "error", lerr)
		}
	}
	if d.onResolved != nil {
		d.onResolved(CommandOutcome{Command: *cmd, Err: err})
	}
}

// Translate maps a host write onto vendor control parameters and the
// optimistic change to apply to the cached state.
func Translate(field Field, value any) (ControlParameters, func(*State), error) {
	switch field {
	case FieldActive:
		on, err := asBool(value)
		if err != nil {
			return invalid(field, value, err)
		}
		op := operateOff
		if on {
			op = operateOn
		}
		return ControlParameters{Operate: intPtr(op)}, func(s *State) { s.Active = on }, nil

	case FieldMode:
		mode, err := asMode(value)
		if err != nil {
			return invalid(field, value, err)
		}
		code, _ := VendorMode(mode)
		return ControlParameters{OperationMode: intPtr(code)}, func(s *State) {
			s.Mode = mode
			s.TargetMode = targetModeFor(mode)
		}, nil

	case FieldTargetTemperature, FieldCoolingThreshold, FieldHeatingThreshold:
		t, err := asFloat(value)
		if err != nil {
			return invalid(field, value, err)
		}
		return ControlParameters{TemperatureSet: floatPtr(t)}, func(s *State) { s.TargetTemperature = ClampTargetTemperature(t) }, nil

	case FieldFanSpeed:
		speed, err := asInt(value)
		if err != nil {
			return invalid(field, value, err)
		}
		if speed < MinFanSpeed || speed > MaxFanSpeed {
			return invalid(field, value, fmt.Errorf("fan speed must be %d-%d", MinFanSpeed, MaxFanSpeed))
		}
		return ControlParameters{FanSpeed: intPtr(VendorFanSpeed(speed))}, func(s *State) { s.FanSpeed = speed }, nil

	case FieldSwing:
		on, err := asBool(value)
		if err != nil {
			return invalid(field, value, err)
		}
		autoMode := fanAutoSwingOff
		if on {
			autoMode = fanAutoSwingOn
		}
		return ControlParameters{
			FanAutoMode: intPtr(autoMode),
			AirSwingLR:  intPtr(swingLRAuto),
			AirSwingUD:  intPtr(swingUDAuto),
		}, func(s *State) { s.SwingEnabled = on }, nil

	case FieldPowerful, FieldQuiet:
		on, err := asBool(value)
		if err != nil {
			return invalid(field, value, err)
		}
		eco := ecoOff
		if on && field == FieldPowerful {
			eco = ecoPowerful
		} else if on {
			eco = ecoQuiet
		}
		return ControlParameters{EcoMode: intPtr(eco)}, func(s *State) {
			s.Powerful = eco == ecoPowerful
			s.Quiet = eco == ecoQuiet
		}, nil

	default:
		return ControlParameters{}, nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
}

func invalid(field Field, value any, err error) (ControlParameters, func(*State), error) {
	return ControlParameters{}, nil, fmt.Errorf("%w: %s=%v: %w", ErrInvalidValue, field, value, err)
}

func asBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	case float64, int, json.Number:
		n, err := asFloat(x)
		if err != nil {
			return false, err
		}
		switch n {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return false, fmt.Errorf("number %v is not 0 or 1", n)
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

func asFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, err
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, err
		}
		f = n
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("number is not finite")
	}
	return f, nil
}

func asInt(v any) (int, error) {
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not a whole number", f)
	}
	return int(f), nil
}

func asMode(v any) (Mode, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected mode name, got %T", v)
	}
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := VendorMode(m); !ok {
		return "", fmt.Errorf("unknown mode %q", s)
	}
	return m, nil
}
