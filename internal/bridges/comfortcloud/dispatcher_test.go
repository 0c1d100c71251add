package comfortcloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type memoryCommandLog struct {
	mu       sync.Mutex
	recorded []PendingCommand
	resolved []PendingCommand
}

func (l *memoryCommandLog) RecordCommand(_ context.Context, cmd *PendingCommand) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded = append(l.recorded, *cmd)
	return nil
}

func (l *memoryCommandLog) ResolveCommand(_ context.Context, cmd *PendingCommand) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resolved = append(l.resolved, *cmd)
	return nil
}

type dispatchHarness struct {
	cloud    *fakeCloud
	tokens   *staticTokens
	cache    *StateCache
	sched    *Scheduler
	log      *memoryCommandLog
	outcomes chan CommandOutcome
	d        *Dispatcher

	mu        sync.Mutex
	refreshes []time.Duration
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()
	h := &dispatchHarness{
		cloud:    newFakeCloud(t),
		tokens:   &staticTokens{token: "tok"},
		cache:    NewStateCache(nil),
		sched:    NewScheduler(),
		log:      &memoryCommandLog{},
		outcomes: make(chan CommandOutcome, 16),
	}
	h.cache.Replace(State{Active: true, Mode: ModeCool, TargetMode: ModeCool, TargetTemperature: 24, FanSpeed: 3})

	h.d = NewDispatcher(context.Background(), DispatcherOptions{
		API:       h.cloud.client(),
		Session:   h.tokens,
		Identity:  resolvedIdentity,
		Cache:     h.cache,
		Scheduler: h.sched,
		Refresh: func(d time.Duration) {
			h.mu.Lock()
			h.refreshes = append(h.refreshes, d)
			h.mu.Unlock()
		},
		Log:            h.log,
		OnResolved:     func(o CommandOutcome) { h.outcomes <- o },
		CoalesceWindow: 30 * time.Millisecond,
	})
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *dispatchHarness) set(t *testing.T, field Field, value any) {
	t.Helper()
	var got error
	called := false
	h.d.SetValue(field, value, func(err error) {
		called = true
		got = err
	})
	if !called {
		t.Fatalf("SetValue(%s) did not call done", field)
	}
	if got != nil {
		t.Fatalf("SetValue(%s, %v) done error = %v", field, value, got)
	}
}

func (h *dispatchHarness) outcome(t *testing.T) CommandOutcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no command outcome")
		return CommandOutcome{}
	}
}

func TestDispatcher_FanSpeedTopSlotRoundTrip(t *testing.T) {
	h := newDispatchHarness(t)

	h.set(t, FieldFanSpeed, 6)
	o := h.outcome(t)
	if o.Command.Status != CommandConfirmed {
		t.Fatalf("status = %q, want %q (err %v)", o.Command.Status, CommandConfirmed, o.Err)
	}

	payloads := h.cloud.controlPayloads()
	if len(payloads) != 1 {
		t.Fatalf("control calls = %d, want 1", len(payloads))
	}
	if got, ok := payloads[0]["fanSpeed"]; !ok || got != float64(0) || len(payloads[0]) != 1 {
		t.Errorf("vendor payload = %v, want {fanSpeed:0}", payloads[0])
	}

	st, err := Reconciler{}.Reconcile(telemetry(func(tel *Telemetry) { tel.FanSpeed = 0 }), time.Now())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if st.FanSpeed != 6 {
		t.Errorf("reconciled FanSpeed = %d, want 6", st.FanSpeed)
	}
}

func TestDispatcher_OptimisticUpdate(t *testing.T) {
	h := newDispatchHarness(t)

	h.set(t, FieldActive, false)
	st, _ := h.cache.Get()
	if st.Active {
		t.Error("cache Active = true right after SetValue(active, false)")
	}
	h.outcome(t)
}

func TestDispatcher_TemperatureWritesCoalesce(t *testing.T) {
	h := newDispatchHarness(t)

	h.set(t, FieldCoolingThreshold, 22.0)
	h.set(t, FieldHeatingThreshold, 23.0)
	h.set(t, FieldTargetTemperature, 24.5)

	if st, _ := h.cache.Get(); st.TargetTemperature != 24.5 {
		t.Errorf("cached target = %v, want 24.5", st.TargetTemperature)
	}

	o := h.outcome(t)
	if o.Command.Field != FieldTargetTemperature {
		t.Errorf("sent field = %q, want the last write", o.Command.Field)
	}

	time.Sleep(60 * time.Millisecond)
	payloads := h.cloud.controlPayloads()
	if len(payloads) != 1 {
		t.Fatalf("control calls = %d, want 1", len(payloads))
	}
	if got := payloads[0]["temperatureSet"]; got != 24.5 {
		t.Errorf("temperatureSet = %v, want 24.5", got)
	}
}

func TestDispatcher_RetiredFlushSendsNothing(t *testing.T) {
	cloud := newFakeCloud(t)
	log := &memoryCommandLog{}
	sched := NewScheduler()
	defer sched.Stop()
	resolved := 0

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ctx, DispatcherOptions{
		API:        cloud.client(),
		Session:    &staticTokens{token: "tok"},
		Identity:   resolvedIdentity,
		Cache:      NewStateCache(nil),
		Scheduler:  sched,
		Log:        log,
		OnResolved: func(CommandOutcome) { resolved++ },
	})

	// A coalesced write is due when the generation is retired.
	d.pendingTemp = &coalescedWrite{field: FieldTargetTemperature, value: 21.0, temp: 21}
	cancel()
	d.flushTemperature()

	if _, _, _, control := cloud.counts(); control != 0 {
		t.Errorf("control calls = %d, want 0", control)
	}
	if len(log.recorded) != 0 || resolved != 0 {
		t.Errorf("recorded = %d, resolved = %d; want 0, 0", len(log.recorded), resolved)
	}
}

func TestDispatcher_TemperatureForwardedVerbatim(t *testing.T) {
	h := newDispatchHarness(t)

	h.set(t, FieldTargetTemperature, 31.3)
	h.outcome(t)

	if got := h.cloud.controlPayloads()[0]["temperatureSet"]; got != 31.3 {
		t.Errorf("temperatureSet = %v, want 31.3 unclamped", got)
	}
	if st, _ := h.cache.Get(); st.TargetTemperature != MaxTargetTemperature {
		t.Errorf("cached target = %v, want %v", st.TargetTemperature, MaxTargetTemperature)
	}
}

func TestDispatcher_InvalidWritesSendNothing(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		value any
		want  error
	}{
		{"unknown field", Field("humidity"), 50, ErrUnknownField},
		{"fan too high", FieldFanSpeed, 7, ErrInvalidValue},
		{"fan zero", FieldFanSpeed, 0, ErrInvalidValue},
		{"fan fractional", FieldFanSpeed, 2.5, ErrInvalidValue},
		{"bad mode", FieldMode, "turbo", ErrInvalidValue},
		{"mode not a string", FieldMode, 2, ErrInvalidValue},
		{"bad bool", FieldActive, "maybe", ErrInvalidValue},
		{"bool out of range", FieldSwing, 2, ErrInvalidValue},
		{"temperature not a number", FieldTargetTemperature, []int{1}, ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newDispatchHarness(t)
			before, _ := h.cache.Get()

			var got error
			h.d.SetValue(tt.field, tt.value, func(err error) { got = err })
			if !errors.Is(got, tt.want) {
				t.Errorf("done error = %v, want %v", got, tt.want)
			}

			h.d.Wait()
			time.Sleep(50 * time.Millisecond)
			if _, _, _, control := h.cloud.counts(); control != 0 {
				t.Errorf("control calls = %d, want 0", control)
			}
			if after, _ := h.cache.Get(); after != before {
				t.Errorf("cache changed on an invalid write: %+v", after)
			}
		})
	}
}

func TestDispatcher_ModeChangeSchedulesRefresh(t *testing.T) {
	h := newDispatchHarness(t)

	h.set(t, FieldMode, "Heat")
	o := h.outcome(t)

	if got := h.cloud.controlPayloads()[0]["operationMode"]; got != float64(3) {
		t.Errorf("operationMode = %v, want 3", got)
	}
	if o.Command.RequestedValue != "Heat" {
		t.Errorf("RequestedValue = %v, want Heat", o.Command.RequestedValue)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.refreshes) != 1 || h.refreshes[0] != DefaultModeRefreshDelay {
		t.Errorf("refreshes = %v, want [%v]", h.refreshes, DefaultModeRefreshDelay)
	}
}

func TestDispatcher_NonModeWriteDoesNotRefresh(t *testing.T) {
	h := newDispatchHarness(t)
	h.set(t, FieldPowerful, true)
	h.outcome(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.refreshes) != 0 {
		t.Errorf("refreshes = %v, want none", h.refreshes)
	}
}

func TestDispatcher_Outcomes(t *testing.T) {
	tests := []struct {
		name            string
		resp            cannedResponse
		wantStatus      CommandStatus
		wantFaulted     bool
		wantInvalidated bool
	}{
		{"confirmed", cannedResponse{body: `{"result":0}`}, CommandConfirmed, false, false},
		{"rejected", cannedResponse{body: `{"result":1,"code":4200}`}, CommandFailed, true, false},
		{"forbidden", cannedResponse{http.StatusForbidden, `{}`}, CommandFailed, true, false},
		{"expired", cannedResponse{http.StatusUnauthorized, `{}`}, CommandFailed, false, true},
		{"transient", cannedResponse{http.StatusServiceUnavailable, ``}, CommandFailed, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newDispatchHarness(t)
			h.cloud.queueControl(tt.resp)

			h.set(t, FieldSwing, true)
			o := h.outcome(t)
			if o.Command.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", o.Command.Status, tt.wantStatus)
			}
			if st, _ := h.cache.Get(); st.Faulted != tt.wantFaulted {
				t.Errorf("Faulted = %v, want %v", st.Faulted, tt.wantFaulted)
			}
			if got := len(h.tokens.invalidations()) == 1; got != tt.wantInvalidated {
				t.Errorf("invalidated = %v, want %v", got, tt.wantInvalidated)
			}
			if o.Command.ResolvedAt.IsZero() {
				t.Error("ResolvedAt not set")
			}
		})
	}
}

func TestDispatcher_SuccessClearsFault(t *testing.T) {
	h := newDispatchHarness(t)
	h.cache.SetFaulted(true)

	h.set(t, FieldQuiet, true)
	h.outcome(t)

	st, _ := h.cache.Get()
	if st.Faulted {
		t.Error("Faulted = true after a confirmed command")
	}
	if !st.Quiet || st.Powerful {
		t.Errorf("Quiet/Powerful = %v/%v, want true/false", st.Quiet, st.Powerful)
	}
}

func TestDispatcher_RecordsCommands(t *testing.T) {
	h := newDispatchHarness(t)

	h.set(t, FieldActive, true)
	o := h.outcome(t)

	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	if len(h.log.recorded) != 1 || len(h.log.resolved) != 1 {
		t.Fatalf("recorded/resolved = %d/%d, want 1/1", len(h.log.recorded), len(h.log.resolved))
	}
	if h.log.recorded[0].Status != CommandPending {
		t.Errorf("recorded status = %q, want pending", h.log.recorded[0].Status)
	}
	if h.log.resolved[0].ID != o.Command.ID || h.log.resolved[0].Status != CommandConfirmed {
		t.Errorf("resolved = %+v", h.log.resolved[0])
	}
}

func TestDispatcher_UnresolvedDevice(t *testing.T) {
	h := newDispatchHarness(t)
	h.d.identity = func() (DeviceIdentity, bool) { return DeviceIdentity{}, false }

	h.set(t, FieldActive, true)
	o := h.outcome(t)
	if !errors.Is(o.Err, ErrDeviceNotResolved) {
		t.Errorf("outcome error = %v, want %v", o.Err, ErrDeviceNotResolved)
	}
	if st, _ := h.cache.Get(); st.Faulted {
		t.Error("unresolved device faulted the appliance")
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		value any
		want  ControlParameters
	}{
		{"on", FieldActive, true, ControlParameters{Operate: intPtr(1)}},
		{"off as number", FieldActive, 0.0, ControlParameters{Operate: intPtr(0)}},
		{"auto", FieldMode, "auto", ControlParameters{OperationMode: intPtr(0)}},
		{"dry", FieldMode, "dry", ControlParameters{OperationMode: intPtr(1)}},
		{"cool", FieldMode, "COOL", ControlParameters{OperationMode: intPtr(2)}},
		{"fan mode", FieldMode, "fan", ControlParameters{OperationMode: intPtr(4)}},
		{"fan speed 1", FieldFanSpeed, 1, ControlParameters{FanSpeed: intPtr(1)}},
		{"fan speed 5", FieldFanSpeed, 5.0, ControlParameters{FanSpeed: intPtr(5)}},
		{"fan speed auto", FieldFanSpeed, "6", ControlParameters{FanSpeed: intPtr(0)}},
		{"swing on", FieldSwing, true, ControlParameters{FanAutoMode: intPtr(0), AirSwingLR: intPtr(2), AirSwingUD: intPtr(0)}},
		{"swing off", FieldSwing, false, ControlParameters{FanAutoMode: intPtr(1), AirSwingLR: intPtr(2), AirSwingUD: intPtr(0)}},
		{"powerful", FieldPowerful, true, ControlParameters{EcoMode: intPtr(1)}},
		{"quiet", FieldQuiet, "true", ControlParameters{EcoMode: intPtr(2)}},
		{"quiet off", FieldQuiet, false, ControlParameters{EcoMode: intPtr(0)}},
		{"threshold", FieldHeatingThreshold, 20, ControlParameters{TemperatureSet: floatPtr(20)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, apply, err := Translate(tt.field, tt.value)
			if err != nil {
				t.Fatalf("Translate() error = %v", err)
			}
			if !sameParams(got, tt.want) {
				t.Errorf("Translate() = %s, want %s", describe(got), describe(tt.want))
			}
			if apply == nil {
				t.Error("Translate() returned no state update")
			}
		})
	}
}

func sameParams(a, b ControlParameters) bool {
	return describe(a) == describe(b)
}

func describe(p ControlParameters) string {
	b, _ := json.Marshal(p) //nolint:errcheck // plain struct
	return string(b)
}
