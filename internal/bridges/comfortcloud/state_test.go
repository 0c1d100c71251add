package comfortcloud

import (
	"errors"
	"math"
	"testing"
	"time"
)

// telemetry returns a healthy cooling snapshot that tests tweak.
func telemetry(mutate func(*Telemetry)) Telemetry {
	t := Telemetry{
		Operate:           1,
		OperationMode:     2,
		TemperatureSet:    24,
		InsideTemperature: 26,
		OutTemperature:    12,
		FanSpeed:          0,
		AirSwingLR:        2,
		AirSwingUD:        0,
		Online:            true,
	}
	if mutate != nil {
		mutate(&t)
	}
	return t
}

func TestReconcile_CoolingExample(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st, err := Reconciler{}.Reconcile(telemetry(nil), now)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if !st.Active {
		t.Error("Active = false, want true")
	}
	if st.Mode != ModeCool {
		t.Errorf("Mode = %q, want %q", st.Mode, ModeCool)
	}
	if st.CurrentTemperature == nil || *st.CurrentTemperature != 26 {
		t.Errorf("CurrentTemperature = %v, want 26", st.CurrentTemperature)
	}
	if st.Action != ActionCooling {
		t.Errorf("Action = %q, want %q", st.Action, ActionCooling)
	}
	if st.TargetTemperature != 24 {
		t.Errorf("TargetTemperature = %v, want 24", st.TargetTemperature)
	}
	if st.OutsideTemperature == nil || *st.OutsideTemperature != 12 {
		t.Errorf("OutsideTemperature = %v, want 12", st.OutsideTemperature)
	}
	if !st.LastSyncedAt.Equal(now) {
		t.Errorf("LastSyncedAt = %v, want %v", st.LastSyncedAt, now)
	}
}

func TestReconcile_Action(t *testing.T) {
	tests := []struct {
		name    string
		operate int
		mode    int
		set     float64
		inside  float64
		want    Action
	}{
		{"auto below target heats", 1, 0, 22, 20, ActionHeating},
		{"auto above target cools", 1, 0, 22, 24, ActionCooling},
		{"auto at target idles", 1, 0, 22, 22, ActionIdle},
		{"heat below target", 1, 3, 22, 18, ActionHeating},
		{"heat above target idles", 1, 3, 22, 25, ActionIdle},
		{"cool above target", 1, 2, 22, 25, ActionCooling},
		{"cool below target idles", 1, 2, 22, 18, ActionIdle},
		{"off is idle", 0, 2, 22, 30, ActionIdle},
		{"dry defaults to idle", 1, 1, 22, 30, ActionIdle},
		{"fan defaults to idle", 1, 4, 22, 30, ActionIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel := telemetry(func(tel *Telemetry) {
				tel.Operate = tt.operate
				tel.OperationMode = tt.mode
				tel.TemperatureSet = tt.set
				tel.InsideTemperature = tt.inside
			})
			st, err := Reconciler{}.Reconcile(tel, time.Now())
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if st.Action != tt.want {
				t.Errorf("Action = %q, want %q", st.Action, tt.want)
			}
		})
	}
}

func TestReconcile_DryFanModes(t *testing.T) {
	tests := []struct {
		vendor int
		mode   Mode
	}{
		{1, ModeDry},
		{4, ModeFan},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			r := Reconciler{DryFanAction: ActionCooling}
			st, err := r.Reconcile(telemetry(func(tel *Telemetry) { tel.OperationMode = tt.vendor }), time.Now())
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if st.Mode != tt.mode {
				t.Errorf("Mode = %q, want %q", st.Mode, tt.mode)
			}
			if st.TargetMode != ModeCool {
				t.Errorf("TargetMode = %q, want %q", st.TargetMode, ModeCool)
			}
			if st.Action != ActionCooling {
				t.Errorf("Action = %q, want configured %q", st.Action, ActionCooling)
			}
		})
	}
}

func TestReconcile_TemperatureSentinels(t *testing.T) {
	tests := []struct {
		name      string
		inside    float64
		outside   float64
		want      *float64
		wantLevel string
	}{
		{"inside valid", 21, 10, floatPtr(21), ""},
		{"inside unavailable falls back", UnavailableTemperature, 10, floatPtr(10), ""},
		{"both unavailable", UnavailableTemperature, UnavailableTemperature, nil, "debug"},
		{"both out of range", 99, 100, nil, "warn"},
		{"threshold is exclusive", 98.5, 10, floatPtr(98.5), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &recordingLogger{}
			r := Reconciler{Logger: log}
			st, err := r.Reconcile(telemetry(func(tel *Telemetry) {
				tel.InsideTemperature = tt.inside
				tel.OutTemperature = tt.outside
			}), time.Now())
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}

			switch {
			case tt.want == nil && st.CurrentTemperature != nil:
				t.Errorf("CurrentTemperature = %v, want nil", *st.CurrentTemperature)
			case tt.want != nil && (st.CurrentTemperature == nil || *st.CurrentTemperature != *tt.want):
				t.Errorf("CurrentTemperature = %v, want %v", st.CurrentTemperature, *tt.want)
			}
			if tt.wantLevel != "" && !log.has(tt.wantLevel, "temperature") {
				t.Errorf("expected a %s log about temperature", tt.wantLevel)
			}
			if tt.want == nil && st.Action != ActionIdle {
				t.Errorf("Action = %q without a reading, want idle", st.Action)
			}
		})
	}
}

func TestFanSpeedMapping(t *testing.T) {
	for vendor := 0; vendor <= 5; vendor++ {
		host := FanSpeedFromVendor(vendor)
		if host < MinFanSpeed || host > MaxFanSpeed {
			t.Errorf("FanSpeedFromVendor(%d) = %d, outside %d..%d", vendor, host, MinFanSpeed, MaxFanSpeed)
		}
		if back := VendorFanSpeed(host); back != vendor {
			t.Errorf("VendorFanSpeed(FanSpeedFromVendor(%d)) = %d, want %d", vendor, back, vendor)
		}
	}
	if got := FanSpeedFromVendor(0); got != FanSpeedAuto {
		t.Errorf("FanSpeedFromVendor(0) = %d, want %d", got, FanSpeedAuto)
	}
	if got := VendorFanSpeed(6); got != 0 {
		t.Errorf("VendorFanSpeed(6) = %d, want 0", got)
	}
}

func TestReconcile_FanSpeedOutOfRange(t *testing.T) {
	_, err := Reconciler{}.Reconcile(telemetry(func(tel *Telemetry) { tel.FanSpeed = 6 }), time.Now())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Reconcile() error = %v, want %v", err, ErrMalformedResponse)
	}
}

func TestReconcile_UnknownMode(t *testing.T) {
	_, err := Reconciler{}.Reconcile(telemetry(func(tel *Telemetry) { tel.OperationMode = 9 }), time.Now())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Reconcile() error = %v, want %v", err, ErrMalformedResponse)
	}
}

func TestClampTargetTemperature(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{10, 16},
		{16, 16},
		{21.2, 21},
		{21.3, 21.5},
		{21.75, 22},
		{30, 30},
		{35, 30},
		{math.NaN(), 16},
	}

	for _, tt := range tests {
		if got := ClampTargetTemperature(tt.in); got != tt.want {
			t.Errorf("ClampTargetTemperature(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for v := 0.0; v <= 40; v += 0.1 {
		got := ClampTargetTemperature(v)
		if got < MinTargetTemperature || got > MaxTargetTemperature {
			t.Fatalf("ClampTargetTemperature(%v) = %v, outside range", v, got)
		}
		if math.Mod(got, TargetTemperatureStep) != 0 {
			t.Fatalf("ClampTargetTemperature(%v) = %v, not a multiple of %v", v, got, TargetTemperatureStep)
		}
		if ClampTargetTemperature(got) != got {
			t.Fatalf("ClampTargetTemperature is not idempotent at %v", got)
		}
	}
}

func TestReconcile_Swing(t *testing.T) {
	tests := []struct {
		lr, ud int
		want   bool
	}{
		{2, 0, true},
		{2, 1, false},
		{1, 0, false},
		{0, 2, false},
	}

	for _, tt := range tests {
		st, err := Reconciler{}.Reconcile(telemetry(func(tel *Telemetry) {
			tel.AirSwingLR = tt.lr
			tel.AirSwingUD = tt.ud
		}), time.Now())
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if st.SwingEnabled != tt.want {
			t.Errorf("swing(LR=%d, UD=%d) = %v, want %v", tt.lr, tt.ud, st.SwingEnabled, tt.want)
		}
	}
}

func TestReconcile_EcoMode(t *testing.T) {
	tests := []struct {
		name         string
		eco          *int
		wantPowerful bool
		wantQuiet    bool
	}{
		{"absent", nil, false, false},
		{"off", intPtr(0), false, false},
		{"powerful", intPtr(1), true, false},
		{"quiet", intPtr(2), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := Reconciler{}.Reconcile(telemetry(func(tel *Telemetry) { tel.EcoMode = tt.eco }), time.Now())
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if st.Powerful != tt.wantPowerful || st.Quiet != tt.wantQuiet {
				t.Errorf("Powerful/Quiet = %v/%v, want %v/%v", st.Powerful, st.Quiet, tt.wantPowerful, tt.wantQuiet)
			}
		})
	}
}

func TestReconcile_Faulted(t *testing.T) {
	tests := []struct {
		online, errFlag bool
		want            bool
	}{
		{true, false, false},
		{false, false, true},
		{true, true, true},
	}

	for _, tt := range tests {
		st, err := Reconciler{}.Reconcile(telemetry(func(tel *Telemetry) {
			tel.Online = tt.online
			tel.ErrorStatusFlg = tt.errFlag
		}), time.Now())
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if st.Faulted != tt.want {
			t.Errorf("Faulted(online=%v, err=%v) = %v, want %v", tt.online, tt.errFlag, st.Faulted, tt.want)
		}
	}
}

func TestStateCache(t *testing.T) {
	var changes []State
	c := NewStateCache(func(st State) { changes = append(changes, st) })

	if _, ok := c.Get(); ok {
		t.Fatal("Get() ok = true on an empty cache")
	}

	c.Update(func(st *State) { st.FanSpeed = 3 })
	if _, ok := c.Get(); ok {
		t.Error("Update() made an empty cache valid")
	}

	c.SetFaulted(true)
	st, ok := c.Get()
	if !ok || !st.Faulted {
		t.Errorf("after SetFaulted(true): ok=%v faulted=%v, want true/true", ok, st.Faulted)
	}

	c.Replace(State{Mode: ModeHeat, TargetTemperature: 21})
	st, _ = c.Get()
	if st.Faulted || st.Mode != ModeHeat {
		t.Errorf("after Replace: %+v", st)
	}

	before := len(changes)
	c.SetFaulted(false)
	if len(changes) != before {
		t.Error("SetFaulted with the same value notified a change")
	}

	if len(changes) != 3 {
		t.Errorf("change notifications = %d, want 3", len(changes))
	}
}
