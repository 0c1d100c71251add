package comfortcloud

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	states []State
	ids    []DeviceIdentity
}

func (s *recordingSink) RecordState(id DeviceIdentity, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	s.states = append(s.states, st)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

type syncHarness struct {
	cloud  *fakeCloud
	tokens *staticTokens
	cache  *StateCache
	sched  *Scheduler
	sink   *recordingSink
	log    *recordingLogger
	sync   *Synchronizer
}

func newSyncHarness(t *testing.T, identity func() (DeviceIdentity, bool)) *syncHarness {
	t.Helper()
	h := &syncHarness{
		cloud:  newFakeCloud(t),
		tokens: &staticTokens{token: "tok"},
		cache:  NewStateCache(nil),
		sched:  NewScheduler(),
		sink:   &recordingSink{},
		log:    &recordingLogger{},
	}
	if identity == nil {
		identity = resolvedIdentity
	}
	h.sync = NewSynchronizer(SynchronizerOptions{
		API:       h.cloud.client(),
		Session:   h.tokens,
		Identity:  identity,
		Cache:     h.cache,
		Scheduler: h.sched,
		Sink:      h.sink,
		Logger:    h.log,
	})
	t.Cleanup(h.sched.Stop)
	return h
}

func TestSynchronizer_TickOK(t *testing.T) {
	h := newSyncHarness(t, nil)

	if got := h.sync.Tick(context.Background()); got != TickOK {
		t.Fatalf("Tick() = %q, want %q", got, TickOK)
	}

	st, ok := h.cache.Get()
	if !ok {
		t.Fatal("cache empty after a successful tick")
	}
	if st.Mode != ModeCool || st.Action != ActionCooling || st.FanSpeed != FanSpeedAuto || !st.SwingEnabled {
		t.Errorf("cached state = %+v", st)
	}
	if h.sink.count() != 1 || h.sink.ids[0].DeviceGUID != testGUID {
		t.Errorf("sink got %d states, want 1 for %s", h.sink.count(), testGUID)
	}
}

func TestSynchronizer_TickErrors(t *testing.T) {
	tests := []struct {
		name            string
		resp            cannedResponse
		want            TickOutcome
		wantFaulted     bool
		wantInvalidated bool
		wantHalted      bool
	}{
		{"expired token", cannedResponse{http.StatusUnauthorized, `{}`}, TickExpired, false, true, false},
		{"forbidden", cannedResponse{http.StatusForbidden, `{}`}, TickForbidden, true, false, true},
		{"server error", cannedResponse{http.StatusBadGateway, `{}`}, TickTransient, false, false, false},
		{"malformed", cannedResponse{http.StatusOK, `{"parameters":{}}`}, TickMalformed, true, false, false},
		{"unknown mode", cannedResponse{http.StatusOK, `{"parameters":{"operate":1,"operationMode":9,"temperatureSet":24,"insideTemperature":26,"outTemperature":12,"fanSpeed":0,"airSwingLR":2,"airSwingUD":0,"online":true,"errorStatusFlg":false}}`}, TickMalformed, true, false, false},
		{"unexpected status", cannedResponse{http.StatusNotFound, `{}`}, TickUnknown, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSyncHarness(t, nil)
			h.cloud.queueStatus(tt.resp)

			if got := h.sync.Tick(context.Background()); got != tt.want {
				t.Fatalf("Tick() = %q, want %q", got, tt.want)
			}

			st, _ := h.cache.Get()
			if st.Faulted != tt.wantFaulted {
				t.Errorf("Faulted = %v, want %v", st.Faulted, tt.wantFaulted)
			}
			if got := len(h.tokens.invalidations()) > 0; got != tt.wantInvalidated {
				t.Errorf("invalidated = %v, want %v", got, tt.wantInvalidated)
			}
			if h.sync.Halted() != tt.wantHalted {
				t.Errorf("Halted() = %v, want %v", h.sync.Halted(), tt.wantHalted)
			}
			if h.sink.count() != 0 {
				t.Errorf("sink got %d states after a failed tick", h.sink.count())
			}
		})
	}
}

func TestSynchronizer_MalformedLogsBody(t *testing.T) {
	h := newSyncHarness(t, nil)
	body := `{"parameters":{"operate":1}}`
	h.cloud.queueStatus(cannedResponse{body: body})

	h.sync.Tick(context.Background())

	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	for _, e := range h.log.entries {
		if e.level != "error" {
			continue
		}
		for i := 0; i+1 < len(e.args); i += 2 {
			if e.args[i] == "body" && e.args[i+1] == body {
				return
			}
		}
	}
	t.Errorf("no error log carried the raw body; entries = %+v", h.log.entries)
}

func TestSynchronizer_TransientKeepsLastState(t *testing.T) {
	h := newSyncHarness(t, nil)
	if got := h.sync.Tick(context.Background()); got != TickOK {
		t.Fatalf("first Tick() = %q, want %q", got, TickOK)
	}
	before, _ := h.cache.Get()

	h.cloud.queueStatus(cannedResponse{status: http.StatusServiceUnavailable})
	if got := h.sync.Tick(context.Background()); got != TickTransient {
		t.Fatalf("second Tick() = %q, want %q", got, TickTransient)
	}

	after, _ := h.cache.Get()
	if !after.LastSyncedAt.Equal(before.LastSyncedAt) || after.Faulted {
		t.Errorf("state changed on a transient failure: before %+v, after %+v", before, after)
	}
}

func TestSynchronizer_ForbiddenHaltsPolling(t *testing.T) {
	h := newSyncHarness(t, nil)
	h.cloud.queueStatus(cannedResponse{status: http.StatusForbidden, body: `{}`})

	h.sync.Start(context.Background())
	eventually(t, time.Second, h.sync.Halted, "403 halts polling")

	if h.sched.Pending(TimerPoll) {
		t.Error("poll timer still armed after 403")
	}
	if got := h.sync.Tick(context.Background()); got != TickHalted {
		t.Errorf("Tick() after halt = %q, want %q", got, TickHalted)
	}
	if _, _, status, _ := h.cloud.counts(); status != 1 {
		t.Errorf("status requests = %d, want 1", status)
	}
}

func TestSynchronizer_StartRearms(t *testing.T) {
	h := newSyncHarness(t, nil)

	h.sync.Start(context.Background())
	eventually(t, time.Second, func() bool {
		_, ok := h.cache.Get()
		return ok && h.sched.Pending(TimerPoll)
	}, "first poll and re-arm")

	due, _ := h.sched.Due(TimerPoll)
	if d := time.Until(due); d < DefaultPollInterval-5*time.Second || d > DefaultPollInterval {
		t.Errorf("next poll in %v, want about %v", d, DefaultPollInterval)
	}
}

func TestSynchronizer_CanceledContextStopsPolling(t *testing.T) {
	h := newSyncHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := h.sync.Tick(ctx); got != TickSkipped {
		t.Errorf("Tick() = %q, want %q", got, TickSkipped)
	}
	h.sync.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	if h.sched.Pending(TimerPoll) {
		t.Error("poll re-armed with a cancelled context")
	}
	if _, _, status, _ := h.cloud.counts(); status != 0 {
		t.Errorf("status requests = %d, want 0", status)
	}
}

func TestSynchronizer_SkipsWithoutIdentityOrToken(t *testing.T) {
	unresolved := func() (DeviceIdentity, bool) { return DeviceIdentity{}, false }
	h := newSyncHarness(t, unresolved)
	if got := h.sync.Tick(context.Background()); got != TickSkipped {
		t.Errorf("Tick() without identity = %q, want %q", got, TickSkipped)
	}

	h2 := newSyncHarness(t, nil)
	h2.tokens.err = ErrSessionFaulted
	if got := h2.sync.Tick(context.Background()); got != TickSkipped {
		t.Errorf("Tick() without token = %q, want %q", got, TickSkipped)
	}

	for _, c := range []*fakeCloud{h.cloud, h2.cloud} {
		if _, _, status, _ := c.counts(); status != 0 {
			t.Errorf("status requests = %d, want 0", status)
		}
	}
}

func TestSynchronizer_RefreshAfter(t *testing.T) {
	h := newSyncHarness(t, nil)

	h.sync.RefreshAfter(context.Background(), 10*time.Millisecond)
	if !h.sched.Pending(TimerRefresh) {
		t.Fatal("refresh timer not armed")
	}
	eventually(t, time.Second, func() bool { return h.sink.count() == 1 }, "refresh poll")
	if h.sched.Pending(TimerPoll) {
		t.Error("refresh armed the recurring poll")
	}
}

func TestClampPollInterval(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultPollInterval},
		{time.Second, MinPollInterval},
		{90 * time.Second, 90 * time.Second},
		{time.Hour, MaxPollInterval},
	}
	for _, tt := range tests {
		if got := ClampPollInterval(tt.in); got != tt.want {
			t.Errorf("ClampPollInterval(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
