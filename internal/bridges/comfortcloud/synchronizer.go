package comfortcloud

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Poll interval bounds.
const (
	MinPollInterval     = 60 * time.Second
	MaxPollInterval     = 600 * time.Second
	DefaultPollInterval = 60 * time.Second
)

// ClampPollInterval forces d into [MinPollInterval, MaxPollInterval].
// Zero means the default.
func ClampPollInterval(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultPollInterval
	case d < MinPollInterval:
		return MinPollInterval
	case d > MaxPollInterval:
		return MaxPollInterval
	default:
		return d
	}
}

// TickOutcome is the result of one status poll.
type TickOutcome string

const (
	TickOK        TickOutcome = "ok"
	TickSkipped   TickOutcome = "skipped"
	TickExpired   TickOutcome = "expired"
	TickForbidden TickOutcome = "forbidden"
	TickTransient TickOutcome = "transient"
	TickMalformed TickOutcome = "malformed"
	TickUnknown   TickOutcome = "unexpected"
	TickHalted    TickOutcome = "halted"
)

// tokenSource is the part of SessionManager the sync and command paths use.
type tokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
	Invalidate(ctx context.Context, token string) bool
}

// StateSink receives every reconciled state, e.g. for time-series storage.
type StateSink interface {
	RecordState(id DeviceIdentity, st State)
}

// SynchronizerOptions wires a Synchronizer.
type SynchronizerOptions struct {
	API        API
	Session    tokenSource
	Identity   func() (DeviceIdentity, bool)
	Cache      *StateCache
	Scheduler  *Scheduler
	Reconciler Reconciler
	Interval   time.Duration

	// Sink is optional.
	Sink StateSink

	Logger Logger
}

// Synchronizer polls device status and folds it into the state cache.
type Synchronizer struct {
	api        API
	session    tokenSource
	identity   func() (DeviceIdentity, bool)
	cache      *StateCache
	sched      *Scheduler
	reconciler Reconciler
	interval   time.Duration
	sink       StateSink
	logger     Logger
	now        func() time.Time

	mu     sync.Mutex
	halted bool
}

// NewSynchronizer creates a synchronizer. The interval is clamped.
func NewSynchronizer(opts SynchronizerOptions) *Synchronizer {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Synchronizer{
		api:        opts.API,
		session:    opts.Session,
		identity:   opts.Identity,
		cache:      opts.Cache,
		sched:      opts.Scheduler,
		reconciler: opts.Reconciler,
		interval:   ClampPollInterval(opts.Interval),
		sink:       opts.Sink,
		logger:     logger,
		now:        time.Now,
	}
}

// Interval returns the effective poll interval.
func (s *Synchronizer) Interval() time.Duration {
	return s.interval
}

// Start polls immediately and then every interval until ctx ends, the
// scheduler stops, or a 403 halts polling.
func (s *Synchronizer) Start(ctx context.Context) {
	s.sched.Arm(TimerPoll, 0, func() { s.run(ctx) })
}

// RefreshAfter runs a single extra poll after d.
func (s *Synchronizer) RefreshAfter(ctx context.Context, d time.Duration) {
	s.sched.Arm(TimerRefresh, d, func() { s.Tick(ctx) })
}

// Halted reports whether a 403 stopped polling.
func (s *Synchronizer) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

func (s *Synchronizer) run(ctx context.Context) {
	s.Tick(ctx)
	if ctx.Err() != nil || s.Halted() {
		return
	}
	s.sched.Arm(TimerPoll, s.interval, func() { s.run(ctx) })
}

// Tick performs one poll.
func (s *Synchronizer) Tick(ctx context.Context) TickOutcome {
	outcome := s.tick(ctx)
	pollTicks.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (s *Synchronizer) tick(ctx context.Context) TickOutcome {
	if ctx.Err() != nil {
		return TickSkipped
	}
	if s.Halted() {
		return TickHalted
	}

	id, ok := s.identity()
	if !ok {
		s.logger.Debug("skipping poll, device not resolved")
		return TickSkipped
	}

	token, err := s.session.EnsureValidToken(ctx)
	if err != nil {
		s.logger.Debug("skipping poll, no valid session", "error", err)
		return TickSkipped
	}

	t, err := s.api.DeviceStatus(ctx, token, id.DeviceGUID)
	if err != nil {
		return s.handleError(ctx, token, err)
	}

	st, err := s.reconciler.Reconcile(t, s.now())
	if err != nil {
		s.logger.Error("refresh failed, unusable telemetry", "error", err)
		s.cache.SetFaulted(true)
		return TickMalformed
	}

	if st.Faulted {
		s.logger.Warn("device may be offline or in error state", "online", t.Online, "error_status", t.ErrorStatusFlg)
	}
	s.cache.Replace(st)
	lastSync.Set(float64(st.LastSyncedAt.Unix()))
	if s.sink != nil {
		s.sink.RecordState(id, st)
	}
	s.logger.Debug("refreshed device state", "mode", st.Mode, "action", st.Action, "target", st.TargetTemperature, "fan_speed", st.FanSpeed)
	return TickOK
}

func (s *Synchronizer) handleError(ctx context.Context, token string, err error) TickOutcome {
	switch {
	case ctx.Err() != nil:
		return TickSkipped

	case errors.Is(err, ErrTokenExpired):
		s.logger.Info("refresh failed, token expired")
		s.session.Invalidate(ctx, token)
		return TickExpired

	case errors.Is(err, ErrAuth):
		s.logger.Error("refresh failed, access forbidden; polling halted until reconfigured", "error", err)
		s.mu.Lock()
		s.halted = true
		s.mu.Unlock()
		s.sched.Cancel(TimerPoll)
		s.cache.SetFaulted(true)
		return TickForbidden

	case errors.Is(err, ErrTransientServer):
		s.logger.Warn("refresh failed, will retry next interval", "error", err)
		return TickTransient

	case errors.Is(err, ErrMalformedResponse):
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			s.logger.Error("refresh failed, malformed status", "error", err, "body", apiErr.Body)
		} else {
			s.logger.Error("refresh failed, malformed status", "error", err)
		}
		s.cache.SetFaulted(true)
		return TickMalformed

	default:
		s.logger.Error("refresh failed", "error", err)
		s.cache.SetFaulted(true)
		return TickUnknown
	}
}
