package comfortcloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Options configures an Agent.
type Options struct {
	Credentials  Credentials
	PollInterval time.Duration

	// Client talks to the cloud. Required.
	Client API

	Session          SessionConfig
	DryFanAction     Action
	CoalesceWindow   time.Duration
	ModeRefreshDelay time.Duration

	// Optional persistence and telemetry.
	VersionStore VersionStore
	CommandLog   CommandLog
	Sink         StateSink

	Logger Logger
}

// Status summarises the agent for health reporting.
type Status struct {
	Session      string          `json:"session"`
	Device       *DeviceIdentity `json:"device,omitempty"`
	PollInterval time.Duration   `json:"poll_interval"`
	PollHalted   bool            `json:"poll_halted"`
	Timers       []TimerName     `json:"timers"`
	Subscribers  int             `json:"subscribers"`
	Generation   uint64          `json:"generation"`
}

// Agent keeps one appliance in sync with the cloud. Everything tied to a
// login (scheduler, session, resolved device, cached state) lives in a
// generation; Reconfigure throws the whole generation away.
type Agent struct {
	logger Logger
	hub    *notifier

	reconfigMu sync.Mutex

	mu      sync.RWMutex
	opts    Options
	parent  context.Context
	gen     *generation
	genSeq  uint64
	stopped bool
}

// New validates opts and creates an idle agent. Call Start to begin.
func New(opts Options) (*Agent, error) {
	if opts.Client == nil {
		return nil, errors.New("comfortcloud: client is required")
	}
	if err := opts.Credentials.Validate(); err != nil {
		return nil, fmt.Errorf("comfortcloud: invalid credentials: %w", err)
	}
	opts.PollInterval = ClampPollInterval(opts.PollInterval)
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &Agent{logger: opts.Logger, hub: newNotifier(), opts: opts}, nil
}

// Start launches the first generation. ctx bounds the agent's lifetime.
func (a *Agent) Start(ctx context.Context) error {
	a.reconfigMu.Lock()
	defer a.reconfigMu.Unlock()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return errors.New("comfortcloud: agent stopped")
	}
	if a.gen != nil {
		a.mu.Unlock()
		return errors.New("comfortcloud: agent already started")
	}
	a.parent = ctx
	g := a.newGenerationLocked()
	a.gen = g
	a.mu.Unlock()

	g.start()
	return nil
}

// Reconfigure replaces the credentials and poll interval. The current
// generation is stopped before the new one starts, so no timer from the
// old configuration can fire afterwards.
func (a *Agent) Reconfigure(creds Credentials, pollInterval time.Duration) error {
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("comfortcloud: invalid credentials: %w", err)
	}

	a.reconfigMu.Lock()
	defer a.reconfigMu.Unlock()

	a.mu.Lock()
	if a.stopped || a.gen == nil {
		a.mu.Unlock()
		return errors.New("comfortcloud: agent not running")
	}
	a.opts.Credentials = creds
	a.opts.PollInterval = ClampPollInterval(pollInterval)
	old := a.gen
	g := a.newGenerationLocked()
	a.gen = g
	a.mu.Unlock()

	old.stop()
	a.logger.Info("comfort cloud bridge reconfigured", "generation", g.id, "poll_interval", g.sync.Interval())
	g.start()
	return nil
}

// Stop ends the current generation and closes all subscriptions.
func (a *Agent) Stop() {
	a.reconfigMu.Lock()
	defer a.reconfigMu.Unlock()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	g := a.gen
	a.mu.Unlock()

	if g != nil {
		g.stop()
	}
	a.hub.close()
}

// GetState returns the cached state without any vendor I/O. ok is false
// until the first successful poll or fault.
func (a *Agent) GetState() (State, bool) {
	g := a.current()
	if g == nil {
		return State{}, false
	}
	return g.cache.Get()
}

// SetValue writes one field. done is invoked before any vendor I/O.
func (a *Agent) SetValue(field string, value any, done func(error)) {
	g := a.current()
	if g == nil {
		if done != nil {
			done(errors.New("comfortcloud: agent not running"))
		}
		return
	}
	g.dispatcher.SetValue(Field(field), value, done)
}

// Subscribe returns a notification channel and its cancel function. Slow
// subscribers miss notifications rather than blocking the agent.
func (a *Agent) Subscribe() (<-chan Notification, func()) {
	return a.hub.subscribe()
}

// SessionState returns the current session state.
func (a *Agent) SessionState() SessionState {
	g := a.current()
	if g == nil {
		return SessionLoggedOut
	}
	return g.session.State()
}

// Identity returns the resolved device, if any.
func (a *Agent) Identity() (DeviceIdentity, bool) {
	g := a.current()
	if g == nil {
		return DeviceIdentity{}, false
	}
	return g.device()
}

// Status returns a snapshot for health endpoints.
func (a *Agent) Status() Status {
	st := Status{Session: SessionLoggedOut.String(), Subscribers: a.hub.count(), Timers: []TimerName{}}
	g := a.current()
	if g == nil {
		return st
	}
	st.Session = g.session.State().String()
	st.PollInterval = g.sync.Interval()
	st.PollHalted = g.sync.Halted()
	st.Timers = g.sched.Names()
	st.Generation = g.id
	if id, ok := g.device(); ok {
		st.Device = &id
	}
	return st
}

func (a *Agent) current() *generation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.gen
}

// generation is everything that lives for one configuration.
type generation struct {
	id         uint64
	ctx        context.Context
	cancel     context.CancelFunc
	sched      *Scheduler
	cache      *StateCache
	session    *SessionManager
	resolver   *DeviceResolver
	sync       *Synchronizer
	dispatcher *Dispatcher
	retryDelay time.Duration
	logger     Logger

	idMu     sync.RWMutex
	identity DeviceIdentity
	resolved bool
}

// newGenerationLocked wires a fresh generation from a.opts. Caller holds a.mu.
func (a *Agent) newGenerationLocked() *generation {
	a.genSeq++
	opts := a.opts
	ctx, cancel := context.WithCancel(a.parent)

	g := &generation{
		id:         a.genSeq,
		ctx:        ctx,
		cancel:     cancel,
		sched:      NewScheduler(),
		retryDelay: opts.Session.withDefaults().AuthRetryInterval,
		logger:     opts.Logger,
	}

	g.cache = NewStateCache(func(st State) {
		if ctx.Err() != nil {
			return
		}
		a.hub.publish(Notification{Kind: NotifyState, State: &st})
	})

	g.session = NewSessionManager(ctx, SessionManagerOptions{
		API:         opts.Client,
		Credentials: opts.Credentials,
		Scheduler:   g.sched,
		Config:      opts.Session,
		Store:       opts.VersionStore,
		OnActive:    g.onActive,
		OnStateChange: func(s SessionState) {
			if ctx.Err() != nil {
				return
			}
			if s == SessionFaulted {
				g.cache.SetFaulted(true)
			}
			a.hub.publish(Notification{Kind: NotifySession, Session: s.String()})
		},
		Logger: opts.Logger,
	})

	g.resolver = NewDeviceResolver(opts.Client, opts.Credentials, opts.Logger)

	g.sync = NewSynchronizer(SynchronizerOptions{
		API:        opts.Client,
		Session:    g.session,
		Identity:   g.device,
		Cache:      g.cache,
		Scheduler:  g.sched,
		Reconciler: Reconciler{DryFanAction: opts.DryFanAction, Logger: opts.Logger},
		Interval:   opts.PollInterval,
		Sink:       opts.Sink,
		Logger:     opts.Logger,
	})

	g.dispatcher = NewDispatcher(ctx, DispatcherOptions{
		API:       opts.Client,
		Session:   g.session,
		Identity:  g.device,
		Cache:     g.cache,
		Scheduler: g.sched,
		Refresh:   func(d time.Duration) { g.sync.RefreshAfter(ctx, d) },
		Log:       opts.CommandLog,
		OnResolved: func(out CommandOutcome) {
			if ctx.Err() != nil {
				return
			}
			cmd := out.Command
			a.hub.publish(Notification{Kind: NotifyCommand, Command: &cmd})
		},
		CoalesceWindow:   opts.CoalesceWindow,
		ModeRefreshDelay: opts.ModeRefreshDelay,
		Logger:           opts.Logger,
	})

	return g
}

func (g *generation) start() {
	g.session.Start()
}

func (g *generation) stop() {
	g.sched.Stop()
	g.cancel()
	g.dispatcher.Wait()
}

func (g *generation) device() (DeviceIdentity, bool) {
	g.idMu.RLock()
	defer g.idMu.RUnlock()
	return g.identity, g.resolved
}

// onActive resolves the device after every login and (re)starts polling.
func (g *generation) onActive(ctx context.Context, token string) {
	if ctx.Err() != nil {
		return
	}
	g.resolveAndPoll(ctx, token, true)
}

// resolveAndPoll lists the account's devices with token. fresh means the
// token came straight from a login: a 401 then faults the session instead
// of logging in again.
func (g *generation) resolveAndPoll(ctx context.Context, token string, fresh bool) {
	id, err := g.resolver.Resolve(ctx, token)
	if err != nil {
		g.idMu.Lock()
		g.resolved = false
		g.idMu.Unlock()
		g.sched.Cancel(TimerPoll)
		g.cache.SetFaulted(true)

		var resErr *DeviceResolutionError
		switch {
		case errors.As(err, &resErr):
			// Wrong indices do not fix themselves; wait for the next login.
		case errors.Is(err, ErrTokenExpired) && fresh:
			g.session.Reject(token)
		case errors.Is(err, ErrTokenExpired):
			g.session.Invalidate(ctx, token)
		default:
			g.logger.Warn("device listing failed, retrying", "error", err, "retry_in", g.retryDelay)
			g.sched.Arm(TimerRetry, g.retryDelay, g.retryResolve)
		}
		return
	}

	g.idMu.Lock()
	g.identity = id
	g.resolved = true
	g.idMu.Unlock()

	g.sync.Start(ctx)
}

// retryResolve repeats device resolution after a failed listing.
func (g *generation) retryResolve() {
	token, err := g.session.EnsureValidToken(g.ctx)
	if err != nil {
		return
	}
	g.resolveAndPoll(g.ctx, token, false)
}
