package comfortcloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SessionState is the login lifecycle state.
type SessionState int

const (
	SessionLoggedOut SessionState = iota
	SessionLoggingIn
	SessionActive
	SessionExpired
	SessionFaulted
)

func (s SessionState) String() string {
	switch s {
	case SessionLoggedOut:
		return "logged_out"
	case SessionLoggingIn:
		return "logging_in"
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	case SessionFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session timing defaults.
const (
	DefaultLoginRenewalInterval = 3 * time.Hour
	DefaultAuthRetryInterval    = 6 * time.Minute
	DefaultVersionRetryDelay    = 30 * time.Second
)

// Credentials identify the account and the appliance within it. Indices
// are 1-based.
type Credentials struct {
	Email       string
	Password    string
	GroupIndex  int
	DeviceIndex int
}

// Validate checks the credentials are usable.
func (c Credentials) Validate() error {
	var errs []error
	if c.Email == "" {
		errs = append(errs, errors.New("email is required"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if c.GroupIndex < 1 {
		errs = append(errs, fmt.Errorf("group index must be >= 1, got %d", c.GroupIndex))
	}
	if c.DeviceIndex < 1 {
		errs = append(errs, fmt.Errorf("device index must be >= 1, got %d", c.DeviceIndex))
	}
	return errors.Join(errs...)
}

// String redacts the password.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Email:%s Password:[REDACTED] GroupIndex:%d DeviceIndex:%d}", c.Email, c.GroupIndex, c.DeviceIndex)
}

// SessionConfig tunes session timing. Zero values take the defaults.
type SessionConfig struct {
	RenewalInterval   time.Duration
	AuthRetryInterval time.Duration
	VersionRetryDelay time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.RenewalInterval <= 0 {
		c.RenewalInterval = DefaultLoginRenewalInterval
	}
	if c.AuthRetryInterval <= 0 {
		c.AuthRetryInterval = DefaultAuthRetryInterval
	}
	if c.VersionRetryDelay <= 0 {
		c.VersionRetryDelay = DefaultVersionRetryDelay
	}
	return c
}

// VersionStore persists the advertised app version across restarts.
type VersionStore interface {
	SaveAppVersion(ctx context.Context, version string) error
}

// Session is a snapshot of the session.
type Session struct {
	Token    string
	IssuedAt time.Time
	State    SessionState
}

// SessionManagerOptions wires a SessionManager.
type SessionManagerOptions struct {
	API         API
	Credentials Credentials
	Scheduler   *Scheduler
	Config      SessionConfig

	// Store persists a renegotiated app version. Optional.
	Store VersionStore

	// OnActive runs after every successful login with the new token.
	OnActive func(ctx context.Context, token string)

	// OnStateChange is told about every state transition.
	OnStateChange func(SessionState)

	Logger Logger
}

// SessionManager owns the vendor token. At most one login is in flight;
// a second caller gets ErrLoginInProgress rather than joining it.
type SessionManager struct {
	ctx           context.Context
	api           API
	creds         Credentials
	sched         *Scheduler
	cfg           SessionConfig
	store         VersionStore
	onActive      func(ctx context.Context, token string)
	onStateChange func(SessionState)
	logger        Logger
	now           func() time.Time

	mu        sync.Mutex
	session   Session
	loginDone chan struct{}

	// versionRetried is set once a 4106 has been handled in the current
	// retry cycle; a second 4106 then counts as an auth failure.
	versionRetried bool
}

// NewSessionManager creates a logged out session. ctx bounds logins
// started by timers; cancelling it retires the manager.
func NewSessionManager(ctx context.Context, opts SessionManagerOptions) *SessionManager {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &SessionManager{
		ctx:           ctx,
		api:           opts.API,
		creds:         opts.Credentials,
		sched:         opts.Scheduler,
		cfg:           opts.Config.withDefaults(),
		store:         opts.Store,
		onActive:      opts.OnActive,
		onStateChange: opts.OnStateChange,
		logger:        logger,
		now:           time.Now,
	}
}

// Start schedules the first login immediately.
func (m *SessionManager) Start() {
	m.sched.Arm(TimerLoginRenewal, 0, m.scheduledLogin)
}

// Snapshot returns the current session.
func (m *SessionManager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// State returns the current session state.
func (m *SessionManager) State() SessionState {
	return m.Snapshot().State
}

// Login authenticates against the cloud. It returns ErrLoginInProgress
// without side effects if another login is running.
func (m *SessionManager) Login(ctx context.Context) error {
	m.mu.Lock()
	if m.session.State == SessionLoggingIn {
		m.mu.Unlock()
		return ErrLoginInProgress
	}
	done := m.beginLoginLocked()
	m.mu.Unlock()
	m.stateChanged(SessionLoggingIn)

	return m.runLogin(ctx, done)
}

// EnsureValidToken returns the active token. While a login is running it
// waits for the outcome; an expired session triggers a login.
func (m *SessionManager) EnsureValidToken(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		state := m.session.State
		token := m.session.Token
		done := m.loginDone
		m.mu.Unlock()

		switch state {
		case SessionActive:
			return token, nil
		case SessionFaulted:
			return "", ErrSessionFaulted
		case SessionLoggedOut:
			return "", ErrNotLoggedIn
		case SessionLoggingIn:
			select {
			case <-done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		case SessionExpired:
			if err := m.Login(ctx); err != nil && !errors.Is(err, ErrLoginInProgress) {
				return "", err
			}
		}
	}
}

// Invalidate reports that token was rejected with 401. The first caller
// for an active token moves the session to Expired and runs the one
// reactive login; everyone else gets false.
func (m *SessionManager) Invalidate(ctx context.Context, token string) bool {
	m.mu.Lock()
	if m.session.State != SessionActive || m.session.Token != token {
		m.mu.Unlock()
		return false
	}
	m.session.State = SessionExpired
	m.session.Token = ""
	done := m.beginLoginLocked()
	m.mu.Unlock()

	m.stateChanged(SessionExpired)
	m.stateChanged(SessionLoggingIn)
	m.logger.Info("session token rejected, logging in again")

	//nolint:errcheck // outcome is logged and surfaced through the session state
	m.runLogin(ctx, done)
	return true
}

// Reject faults the session when a token fresh from login is refused. No
// login is attempted; the next one runs after AuthRetryInterval. Returns
// false when token is no longer the active one.
func (m *SessionManager) Reject(token string) bool {
	m.mu.Lock()
	if m.session.State != SessionActive || m.session.Token != token {
		m.mu.Unlock()
		return false
	}
	m.session = Session{State: SessionFaulted}
	m.mu.Unlock()

	m.sched.Cancel(TimerLoginRenewal)
	m.logger.Error("new session token rejected", "retry_in", m.cfg.AuthRetryInterval)
	m.stateChanged(SessionFaulted)
	m.scheduleRetry(m.cfg.AuthRetryInterval)
	return true
}

// beginLoginLocked marks a login in flight. Caller holds m.mu.
func (m *SessionManager) beginLoginLocked() chan struct{} {
	done := make(chan struct{})
	m.loginDone = done
	m.session.State = SessionLoggingIn
	m.sched.Cancel(TimerRetry)
	return done
}

func (m *SessionManager) runLogin(ctx context.Context, done chan struct{}) error {
	token, err := m.api.Login(ctx, m.creds.Email, m.creds.Password)
	if err == nil {
		m.loginSucceeded(ctx, token, done)
		return nil
	}

	if ctx.Err() != nil {
		m.finishLogin(Session{State: SessionLoggedOut}, done)
		logins.WithLabelValues(outcomeCanceled).Inc()
		return ctx.Err()
	}

	// Any failure other than a first 4106 ends the cycle, so the login
	// after the auth retry may renegotiate again.
	m.mu.Lock()
	versionRetry := errors.Is(err, ErrProtocolVersion) && !m.versionRetried
	m.versionRetried = versionRetry
	m.mu.Unlock()

	if versionRetry {
		logins.WithLabelValues(outcomeVersion).Inc()
		m.finishLogin(Session{State: SessionFaulted}, done)
		if verr := m.renegotiateVersion(ctx); verr != nil {
			m.logger.Error("app version lookup failed", "error", verr)
			m.mu.Lock()
			m.versionRetried = false
			m.mu.Unlock()
			m.scheduleRetry(m.cfg.AuthRetryInterval)
			return fmt.Errorf("login: %w", errors.Join(err, verr))
		}
		m.scheduleRetry(m.cfg.VersionRetryDelay)
		return fmt.Errorf("login: %w", err)
	}

	logins.WithLabelValues(outcomeOf(err)).Inc()
	m.logger.Error("login failed", "error", err, "retry_in", m.cfg.AuthRetryInterval)
	m.finishLogin(Session{State: SessionFaulted}, done)
	m.scheduleRetry(m.cfg.AuthRetryInterval)
	return fmt.Errorf("login: %w", err)
}

func (m *SessionManager) loginSucceeded(ctx context.Context, token string, done chan struct{}) {
	m.mu.Lock()
	m.versionRetried = false
	m.mu.Unlock()

	m.finishLogin(Session{Token: token, IssuedAt: m.now(), State: SessionActive}, done)
	logins.WithLabelValues(outcomeOK).Inc()
	m.logger.Info("logged in to comfort cloud", "renewal_in", m.cfg.RenewalInterval)

	m.sched.Arm(TimerLoginRenewal, m.cfg.RenewalInterval, m.scheduledLogin)
	if m.onActive != nil {
		m.onActive(ctx, token)
	}
}

// finishLogin records the outcome and wakes waiters.
func (m *SessionManager) finishLogin(s Session, done chan struct{}) {
	m.mu.Lock()
	m.session = s
	if m.loginDone == done {
		m.loginDone = nil
	}
	m.mu.Unlock()

	close(done)
	m.stateChanged(s.State)
}

// renegotiateVersion fetches and adopts the current app version.
func (m *SessionManager) renegotiateVersion(ctx context.Context) error {
	old := m.api.AppVersion()
	version, err := m.api.LookupAppVersion(ctx)
	if err != nil {
		return err
	}
	m.api.SetAppVersion(version)
	m.logger.Warn("app version rejected by cloud, updated", "old_version", old, "new_version", version, "retry_in", m.cfg.VersionRetryDelay)

	if m.store != nil {
		if err := m.store.SaveAppVersion(ctx, version); err != nil {
			m.logger.Warn("failed to persist app version", "version", version, "error", err)
		}
	}
	return nil
}

func (m *SessionManager) scheduleRetry(d time.Duration) {
	m.sched.Arm(TimerRetry, d, m.scheduledLogin)
}

func (m *SessionManager) scheduledLogin() {
	if m.ctx.Err() != nil {
		return
	}
	if err := m.Login(m.ctx); err != nil && !errors.Is(err, ErrLoginInProgress) {
		m.logger.Debug("scheduled login did not succeed", "error", err)
	}
}

func (m *SessionManager) stateChanged(s SessionState) {
	sessionState.Set(float64(s))
	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}
