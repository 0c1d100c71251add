package comfortcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testGUID         = "G1"
	defaultGroups    = `{"groupList":[{"groupId":1,"groupName":"Home","deviceList":[{"deviceGuid":"G1","deviceName":"Lounge"}]}]}`
	coolingTelemetry = `{"parameters":{"operate":1,"operationMode":2,"temperatureSet":24,"insideTemperature":26,"outTemperature":12,"fanSpeed":0,"airSwingLR":2,"airSwingUD":0,"ecoMode":0,"online":true,"errorStatusFlg":false}}`
)

// cannedResponse is a status code and body. A zero status means 200.
type cannedResponse struct {
	status int
	body   string
}

// fakeCloud emulates the Comfort Cloud REST API.
type fakeCloud struct {
	srv *httptest.Server

	mu           sync.Mutex
	loginCalls   int
	groupCalls   int
	statusCalls  int
	controlCalls int
	lookupCalls  int

	// Queued responses are consumed first; the default applies after.
	loginQueue   []cannedResponse
	statusQueue  []cannedResponse
	controlQueue []cannedResponse
	groupsQueue  []cannedResponse
	groupsStatus int
	groupsBody   string
	statusBody   string

	loginDelay time.Duration

	loginBodies []loginRequest
	controls    []json.RawMessage
	versions    []string
	tokensSeen  []string
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	f := &fakeCloud{groupsBody: defaultGroups, statusBody: coolingTelemetry}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCloud) client() *HTTPClient {
	return NewHTTPClient(ClientOptions{
		BaseURL:          f.srv.URL,
		VersionLookupURL: f.srv.URL + "/lookup",
		Timeout:          5 * time.Second,
	})
}

func (f *fakeCloud) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server

	f.mu.Lock()
	f.versions = append(f.versions, r.Header.Get("X-APP-VERSION"))
	if tok := r.Header.Get("X-User-Authorization"); tok != "" {
		f.tokensSeen = append(f.tokensSeen, tok)
	}

	var resp cannedResponse
	switch {
	case r.Method == http.MethodPost && r.URL.Path == pathLogin:
		f.loginCalls++
		var req loginRequest
		_ = json.Unmarshal(body, &req) //nolint:errcheck // test server
		f.loginBodies = append(f.loginBodies, req)
		resp = pop(&f.loginQueue, cannedResponse{body: fmt.Sprintf(`{"uToken":"token-%d"}`, f.loginCalls)})
		delay := f.loginDelay
		f.mu.Unlock()
		time.Sleep(delay)
		write(w, resp)
		return

	case r.Method == http.MethodGet && r.URL.Path == pathGroups:
		f.groupCalls++
		resp = pop(&f.groupsQueue, cannedResponse{status: f.groupsStatus, body: f.groupsBody})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, pathStatus):
		f.statusCalls++
		resp = pop(&f.statusQueue, cannedResponse{body: f.statusBody})

	case r.Method == http.MethodPost && r.URL.Path == pathControl:
		f.controlCalls++
		f.controls = append(f.controls, json.RawMessage(body))
		resp = pop(&f.controlQueue, cannedResponse{body: `{"result":0}`})

	case r.URL.Path == "/lookup":
		f.lookupCalls++
		resp = cannedResponse{body: `{"resultCount":1,"results":[{"version":"1.20.0"}]}`}

	default:
		resp = cannedResponse{status: http.StatusNotFound, body: `{"code":404,"message":"not found"}`}
	}
	f.mu.Unlock()
	write(w, resp)
}

func pop(queue *[]cannedResponse, def cannedResponse) cannedResponse {
	if len(*queue) == 0 {
		return def
	}
	next := (*queue)[0]
	*queue = (*queue)[1:]
	return next
}

func write(w http.ResponseWriter, resp cannedResponse) {
	status := resp.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp.body) //nolint:errcheck // test server
}

func (f *fakeCloud) queueLogin(r ...cannedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginQueue = append(f.loginQueue, r...)
}

func (f *fakeCloud) queueStatus(r ...cannedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusQueue = append(f.statusQueue, r...)
}

func (f *fakeCloud) queueControl(r ...cannedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlQueue = append(f.controlQueue, r...)
}

func (f *fakeCloud) queueGroups(r ...cannedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupsQueue = append(f.groupsQueue, r...)
}

// failGroups makes every device listing without a queued response fail.
func (f *fakeCloud) failGroups(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupsStatus, f.groupsBody = status, body
}

func (f *fakeCloud) setLoginDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginDelay = d
}

func (f *fakeCloud) setStatusBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusBody = body
}

func (f *fakeCloud) counts() (login, groups, status, control int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.groupCalls, f.statusCalls, f.controlCalls
}

func (f *fakeCloud) controlPayloads() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.controls))
	for _, raw := range f.controls {
		var body struct {
			DeviceGUID string         `json:"deviceGuid"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.Unmarshal(raw, &body); err == nil {
			out = append(out, body.Parameters)
		}
	}
	return out
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

// recordingLogger captures log calls.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

func (l *recordingLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *recordingLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && strings.Contains(e.msg, msg) {
			return true
		}
	}
	return false
}

// testCredentials are valid credentials selecting the first device.
func testCredentials() Credentials {
	return Credentials{Email: "user@example.com", Password: "secret", GroupIndex: 1, DeviceIndex: 1}
}

// staticTokens is a tokenSource with a fixed token.
type staticTokens struct {
	mu          sync.Mutex
	token       string
	err         error
	invalidated []string
}

func (s *staticTokens) EnsureValidToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.err
}

func (s *staticTokens) Invalidate(_ context.Context, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, token)
	return true
}

func (s *staticTokens) invalidations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invalidated...)
}

func resolvedIdentity() (DeviceIdentity, bool) {
	return DeviceIdentity{DeviceGUID: testGUID}, true
}
