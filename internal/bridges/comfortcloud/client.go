package comfortcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Vendor endpoints and defaults.
const (
	DefaultBaseURL          = "https://accsmart.panasonic.com"
	DefaultVersionLookupURL = "https://itunes.apple.com/lookup?id=1348640525"
	DefaultAppVersion       = "1.7.0"
	DefaultRequestTimeout   = 15 * time.Second

	pathLogin   = "/auth/login/"
	pathGroups  = "/device/group/"
	pathStatus  = "/deviceStatus/now/"
	pathControl = "/deviceStatus/control/"

	// loginLanguage is the vendor code for English.
	loginLanguage = "0"

	// appType identifies the client as the iOS app.
	appType = "0"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// Endpoint labels used in errors, spans and metrics.
const (
	EndpointLogin         = "login"
	EndpointGroups        = "groups"
	EndpointStatus        = "status"
	EndpointControl       = "control"
	EndpointVersionLookup = "version_lookup"
)

// API is the vendor surface the session, resolver, synchronizer and
// dispatcher depend on.
type API interface {
	Login(ctx context.Context, email, password string) (string, error)
	Groups(ctx context.Context, token string) (*GroupListing, error)
	DeviceStatus(ctx context.Context, token, guid string) (Telemetry, error)
	Control(ctx context.Context, token, guid string, params ControlParameters) error
	LookupAppVersion(ctx context.Context) (string, error)
	SetAppVersion(version string)
	AppVersion() string
}

// ClientOptions configures an HTTPClient.
type ClientOptions struct {
	// BaseURL is the cloud API root. Default: DefaultBaseURL.
	BaseURL string

	// VersionLookupURL returns the current app version. Default: DefaultVersionLookupURL.
	VersionLookupURL string

	// AppVersion is sent as X-APP-VERSION. Default: DefaultAppVersion.
	AppVersion string

	// Timeout bounds each request. Default: DefaultRequestTimeout.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	// Tracer records a span per vendor call. Default: the global provider.
	Tracer trace.Tracer
}

// HTTPClient talks to the Comfort Cloud REST API.
type HTTPClient struct {
	baseURL   string
	lookupURL string
	http      *http.Client
	tracer    trace.Tracer

	mu         sync.RWMutex
	appVersion string
}

// NewHTTPClient creates a client with defaults applied.
func NewHTTPClient(opts ClientOptions) *HTTPClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.VersionLookupURL == "" {
		opts.VersionLookupURL = DefaultVersionLookupURL
	}
	if opts.AppVersion == "" {
		opts.AppVersion = DefaultAppVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/nerrad567/gray-logic-comfortcloud/internal/bridges/comfortcloud")
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		lookupURL:  opts.VersionLookupURL,
		http:       httpClient,
		tracer:     tracer,
		appVersion: opts.AppVersion,
	}
}

// AppVersion returns the version currently sent as X-APP-VERSION.
func (c *HTTPClient) AppVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appVersion
}

// SetAppVersion replaces the advertised app version.
func (c *HTTPClient) SetAppVersion(version string) {
	if version == "" {
		return
	}
	c.mu.Lock()
	c.appVersion = version
	c.mu.Unlock()
}

// Login exchanges credentials for a session token.
func (c *HTTPClient) Login(ctx context.Context, email, password string) (string, error) {
	var resp loginResponse
	req := loginRequest{LoginID: email, Language: loginLanguage, Password: password}
	if err := c.do(ctx, EndpointLogin, http.MethodPost, pathLogin, "", req, &resp); err != nil {
		return "", err
	}
	if resp.UToken == "" {
		return "", &APIError{Endpoint: EndpointLogin, Status: http.StatusOK, Message: "response has no uToken", kind: ErrMalformedResponse}
	}
	return resp.UToken, nil
}

// Groups lists the account's device groups.
func (c *HTTPClient) Groups(ctx context.Context, token string) (*GroupListing, error) {
	var listing GroupListing
	if err := c.do(ctx, EndpointGroups, http.MethodGet, pathGroups, token, nil, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// DeviceStatus reads the current parameters of one device.
func (c *HTTPClient) DeviceStatus(ctx context.Context, token, guid string) (Telemetry, error) {
	var env statusEnvelope
	raw, err := c.doRaw(ctx, EndpointStatus, http.MethodGet, pathStatus+guid, token, nil, &env)
	if err != nil {
		return Telemetry{}, err
	}
	t, err := env.Parameters.validate()
	if err != nil {
		return Telemetry{}, &APIError{Endpoint: EndpointStatus, Status: http.StatusOK, Message: err.Error(), Body: string(raw), kind: ErrMalformedResponse}
	}
	return t, nil
}

// Control writes parameters to a device. A non-zero result is reported as
// ErrCommandRejected.
func (c *HTTPClient) Control(ctx context.Context, token, guid string, params ControlParameters) error {
	var resp controlResponse
	req := controlRequest{DeviceGUID: guid, Parameters: params}
	raw, err := c.doRaw(ctx, EndpointControl, http.MethodPost, pathControl, token, req, &resp)
	if err != nil {
		return err
	}
	if resp.Result == nil {
		return &APIError{Endpoint: EndpointControl, Status: http.StatusOK, Message: "response has no result", Body: string(raw), kind: ErrMalformedResponse}
	}
	if *resp.Result != 0 {
		return &APIError{Endpoint: EndpointControl, Status: http.StatusOK, Code: resp.Code, Message: resp.Message, Body: string(raw), kind: ErrCommandRejected}
	}
	return nil
}

// LookupAppVersion asks the app store for the current app version.
func (c *HTTPClient) LookupAppVersion(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "comfortcloud."+EndpointVersionLookup)
	defer span.End()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.lookupURL, nil)
	if err != nil {
		return "", fmt.Errorf("building version lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		observeRequest(EndpointVersionLookup, outcomeNetwork, time.Since(start))
		endSpan(span, err)
		return "", fmt.Errorf("%w: %s: %w", ErrTransientServer, EndpointVersionLookup, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		observeRequest(EndpointVersionLookup, outcomeNetwork, time.Since(start))
		endSpan(span, err)
		return "", fmt.Errorf("%w: reading %s: %w", ErrTransientServer, EndpointVersionLookup, err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Endpoint: EndpointVersionLookup, Status: resp.StatusCode, Body: string(body), kind: ErrUnexpectedStatus}
		if resp.StatusCode >= http.StatusInternalServerError {
			apiErr.kind = ErrTransientServer
		}
		observeRequest(EndpointVersionLookup, outcomeOf(apiErr), time.Since(start))
		endSpan(span, apiErr)
		return "", apiErr
	}

	var lookup versionLookupResponse
	if err := json.Unmarshal(body, &lookup); err != nil || len(lookup.Results) == 0 || lookup.Results[0].Version == "" {
		apiErr := &APIError{Endpoint: EndpointVersionLookup, Status: resp.StatusCode, Message: "no version in lookup result", Body: string(body), kind: ErrMalformedResponse}
		observeRequest(EndpointVersionLookup, outcomeMalformed, time.Since(start))
		endSpan(span, apiErr)
		return "", apiErr
	}

	observeRequest(EndpointVersionLookup, outcomeOK, time.Since(start))
	span.SetAttributes(attribute.String("comfortcloud.app_version", lookup.Results[0].Version))
	endSpan(span, nil)
	return lookup.Results[0].Version, nil
}

func (c *HTTPClient) do(ctx context.Context, endpoint, method, path, token string, in, out any) error {
	_, err := c.doRaw(ctx, endpoint, method, path, token, in, out)
	return err
}

// doRaw performs one vendor call and decodes a 200 body into out. It
// returns the raw body so callers can attach it to later validation errors.
func (c *HTTPClient) doRaw(ctx context.Context, endpoint, method, path, token string, in, out any) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "comfortcloud."+endpoint, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("comfortcloud.endpoint", endpoint),
		))
	defer span.End()

	start := time.Now()
	raw, err := c.roundTrip(ctx, endpoint, method, path, token, in, out)
	observeRequest(endpoint, outcomeOf(err), time.Since(start))
	endSpan(span, err)
	return raw, err
}

func (c *HTTPClient) roundTrip(ctx context.Context, endpoint, method, path, token string, in, out any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", endpoint, err)
	}
	c.setHeaders(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrTransientServer, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", ErrTransientServer, endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var failure errorResponse
		_ = json.Unmarshal(raw, &failure) //nolint:errcheck // body is optional on failures
		return raw, &APIError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Code:     failure.Code,
			Message:  failure.Message,
			Body:     string(raw),
			kind:     classifyStatus(resp.StatusCode, failure.Code, token != ""),
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: err.Error(), Body: string(raw), kind: ErrMalformedResponse}
		}
	}
	return raw, nil
}

func (c *HTTPClient) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-APP-TYPE", appType)
	req.Header.Set("X-APP-VERSION", c.AppVersion())
	if token != "" {
		req.Header.Set("X-User-Authorization", token)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
