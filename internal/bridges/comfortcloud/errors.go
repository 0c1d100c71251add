package comfortcloud

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain errors for the Comfort Cloud bridge package.
var (
	// ErrAuth is returned when the cloud rejects the account credentials,
	// or answers an authenticated request with 403.
	ErrAuth = errors.New("comfortcloud: authentication failed")

	// ErrTokenExpired is returned when an authenticated request is answered
	// with 401. The session must log in again.
	ErrTokenExpired = errors.New("comfortcloud: token expired")

	// ErrDeviceResolution is returned when the configured group/device
	// indices do not resolve to a device identifier.
	ErrDeviceResolution = errors.New("comfortcloud: device resolution failed")

	// ErrTransientServer covers 5xx responses and network failures.
	ErrTransientServer = errors.New("comfortcloud: transient server error")

	// ErrProtocolVersion is returned for vendor code 4106, meaning the
	// advertised app version is no longer accepted.
	ErrProtocolVersion = errors.New("comfortcloud: app version rejected")

	// ErrMalformedResponse is returned when a response body cannot be
	// decoded or lacks required fields.
	ErrMalformedResponse = errors.New("comfortcloud: malformed response")

	// ErrLoginInProgress is returned by Login when another login is in flight.
	ErrLoginInProgress = errors.New("comfortcloud: login already in progress")

	// ErrNotLoggedIn is returned when no login has been attempted yet.
	ErrNotLoggedIn = errors.New("comfortcloud: not logged in")

	// ErrSessionFaulted is returned while the session waits out a login retry.
	ErrSessionFaulted = errors.New("comfortcloud: session faulted")

	// ErrDeviceNotResolved is returned when a device call is attempted
	// before the device identifier is known.
	ErrDeviceNotResolved = errors.New("comfortcloud: device not resolved")

	// ErrCommandRejected is returned when a control call answers with a
	// non-zero result.
	ErrCommandRejected = errors.New("comfortcloud: command rejected")

	// ErrUnknownField is returned by SetValue for a field it cannot write.
	ErrUnknownField = errors.New("comfortcloud: unknown field")

	// ErrInvalidValue is returned by SetValue when the value is outside
	// the field's domain.
	ErrInvalidValue = errors.New("comfortcloud: invalid value")

	// ErrUnexpectedStatus is returned for 4xx responses that have no more
	// specific meaning.
	ErrUnexpectedStatus = errors.New("comfortcloud: unexpected status")
)

// VersionRejectedCode is the vendor error code sent when the client app
// version is too old.
const VersionRejectedCode = 4106

// APIError describes a failed vendor call. It unwraps to one of the
// package sentinels so callers classify with errors.Is.
type APIError struct {
	Endpoint string
	Status   int
	Code     int
	Message  string

	// Body holds the raw response body for logging malformed payloads.
	Body string

	kind error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s: status %d", e.kind, e.Endpoint, e.Status)
	if e.Code != 0 {
		msg += fmt.Sprintf(" code %d", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// DeviceResolutionError reports why the configured indices did not map to
// a device.
type DeviceResolutionError struct {
	GroupIndex  int
	DeviceIndex int
	Reason      string
}

func (e *DeviceResolutionError) Error() string {
	return fmt.Sprintf("%s: group %d device %d: %s", ErrDeviceResolution, e.GroupIndex, e.DeviceIndex, e.Reason)
}

func (e *DeviceResolutionError) Unwrap() error {
	return ErrDeviceResolution
}

// classifyStatus maps a non-success response to its sentinel. Login calls
// carry no token, so a 401 there is a credential failure rather than an
// expired token.
func classifyStatus(status, code int, authenticated bool) error {
	switch {
	case code == VersionRejectedCode:
		return ErrProtocolVersion
	case status >= http.StatusInternalServerError:
		return ErrTransientServer
	case status == http.StatusUnauthorized && authenticated:
		return ErrTokenExpired
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuth
	case !authenticated && status >= http.StatusBadRequest:
		return ErrAuth
	default:
		return ErrUnexpectedStatus
	}
}
