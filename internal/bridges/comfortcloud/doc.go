// Package comfortcloud bridges a Panasonic Comfort Cloud heat pump into
// Gray Logic.
//
// The cloud only offers a polled REST API, so the package keeps a local
// copy of the appliance state and answers the host from that copy. Writes
// go out as control calls in the background.
//
// # Architecture
//
//	┌─────────────────┐          ┌──────────────────────┐   HTTPS   ┌───────────────┐
//	│   Gray Logic    │   MQTT   │  Bridge  ──►  Agent  │◄─────────►│ Comfort Cloud │
//	│      Core       │◄────────►│      (this pkg)      │           └───────────────┘
//	└─────────────────┘          └──────────────────────┘
//
// An Agent owns one generation of collaborators:
//
//   - SessionManager logs in, renews the token every three hours and
//     handles 401, credential failures and app version renegotiation
//   - DeviceResolver maps the configured group/device indices to a GUID
//   - Synchronizer polls device status and reconciles it into State
//   - Dispatcher validates host writes and sends control calls
//   - Scheduler runs the named timers all of the above depend on
//
// Reconfigure stops the whole generation before building the next one,
// so a timer armed under old credentials can never fire.
//
// # Units
//
// Fan speed is 1..6 on the host side, where 6 means auto (vendor 0).
// Target temperatures are clamped to 16..30 °C in 0.5 steps when read,
// and written verbatim.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package comfortcloud
