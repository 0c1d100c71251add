// Package logging provides structured logging for the Comfort Cloud bridge.
//
// It wraps log/slog so every component logs with the same handler,
// level filtering, and default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Setting comfort_cloud.debug forces the debug level regardless of
// logging.level.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("session active", "expires_in", "3h")
//
// Never log the account password, the access token, or the JWT secret.
package logging
