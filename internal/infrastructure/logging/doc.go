// Package logging provides structured logging for devicebus.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version, node). Components receive the wrapper, or any value
// with Debug/Info/Warn/Error methods, and fall back to a no-op logger.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version, cfg.Node.ID)
//	logger.Info("starting devicebus", "bus", cfg.Bus.Backend)
//
// Never log broker passwords or tokens.
package logging
