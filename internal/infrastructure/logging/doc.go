// Package logging provides structured logging for the LCN bridge.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same default fields and level filtering.
//
// # Formats
//
//   - json: machine-parsable output for production
//   - text: slog's key=value output
//   - console: colourised human-readable output via phsym/console-slog
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text, console
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("gateway online", "gateway", "pchk1")
//
// *Logger satisfies the small Logger interfaces accepted by the lcn and
// mqtt packages, so it can be handed to SetLogger directly.
//
// Never log gateway or broker passwords.
package logging
