/*
Package log provides structured logging for the gateway using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all gateway packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithAgent: Add agent name context
  - WithThreadID: Add invocation thread_id context

# Usage

	import "github.com/agentsystems/control-plane-gateway/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("gateway starting")

	// Component-specific logging
	engineLog := log.WithComponent("engine")
	engineLog.Info().Str("agent", "hello").Msg("invocation accepted")

	// Thread-specific logging
	threadLog := log.WithThreadID(threadID.String())
	threadLog.Error().Err(err).Msg("forward to agent failed")

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once at process start
  - Accessible from all packages without passing a logger value around

Context Logger Pattern:
  - Create child loggers carrying component/agent/thread fields
  - Pass context loggers down into request-scoped code instead of
    repeating the same fields on every call site

Do:
  - Use Info level for production, structured fields for queryable data
  - Log errors with .Err() so the error is a structured field, not text

Don't:
  - Log bearer tokens or agent payload bodies at Info level
  - Concatenate strings into the message; use typed fields
*/
package log
