/*
Package log provides structured logging for Stash using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the Logger:

	import "github.com/cuemby/stash/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	readLog := log.WithStage("user-cache", "read")
	readLog.Debug().Str("key", key).Msg("Read dispatched")

	rrlLog := log.WithRequestID(req.ID)
	rrlLog.Warn().Int("attempt", attempt).Msg("Request retry scheduled")

# Integration Points

This package integrates with:

  - pkg/cache: each cache logs through WithCache, stage processors add a
    stage field
  - pkg/worker: worker pools log through WithComponent
  - pkg/events: the event bus renders events that pass throttling to the
    logger it was configured with
  - pkg/rrl: services log through WithComponent, tagging retries with a
    request_id field
  - cmd/stash: logger initialization from CLI flags
*/
package log
