package event

import (
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// log is the subsystem logger for the event store, disabled until the
// binary's logging bootstrap calls UseLogger.
var log = btclogv2.Disabled

// UseLogger routes the package's log output through the given logger.
func UseLogger(logger btclogv2.Logger) {
	log = logger
}
