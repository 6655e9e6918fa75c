package actor

import (
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// log is the subsystem logger for the actor package. It is disabled by
// default until UseLogger is called by the binary's logging bootstrap.
var log = btclogv2.Disabled

// UseLogger routes the package's log output through the given logger.
func UseLogger(logger btclogv2.Logger) {
	log = logger
}
