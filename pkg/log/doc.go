/*
Package log provides structured logging for Burrow using zerolog.

Init configures the global Logger once at startup. Components derive child
loggers with WithComponent, WithNodeID, WithWorkerID and WithObjectID so that
every line carries the identifiers needed to follow a request across the
control loop.

	log.Init(log.Config{Level: log.ParseLevel("debug"), JSONOutput: true})
	logger := log.WithComponent("acceptor")
	logger.Info().Str("socket", path).Msg("Accepting local connections")

Console output is used unless JSONOutput is set.
*/
package log
