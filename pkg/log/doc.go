/*
Package log provides structured logging for the worker executor using
zerolog.

A single package-level Logger is initialized once via Init and shared
across packages; dimension-specific child loggers (WithComponent,
WithWorker, WithShard, WithNodeID) attach the field relevant to the
caller's context without repeating it at every call site.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	wl := log.WithWorker(workerID.String())
	wl.Info().Str("function", fn).Msg("exported function invoked")
*/
package log
