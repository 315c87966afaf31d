// Package engine wires every herald subsystem together and is the
// application-level API: submit notifications, watch and steer the queue,
// manage opt-outs and read delivery outcomes.
//
// The engine package sits above the subsystem packages so that none of them
// has to import another's wiring. The root herald package holds only
// configuration, errors and identifiers.
//
// # Building an Engine
//
//	eng, err := engine.New(herald.DefaultConfig(),
//	    engine.WithStore(pgStore),
//	    engine.WithProvider(provider.NewWebhook(url)),
//	    engine.WithExtension(kafkahook.New(writer)),
//	    engine.WithSubmitLimiter(ratelimit.NewRedisFixedWindow(rdb, "herald:rl:submit:", 20, time.Minute)),
//	)
//
// Without WithStore the engine keeps everything in memory, which suits
// tests and local runs only.
//
// # Lifecycle
//
// Start launches the worker pool; it returns immediately. Stop stops
// claiming and waits for in-flight deliveries, bounded by the context or
// Config.ShutdownTimeout. Jobs still claimed when a process dies are
// recovered by any surviving pool once their lease expires.
//
// # Middleware
//
// Every provider call runs through recover → tracing → metrics → logging →
// timeout, then any middleware passed with WithMiddleware.
//
// # Dunning
//
// WithCharger enables the billing dunning service. Its notices go through
// the same submission gate as every other notification; schedule sweeps
// with dunning.NewScheduler(eng.Dunning(), "@hourly", logger).
package engine
