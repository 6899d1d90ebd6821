// Package engine wires the herald subsystems together and provides the
// application-level API for registering categories, submitting jobs,
// cancelling them and reading their status.
//
// The engine package exists to break an import cycle: the root herald
// package defines the shared errors and Entity (imported by job, dlq,
// stream and so on) and therefore cannot import those packages back.
// Engine sits above every subsystem package and below the application.
//
// # Building an Engine
//
//	eng, err := engine.New(redisStore,
//	    engine.WithLogger(logger),
//	    engine.WithConfig(herald.Config{PollInterval: time.Second}),
//	    engine.WithTransport(streamredis.New(client)),
//	    engine.WithEntityOwnership(postgres.New(pool)),
//	)
//
// # Registering Categories
//
//	engine.Register(eng, job.NewDefinition("email-send", sendEmail,
//	    job.WithConcurrency(8),
//	    job.WithMaxAttempts(5),
//	))
//
// Init freezes the registry and starts the worker pool and the reaper;
// Shutdown drains them again.
//
// # Submitting Jobs
//
//	jobID, err := engine.Submit(ctx, eng, "email-send", EmailInput{To: "user@example.com"},
//	    job.WithOwner(principal.Subject),
//	    job.WithJobID("welcome-"+userID),
//	)
//
// # Options
//
//   - [WithConfig] - process-wide settings
//   - [WithExtension] - register a lifecycle extension
//   - [WithMiddleware] - add a middleware to the execution chain
//   - [WithTransport] - fan events out across processes
//   - [WithAuthorizer], [WithEntityOwnership] - topic authorization
//   - [WithAlertSink] - receive dead letters
//   - [WithTracerProvider], [WithMeterProvider] - OpenTelemetry providers
package engine
