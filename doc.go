// Package herald is a durable job queue with live progress delivery.
//
// Callers submit jobs to named categories. Workers lease jobs from a
// Redis-backed priority queue, run the registered typed handler, and
// report progress that is fanned out to authenticated subscribers over
// an event bus spanning every process. Failed jobs are retried with
// backoff and dead-lettered once their attempts are exhausted.
//
// # Quick Start
//
//	eng, err := engine.New(redisstore.New(client),
//	    engine.WithLogger(logger),
//	    engine.WithTransport(redisstream.New(client)),
//	)
//	engine.Register(eng, job.NewDefinition("email-send", sendEmail,
//	    job.WithConcurrency(4),
//	    job.WithMaxAttempts(5),
//	))
//	if err := eng.Init(ctx); err != nil { ... }
//	defer eng.Shutdown(ctx)
//
//	id, err := engine.Submit(ctx, eng, "email-send", EmailPayload{To: "a@b.c"})
//
// # Architecture
//
// Each subsystem (job, dlq, stream) defines its own store or transport
// interface. The redis packages implement them against a single Redis
// deployment; the memory store implements them in-process for tests.
package herald
