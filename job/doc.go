// Package job defines the job record, its state machine, typed
// category definitions, the registry and the store contract.
//
// # Record
//
// A [Record] is the persisted state of one job. It embeds
// [herald.Entity] for timestamps, carries the payload as JSON and
// moves through these states:
//
//	waiting → active → completed
//	waiting → active → waiting (retry, after backoff)
//	waiting → active → dead_lettered (attempts exhausted)
//	waiting | active → failed (cancelled)
//
// Priority orders the waiting set: lower values are leased first and
// equal priorities keep submission order.
//
// # Defining a category
//
// Use [Definition] with a typed handler. The payload is validated and
// JSON-encoded at submission and decoded before the handler runs:
//
//	type LogoInput struct {
//	    BrandID string `json:"brand_id" validate:"required"`
//	    Style   string `json:"style" validate:"oneof=flat line"`
//	}
//
//	var GenerateLogo = job.NewDefinition("logo-generation",
//	    func(ctx context.Context, in LogoInput, task job.Task) (any, error) {
//	        task.Report(10, "rendering")
//	        return render(ctx, in)
//	    },
//	    job.WithConcurrency(4),
//	    job.WithTimeout(2*time.Minute),
//	)
//
// # Registry
//
// [Registry] is constructed explicitly and frozen by [Registry.Init]:
//
//	reg := job.NewRegistry()
//	job.RegisterDefinition(reg, GenerateLogo)
//	if err := reg.Init(); err != nil { ... }
//
// The engine package wraps this in engine.Register and engine.Submit.
package job
