package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/herald"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/job"
)

type progressReport struct {
	percent int
	message string
}

// reporter writes and publishes the progress of one job from a single
// goroutine so that reports reach subscribers in emission order. When
// more than limit reports are pending the oldest is discarded.
type reporter struct {
	ctx        context.Context
	rec        *job.Record
	store      job.Store
	extensions *ext.Registry
	logger     *slog.Logger
	droppedCtr metric.Int64Counter
	limit      int

	mu      sync.Mutex
	pending []progressReport
	closed  bool
	dropped int
	signal  chan struct{}
	done    chan struct{}
}

func newReporter(ctx context.Context, r *job.Record, store job.Store, extensions *ext.Registry, logger *slog.Logger, droppedCtr metric.Int64Counter, limit int) *reporter {
	if limit < 1 {
		limit = 1
	}
	rp := &reporter{
		ctx:        ctx,
		rec:        r,
		store:      store,
		extensions: extensions,
		logger:     logger,
		droppedCtr: droppedCtr,
		limit:      limit,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go rp.run()
	return rp
}

func (rp *reporter) report(percent int, message string) {
	percent = max(0, min(100, percent))

	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.closed {
		return
	}
	if len(rp.pending) >= rp.limit {
		rp.pending = rp.pending[1:]
		rp.dropped++
		rp.droppedCtr.Add(rp.ctx, 1, metric.WithAttributes(attribute.String("category", rp.rec.Category)))
		if rp.dropped == 1 {
			rp.logger.Warn("progress buffer full, discarding oldest report",
				slog.String("job_id", rp.rec.ID),
				slog.Int("limit", rp.limit),
			)
		}
	}
	rp.pending = append(rp.pending, progressReport{percent: percent, message: message})
	select {
	case rp.signal <- struct{}{}:
	default:
	}
}

// flush stops accepting reports and waits until every pending report
// has been written and published.
func (rp *reporter) flush() {
	rp.mu.Lock()
	if !rp.closed {
		rp.closed = true
		close(rp.signal)
	}
	rp.mu.Unlock()
	<-rp.done

	if rp.dropped > 0 {
		rp.logger.Warn("progress reports discarded",
			slog.String("job_id", rp.rec.ID),
			slog.Int("dropped", rp.dropped),
		)
	}
}

func (rp *reporter) run() {
	defer close(rp.done)
	for range rp.signal {
		rp.drain()
	}
	rp.drain()
}

func (rp *reporter) drain() {
	rp.mu.Lock()
	batch := rp.pending
	rp.pending = nil
	rp.mu.Unlock()

	for _, p := range batch {
		err := rp.store.UpdateProgress(rp.ctx, rp.rec.ID, rp.rec.LeaseID, p.percent, p.message)
		if errors.Is(err, herald.ErrLeaseLost) {
			rp.logger.Debug("progress after lease lost",
				slog.String("job_id", rp.rec.ID),
			)
			continue
		}
		if err != nil {
			rp.logger.Warn("failed to store progress",
				slog.String("job_id", rp.rec.ID),
				slog.String("error", err.Error()),
			)
		}
		rp.extensions.EmitJobProgress(rp.ctx, rp.rec, p.percent, p.message)
	}
}
