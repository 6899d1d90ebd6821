package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/queue"
)

// scriptRecord interprets the reply of a lease-guarded script.
func scriptRecord(res any) (*job.Record, error) {
	switch v := res.(type) {
	case int64:
		if v == -1 {
			return nil, herald.ErrLeaseLost
		}
		return nil, herald.ErrJobNotFound
	case []any:
		return decodeRecord(pairs(v))
	default:
		return nil, fmt.Errorf("herald/redis: unexpected script reply %T", res)
	}
}

// EnqueueJob stores the job hash and adds it to the waiting or delayed
// set in one script.
func (s *Store) EnqueueJob(ctx context.Context, r *job.Record) (bool, error) {
	rec := r.Clone()
	rec.State = job.StateWaiting
	delayed := "0"
	if rec.RunAt.After(rec.EnqueuedAt) {
		delayed = "1"
	}

	args := append([]any{
		rec.ID,
		rec.Category,
		strconv.Itoa(rec.Priority),
		delayed,
		ms(rec.RunAt),
	}, recordFields(rec)...)

	n, err := enqueueScript.Run(ctx, s.client, []string{
		s.keys.job(rec.Category, rec.ID),
		s.keys.waiting(rec.Category),
		s.keys.delayed(rec.Category),
		s.keys.seq(rec.Category),
		s.keys.jobIndex(),
	}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("herald/redis: enqueue: %w", err)
	}
	return n == 1, nil
}

// LeaseJob promotes due delayed jobs and claims the head of the waiting
// set.
func (s *Store) LeaseJob(ctx context.Context, req job.LeaseRequest) (*job.Record, error) {
	res, err := leaseScript.Run(ctx, s.client, []string{
		s.keys.waiting(req.Category),
		s.keys.delayed(req.Category),
		s.keys.active(req.Category),
		s.keys.seq(req.Category),
	},
		ms(req.Now),
		ms(req.Now.Add(req.Duration)),
		req.LeaseID,
		req.WorkerID,
		s.keys.jobPrefix(req.Category),
		s.promoteBatch,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: lease: %w", err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return nil, nil
	}
	return scriptRecord(res)
}

// category resolves the category of a job through the index.
func (s *Store) category(ctx context.Context, jobID string) (string, error) {
	c, err := s.client.HGet(ctx, s.keys.jobIndex(), jobID).Result()
	if errors.Is(err, goredis.Nil) {
		return "", herald.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("herald/redis: job index: %w", err)
	}
	return c, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Record, error) {
	c, err := s.category(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.getJob(ctx, c, jobID)
}

func (s *Store) getJob(ctx context.Context, category, jobID string) (*job.Record, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.job(category, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, herald.ErrJobNotFound
	}
	return decodeRecord(vals)
}

// UpdateProgress stores progress for an active job.
func (s *Store) UpdateProgress(ctx context.Context, jobID, leaseID string, progress int, message string) error {
	c, err := s.category(ctx, jobID)
	if err != nil {
		return err
	}
	res, err := progressScript.Run(ctx, s.client,
		[]string{s.keys.job(c, jobID)},
		leaseID, strconv.Itoa(progress), message, ms(time.Now()),
	).Int()
	if err != nil {
		return fmt.Errorf("herald/redis: progress: %w", err)
	}
	switch res {
	case 0:
		return herald.ErrJobNotFound
	case -1:
		return herald.ErrLeaseLost
	}
	return nil
}

// CompleteJob marks an active job completed.
func (s *Store) CompleteJob(ctx context.Context, jobID, leaseID string, result json.RawMessage, now time.Time) (*job.Record, error) {
	c, err := s.category(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res, err := completeScript.Run(ctx, s.client, []string{
		s.keys.job(c, jobID),
		s.keys.active(c),
		s.keys.finished(c),
		s.keys.cancel(c, jobID),
	}, leaseID, ms(now), string(result), jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: complete: %w", err)
	}
	return scriptRecord(res)
}

// RetryJob reschedules an active job at runAt, or fails it as
// cancelled when its cancel flag is set.
func (s *Store) RetryJob(ctx context.Context, jobID, leaseID, lastError string, runAt, now time.Time) (*job.Record, error) {
	c, err := s.category(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res, err := retryScript.Run(ctx, s.client, []string{
		s.keys.job(c, jobID),
		s.keys.active(c),
		s.keys.delayed(c),
		s.keys.finished(c),
		s.keys.cancel(c, jobID),
	}, leaseID, ms(now), ms(runAt), lastError, jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: retry: %w", err)
	}
	return scriptRecord(res)
}

// FailJob marks an active job failed with kind.
func (s *Store) FailJob(ctx context.Context, jobID, leaseID string, kind job.FailureKind, lastError string, now time.Time) (*job.Record, error) {
	c, err := s.category(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res, err := failScript.Run(ctx, s.client, []string{
		s.keys.job(c, jobID),
		s.keys.active(c),
		s.keys.finished(c),
		s.keys.cancel(c, jobID),
	}, leaseID, ms(now), string(kind), lastError, jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: fail: %w", err)
	}
	return scriptRecord(res)
}

// RequestCancel sets the cancel flag, dequeues a job that has not
// started, and publishes the id on the cancellations channel.
func (s *Store) RequestCancel(ctx context.Context, jobID string, now time.Time) (*job.Record, bool, error) {
	c, err := s.category(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	res, err := cancelScript.Run(ctx, s.client, []string{
		s.keys.job(c, jobID),
		s.keys.waiting(c),
		s.keys.delayed(c),
		s.keys.finished(c),
		s.keys.cancel(c, jobID),
	}, ms(now), jobID, s.cancelTTL.Milliseconds(), herald.ErrCancelled.Error()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("herald/redis: cancel: %w", err)
	}
	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return nil, false, herald.ErrJobNotFound
	}
	code, _ := reply[0].(int64)
	fields, _ := reply[1].([]any)
	r, err := decodeRecord(pairs(fields))
	if err != nil {
		return nil, false, err
	}
	if code == 0 {
		return r, false, nil
	}

	if pErr := s.client.Publish(ctx, s.keys.cancellations(), jobID).Err(); pErr != nil {
		// The flag is set; pollers still observe it.
		s.logger.Warn("herald/redis: publish cancel signal",
			"job_id", jobID,
			"error", pErr,
		)
	}
	return r, code == 2, nil
}

// IsCancelRequested reads the cancel flag of a job.
func (s *Store) IsCancelRequested(ctx context.Context, category, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keys.cancel(category, jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("herald/redis: cancel flag: %w", err)
	}
	return n == 1, nil
}

// SubscribeCancellations listens on the cancellations channel until ctx
// is done.
func (s *Store) SubscribeCancellations(ctx context.Context) (<-chan string, error) {
	ps := s.client.Subscribe(ctx, s.keys.cancellations())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("herald/redis: subscribe cancellations: %w", err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ListExpiredLeases returns active jobs whose lease expired at or before
// the given time.
func (s *Store) ListExpiredLeases(ctx context.Context, category string, before time.Time, limit int) ([]*job.Record, error) {
	rng := &goredis.ZRangeBy{Min: "-inf", Max: ms(before)}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	jobIDs, err := s.client.ZRangeByScore(ctx, s.keys.active(category), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: expired leases: %w", err)
	}
	out := make([]*job.Record, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		r, getErr := s.getJob(ctx, category, jobID)
		if errors.Is(getErr, herald.ErrJobNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		out = append(out, r)
	}
	return out, nil
}

// CleanupJobs deletes finished records the policy expires.
func (s *Store) CleanupJobs(ctx context.Context, category string, policy queue.CleanupPolicy, now time.Time) (int, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.keys.finished(category), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("herald/redis: list finished: %w", err)
	}
	recs := make([]queue.Finished, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		recs = append(recs, queue.Finished{
			ID:         member,
			FinishedAt: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}

	expired := policy.Expired(recs, now)
	if len(expired) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	for _, jobID := range expired {
		pipe.Del(ctx, s.keys.job(category, jobID), s.keys.cancel(category, jobID))
		pipe.ZRem(ctx, s.keys.finished(category), jobID)
		pipe.HDel(ctx, s.keys.jobIndex(), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("herald/redis: cleanup: %w", err)
	}
	return len(expired), nil
}

// CountJobs returns record counts for a category.
func (s *Store) CountJobs(ctx context.Context, category string) (job.Counts, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, s.keys.waiting(category))
	delayed := pipe.ZCard(ctx, s.keys.delayed(category))
	active := pipe.ZCard(ctx, s.keys.active(category))
	finished := pipe.ZCard(ctx, s.keys.finished(category))
	dead := pipe.ZCard(ctx, s.keys.deadLetters(category))
	if _, err := pipe.Exec(ctx); err != nil {
		return job.Counts{}, fmt.Errorf("herald/redis: count: %w", err)
	}
	return job.Counts{
		Waiting:      waiting.Val(),
		Delayed:      delayed.Val(),
		Active:       active.Val(),
		Finished:     finished.Val(),
		DeadLettered: dead.Val(),
	}, nil
}
