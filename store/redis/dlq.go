package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/job"
)

// MoveToDeadLetter marks the active job dead-lettered and writes the
// entry in one script.
func (s *Store) MoveToDeadLetter(ctx context.Context, jobID, leaseID string, entry *dlq.Entry) (*job.Record, error) {
	c, err := s.category(ctx, jobID)
	if err != nil {
		return nil, err
	}
	args := append([]any{
		leaseID,
		ms(entry.FailedAt),
		string(entry.FailureKind),
		entry.Error,
		jobID,
		entry.ID,
		c,
	}, entryFields(entry)...)

	res, err := deadLetterScript.Run(ctx, s.client, []string{
		s.keys.job(c, jobID),
		s.keys.active(c),
		s.keys.deadLetter(c, entry.ID),
		s.keys.deadLetters(c),
		s.keys.deadLetterTimeline(),
		s.keys.deadLetterIndex(),
		s.keys.cancel(c, jobID),
	}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: dead letter: %w", err)
	}
	return scriptRecord(res)
}

// ListDLQ returns entries newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	key := s.keys.deadLetterTimeline()
	if opts.Category != "" {
		key = s.keys.deadLetters(opts.Category)
	}
	start := int64(opts.Offset)
	stop := int64(-1)
	if opts.Limit > 0 {
		stop = start + int64(opts.Limit) - 1
	}
	entryIDs, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list dead letters: %w", err)
	}
	if len(entryIDs) == 0 {
		return nil, nil
	}

	categories := make([]string, len(entryIDs))
	if opts.Category != "" {
		for i := range categories {
			categories[i] = opts.Category
		}
	} else {
		vals, hErr := s.client.HMGet(ctx, s.keys.deadLetterIndex(), entryIDs...).Result()
		if hErr != nil {
			return nil, fmt.Errorf("herald/redis: dead letter index: %w", hErr)
		}
		for i, v := range vals {
			categories[i], _ = v.(string)
		}
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(entryIDs))
	for i, entryID := range entryIDs {
		cmds[i] = pipe.HGetAll(ctx, s.keys.deadLetter(categories[i], entryID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("herald/redis: load dead letters: %w", err)
	}

	out := make([]*dlq.Entry, 0, len(cmds))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		e, decErr := decodeEntry(vals)
		if decErr != nil {
			return nil, decErr
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) deadLetterCategory(ctx context.Context, entryID string) (string, error) {
	c, err := s.client.HGet(ctx, s.keys.deadLetterIndex(), entryID).Result()
	if errors.Is(err, goredis.Nil) {
		return "", herald.ErrDeadLetterNotFound
	}
	if err != nil {
		return "", fmt.Errorf("herald/redis: dead letter index: %w", err)
	}
	return c, nil
}

// GetDLQ retrieves an entry by id.
func (s *Store) GetDLQ(ctx context.Context, entryID string) (*dlq.Entry, error) {
	c, err := s.deadLetterCategory(ctx, entryID)
	if err != nil {
		return nil, err
	}
	vals, err := s.client.HGetAll(ctx, s.keys.deadLetter(c, entryID)).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: get dead letter: %w", err)
	}
	if len(vals) == 0 {
		return nil, herald.ErrDeadLetterNotFound
	}
	return decodeEntry(vals)
}

// MarkReplayed records the replay of an entry.
func (s *Store) MarkReplayed(ctx context.Context, entryID, newJobID string, at time.Time) error {
	c, err := s.deadLetterCategory(ctx, entryID)
	if err != nil {
		return err
	}
	err = s.client.HSet(ctx, s.keys.deadLetter(c, entryID),
		"replayed_at", ms(at),
		"replay_job_id", newJobID,
	).Err()
	if err != nil {
		return fmt.Errorf("herald/redis: mark replayed: %w", err)
	}
	return nil
}

// PurgeDLQ removes entries that failed before the given time together
// with their dead-lettered job records.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	entryIDs, err := s.client.ZRangeByScore(ctx, s.keys.deadLetterTimeline(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + ms(before),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("herald/redis: purge dead letters: %w", err)
	}

	var n int64
	for _, entryID := range entryIDs {
		c, cErr := s.deadLetterCategory(ctx, entryID)
		if errors.Is(cErr, herald.ErrDeadLetterNotFound) {
			s.client.ZRem(ctx, s.keys.deadLetterTimeline(), entryID)
			continue
		}
		if cErr != nil {
			return n, cErr
		}
		err := purgeEntryScript.Run(ctx, s.client, []string{
			s.keys.deadLetter(c, entryID),
			s.keys.deadLetters(c),
			s.keys.deadLetterTimeline(),
			s.keys.deadLetterIndex(),
			s.keys.jobIndex(),
		}, entryID, s.keys.jobPrefix(c)).Err()
		if err != nil {
			return n, fmt.Errorf("herald/redis: purge %s: %w", entryID, err)
		}
		n++
	}
	return n, nil
}

// CountDLQ returns the number of entries, optionally per category.
func (s *Store) CountDLQ(ctx context.Context, category string) (int64, error) {
	key := s.keys.deadLetterTimeline()
	if category != "" {
		key = s.keys.deadLetters(category)
	}
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("herald/redis: count dead letters: %w", err)
	}
	return n, nil
}
