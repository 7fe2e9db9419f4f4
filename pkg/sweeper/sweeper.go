// Package sweeper reclaims jobs abandoned by a crashed worker: a running job
// whose heartbeat has gone stale is returned to queued so a live worker can
// retry it, or terminally failed if it has no attempts left.
//
// Cadence and threshold are a deliberate design decision; see DESIGN.md.
package sweeper

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config tunes reclaim threshold and cadence.
type Config struct {
	// HeartbeatInterval is the worker's heartbeat period; the threshold and
	// default cadence are derived from it.
	HeartbeatInterval time.Duration
	// StaleFactor is the number of heartbeat intervals of silence before a
	// running job is considered abandoned. Default 4.
	StaleFactor int
	// Interval is how often the sweeper checks for stale claims. Defaults to
	// max(HeartbeatInterval, 5s).
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleFactor <= 0 {
		c.StaleFactor = 4
	}
	if c.Interval <= 0 {
		c.Interval = c.HeartbeatInterval
		if c.Interval < 5*time.Second {
			c.Interval = 5 * time.Second
		}
	}
	return c
}

func (c Config) threshold() time.Duration {
	return time.Duration(c.StaleFactor) * c.HeartbeatInterval
}

// Sweeper periodically reclaims stale running jobs.
type Sweeper struct {
	db  *sql.DB
	cfg Config
	log *zap.Logger
	now func() time.Time
}

// New constructs a Sweeper over the same database the queue uses.
func New(db *sql.DB, cfg Config, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{db: db, cfg: cfg.withDefaults(), log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Run sweeps on its own ticker until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			reclaimed, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Warn("sweep failed", zap.Error(err))
				continue
			}
			if len(reclaimed) > 0 {
				s.log.Info("reclaimed stale jobs", zap.Int("count", len(reclaimed)), zap.Strings("job_ids", reclaimed))
			}
		}
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// SweepOnce performs a single reclaim pass and returns the ids it reclaimed.
// A stale job with retry budget left goes back to queued; one that was
// already on its final attempt is terminally failed, so a reclaim can never
// push attempts past max_attempts.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	cutoff := s.now().Add(-s.cfg.threshold()).UTC().Format(timeLayout)
	now := s.now().UTC().Format(timeLayout)

	requeued, err := s.collectIDs(ctx, `
		UPDATE jobs SET state = 'queued', not_before = NULL, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE state = 'running' AND heartbeat_at < ? AND attempts < max_attempts
		)
		RETURNING id
	`, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweeper: requeue: %w", err)
	}

	exhausted, err := s.collectIDs(ctx, `
		UPDATE jobs SET state = 'failed', not_before = NULL,
			last_error = 'worker heartbeat lost with no attempts remaining',
			finished_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE state = 'running' AND heartbeat_at < ? AND attempts >= max_attempts
		)
		RETURNING id
	`, now, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweeper: fail exhausted: %w", err)
	}

	if len(exhausted) > 0 {
		s.log.Warn("stale jobs had no attempts remaining, marked failed", zap.Strings("job_ids", exhausted))
	}
	return append(requeued, exhausted...), nil
}

func (s *Sweeper) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
