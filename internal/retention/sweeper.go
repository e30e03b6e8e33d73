// Package retention deletes idle sessions and old run records on a cron
// schedule.
package retention

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/session"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time after now. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Opts configures a Sweeper.
type Opts struct {
	Store    *session.Store
	DB       *gorm.DB // optional; enables run pruning
	Schedule string   // 5-field cron expression
	MaxAge   time.Duration
	Out      io.Writer
	Now      func() time.Time
}

// Result reports what one sweep removed.
type Result struct {
	Sessions []string
	Runs     int64
}

// Sweeper prunes sessions not updated within MaxAge.
type Sweeper struct {
	store    *session.Store
	db       *gorm.DB
	schedule string
	maxAge   time.Duration
	out      io.Writer
	now      func() time.Time
}

// New validates opts and returns a Sweeper.
func New(opts Opts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("retention: store is required")
	}
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("retention: max age must be positive")
	}
	if _, err := cronParser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("retention: schedule %q: %w", opts.Schedule, err)
	}
	s := &Sweeper{
		store:    opts.Store,
		db:       opts.DB,
		schedule: opts.Schedule,
		maxAge:   opts.MaxAge,
		out:      opts.Out,
		now:      opts.Now,
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Sweep removes idle sessions and finished runs older than the cutoff.
// Busy sessions are kept.
func (s *Sweeper) Sweep() (Result, error) {
	cutoff := s.now().Add(-s.maxAge)

	var res Result
	ids, err := s.store.Prune(cutoff)
	if err != nil {
		return res, fmt.Errorf("retention: prune sessions: %w", err)
	}
	res.Sessions = ids

	if s.db != nil {
		n, err := db.PruneRuns(s.db, cutoff)
		if err != nil {
			return res, fmt.Errorf("retention: %w", err)
		}
		res.Runs = n
	}
	return res, nil
}

// Run sweeps on every schedule tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	fmt.Fprintf(s.out, "retention: sweeping %q, max age %s\n", s.schedule, s.maxAge)
	for {
		d := nextCronDuration(s.schedule, s.now())
		if d == 0 {
			d = time.Minute
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		res, err := s.Sweep()
		if err != nil {
			fmt.Fprintf(s.out, "retention: %v\n", err)
			continue
		}
		if len(res.Sessions) > 0 || res.Runs > 0 {
			fmt.Fprintf(s.out, "retention: removed %d sessions, %d runs\n", len(res.Sessions), res.Runs)
		}
	}
}
