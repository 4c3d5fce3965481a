// Package correlate attributes newly spawned OS processes to launch
// requests by diffing process-table snapshots over time.
package correlate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/logging"
	"github.com/fleetdeck/fleetdeck/internal/procscan"
	"github.com/fleetdeck/fleetdeck/internal/store"
)

var corrLog = logging.ForComponent(logging.CompCorrelate)

// Options tunes the polling heuristic.
type Options struct {
	// ExecutableName is the client process name to scan for.
	ExecutableName string
	// GraceDelay is waited before the first poll (default 2s); the client
	// takes a moment to appear in the process table.
	GraceDelay time.Duration
	// PollInterval is the re-scan cadence (default 1s).
	PollInterval time.Duration
	// MaxAttempts before giving up (default 15).
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.GraceDelay <= 0 {
		o.GraceDelay = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 15
	}
	return o
}

// pending tracks one in-flight correlation.
type pending struct {
	baseline map[int]struct{}
	cancel   context.CancelFunc
}

// Correlator runs one cancellable poll loop per pending launch.
type Correlator struct {
	scanner procscan.Scanner
	store   *store.Store
	opts    Options

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a correlator over the given scanner and session store.
func New(scanner procscan.Scanner, st *store.Store, opts Options) *Correlator {
	return &Correlator{
		scanner: scanner,
		store:   st,
		opts:    opts.withDefaults(),
		pending: make(map[string]*pending),
	}
}

// Begin snapshots the current process table as the launch baseline and
// starts polling for a new pid to attribute to account. A prior pending
// correlation for the same account is cancelled first.
func (c *Correlator) Begin(ctx context.Context, account string) error {
	procs, err := c.scanner.List(ctx, c.opts.ExecutableName)
	if err != nil {
		return err
	}
	baseline := make(map[int]struct{}, len(procs))
	for _, p := range procs {
		baseline[p.PID] = struct{}{}
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p := &pending{baseline: baseline, cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.pending[account]; ok {
		prev.cancel()
	}
	c.pending[account] = p
	c.mu.Unlock()

	go c.poll(pollCtx, account, p)
	return nil
}

// Cancel aborts a pending correlation, discarding any eventual match.
// Called when the account's session is removed before a pid is attributed.
func (c *Correlator) Cancel(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[account]; ok {
		p.cancel()
		delete(c.pending, account)
	}
}

// PendingCount returns the number of in-flight correlations.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) poll(ctx context.Context, account string, p *pending) {
	baseline := p.baseline
	defer c.clear(account, p)

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.opts.GraceDelay):
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		procs, err := c.scanner.List(ctx, c.opts.ExecutableName)
		if err != nil {
			corrLog.Warn("scan_failed",
				slog.String("account", account),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		} else if pid := highestNewPID(procs, baseline); pid != 0 {
			// Highest new pid wins on the assumption pids are issued
			// monotonically, so the most recent launch gets the biggest
			// number. Concurrent launches in a tight window can
			// misattribute; accepted limitation.
			if err := c.store.Update(account, func(s *store.AccountSession) {
				s.PID = pid
				s.Status = store.StatusRunning
			}); err != nil {
				// Session removed while we were polling; drop the match.
				corrLog.Info("match_discarded", slog.String("account", account), slog.Int("pid", pid))
				return
			}
			corrLog.Info("matched",
				slog.String("account", account),
				slog.Int("pid", pid),
				slog.Int("attempt", attempt))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	// Gave up: the session keeps status "launching" and no pid. Logged,
	// never silently deleted; the caller may retry the launch.
	corrLog.Warn("gave_up",
		slog.String("account", account),
		slog.Int("max_attempts", c.opts.MaxAttempts))
}

// clear removes the pending entry only if it is still owned by this poll;
// a replacement Begin for the same account must not be clobbered by the
// cancelled predecessor's exit.
func (c *Correlator) clear(account string, p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[account]; ok && cur == p {
		delete(c.pending, account)
	}
}

// highestNewPID returns the largest pid present in procs but not in the
// baseline, or 0 when nothing new appeared.
func highestNewPID(procs []procscan.Process, baseline map[int]struct{}) int {
	best := 0
	for _, p := range procs {
		if _, existed := baseline[p.PID]; existed {
			continue
		}
		if p.PID > best {
			best = p.PID
		}
	}
	return best
}
