package txn

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SimonWaldherr/tinykv/internal/ids"
)

// GCSource is what the scheduler needs from the Transaction Manager to run
// a collection pass: the current low-water mark and the collector itself.
type GCSource interface {
	OldestActiveSnapshotTS() ids.Timestamp
}

// GCScheduler runs the Version Store's GC on a fixed interval, the same
// no-overlap/bounded-runtime job-execution discipline the teacher's own
// catalog job scheduler applies to scheduled SQL jobs, adapted here to a
// single fixed job (periodic GC) rather than a catalog of arbitrary ones.
type GCScheduler struct {
	store  *Store
	source GCSource

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	// runningPass guards against a GC pass still executing when its next
	// tick fires (NoOverlap in the teacher's terms): a slow pass over a
	// large keyspace must never be allowed to stack with the next one.
	runningPass bool
	maxRuntime  time.Duration

	lastResult  int
	lastRunAt   time.Time
}

// NewGCScheduler constructs a scheduler over store, consulting source for
// the low-water mark on every pass. maxRuntime (30s when <= 0) sets the
// timeout of a context each pass creates; GC does not observe that context,
// so a pass that runs longer is neither cut short nor logged.
func NewGCScheduler(store *Store, source GCSource, maxRuntime time.Duration) *GCScheduler {
	loc, _ := time.LoadLocation("UTC")
	if maxRuntime <= 0 {
		maxRuntime = 30 * time.Second
	}
	return &GCScheduler{
		store:      store,
		source:     source,
		cron:       cron.New(cron.WithLocation(loc)),
		maxRuntime: maxRuntime,
	}
}

// Start registers the periodic GC pass as an "@every <interval>" cron job.
func (g *GCScheduler) Start(interval time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse("@every " + interval.String())
	if err != nil {
		return err
	}
	g.cron.Schedule(schedule, cron.FuncJob(g.runPass))
	g.cron.Start()
	g.running = true
	return nil
}

// Stop halts the periodic GC pass.
func (g *GCScheduler) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	ctx := g.cron.Stop()
	<-ctx.Done()
	g.running = false
}

// RunOnce forces an immediate GC pass, skipping it if one is already in
// flight. Exposed for tests and for explicit operator-triggered collection.
func (g *GCScheduler) RunOnce() {
	g.runPass()
}

func (g *GCScheduler) runPass() {
	g.mu.Lock()
	if g.runningPass {
		g.mu.Unlock()
		log.Printf("txn: GC pass already running, skipping this tick")
		return
	}
	g.runningPass = true
	g.mu.Unlock()

	start := time.Now()
	_, cancel := context.WithTimeout(context.Background(), g.maxRuntime)
	defer cancel()

	lowWaterTS := g.source.OldestActiveSnapshotTS()
	removed := g.store.GC(lowWaterTS)

	g.mu.Lock()
	g.runningPass = false
	g.lastResult = removed
	g.lastRunAt = start
	g.mu.Unlock()

	if removed > 0 {
		log.Printf("txn: GC pass collected %d superseded versions below ts=%d in %s", removed, lowWaterTS, time.Since(start))
	}
}
