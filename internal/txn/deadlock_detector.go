package txn

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SimonWaldherr/tinykv/internal/ids"
)

// maxCycleDFSDepth bounds the wait-for graph DFS per §4.5, guarding against
// pathological graphs the way §7 requires every collection walk to be
// explicitly capped.
const maxCycleDFSDepth = 1000

// VictimPolicy selects which transaction in a detected cycle to abort.
type VictimPolicy string

const (
	VictimYoungest     VictimPolicy = "Youngest"
	VictimOldest       VictimPolicy = "Oldest"
	VictimLeastWork    VictimPolicy = "LeastWork"
	VictimLowestPriority VictimPolicy = "LowestPriority"
)

// VictimInfo is what the detector needs about each candidate transaction to
// apply a victim policy, supplied by the Transaction Manager via
// TxnInfoSource.
type VictimInfo struct {
	BeginSeq    uint64 // monotonic begin order; lower is older
	WriteSetLen int    // proxy for "work done"
	Priority    int    // lower means more eligible for eviction under LowestPriority
}

// TxnInfoSource lets the detector ask the Transaction Manager about a
// candidate victim without importing it (avoids a dependency cycle: the
// Transaction Manager owns the detector's lifecycle).
type TxnInfoSource interface {
	VictimInfo(txn ids.TransactionID) (VictimInfo, bool)
}

// AbortHook is invoked with the chosen victim once a cycle is found.
type AbortHook func(txn ids.TransactionID)

// Detector runs the periodic wait-for-graph scan described in §4.5: build
// the graph from the Lock Manager's wait queues, find cycles via bounded-
// depth DFS, and abort one member per cycle according to Policy. It reuses
// the teacher's cron-based periodic-task idiom (the same @every descriptor
// parsing the scheduler uses for catalog jobs) instead of a bare
// time.Ticker.
type Detector struct {
	locks  *Manager
	info   TxnInfoSource
	onAbort AbortHook
	policy VictimPolicy

	cronRunner *cron.Cron
	mu         sync.Mutex
	entryID    cron.EntryID
	running    bool
	verbose    bool
}

// SetVerbose toggles whether a chosen victim is logged. Off by default;
// NewTransactionManager wires this to Config.Verbose.
func (d *Detector) SetVerbose(v bool) {
	d.mu.Lock()
	d.verbose = v
	d.mu.Unlock()
}

// NewDetector constructs a Detector that scans the lock manager's wait-for
// graph every scanInterval and aborts cycle members per policy.
func NewDetector(locks *Manager, info TxnInfoSource, policy VictimPolicy, onAbort AbortHook) *Detector {
	if policy == "" {
		policy = VictimYoungest
	}
	loc, _ := time.LoadLocation("UTC")
	return &Detector{
		locks:      locks,
		info:       info,
		onAbort:    onAbort,
		policy:     policy,
		cronRunner: cron.New(cron.WithLocation(loc), cron.WithSeconds()),
	}
}

// Start registers the periodic scan as an "@every <interval>" cron job and
// starts the runner, mirroring the scheduler's CRON/INTERVAL job registration.
func (d *Detector) Start(scanInterval time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse("@every " + scanInterval.String())
	if err != nil {
		return err
	}
	d.entryID = d.cronRunner.Schedule(schedule, cron.FuncJob(d.ForceDetect))
	d.cronRunner.Start()
	d.running = true
	return nil
}

// Stop halts the periodic scan.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	ctx := d.cronRunner.Stop()
	<-ctx.Done()
	d.running = false
}

// ForceDetect runs one scan immediately, bypassing the schedule. Exposed
// for tests and for lock-acquire timeout escalation per §4.5.
func (d *Detector) ForceDetect() {
	edges := d.locks.Snapshot()
	if len(edges) == 0 {
		return
	}
	adjacency := make(map[ids.TransactionID][]WaitForEdge, len(edges))
	for _, e := range edges {
		adjacency[e.Waiter] = append(adjacency[e.Waiter], e)
	}

	visited := make(map[ids.TransactionID]int) // 0=unvisited, 1=on stack, 2=done
	aborted := make(map[ids.TransactionID]bool)

	var stack []ids.TransactionID
	var dfs func(node ids.TransactionID, depth int) bool
	dfs = func(node ids.TransactionID, depth int) bool {
		if depth > maxCycleDFSDepth {
			return false
		}
		visited[node] = 1
		stack = append(stack, node)
		for _, edge := range adjacency[node] {
			holder := edge.Holder
			if aborted[node] {
				stack = stack[:len(stack)-1]
				return false
			}
			switch visited[holder] {
			case 1:
				// Found a cycle: stack contains it from the first
				// occurrence of holder to node.
				cycleStart := 0
				for i, n := range stack {
					if n == holder {
						cycleStart = i
						break
					}
				}
				cycle := append([]ids.TransactionID(nil), stack[cycleStart:]...)
				victim := d.pickVictim(cycle)
				aborted[victim] = true
				if d.onAbort != nil {
					d.onAbort(victim)
				}
				if d.verbose {
					log.Printf("txn: deadlock detected among %v, aborting %v", cycle, victim)
				}
			case 0:
				if dfs(holder, depth+1) {
					stack = stack[:len(stack)-1]
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		visited[node] = 2
		return false
	}

	for node := range adjacency {
		if visited[node] == 0 {
			dfs(node, 0)
		}
	}
}

// pickVictim applies d.policy to choose which member of cycle to abort.
func (d *Detector) pickVictim(cycle []ids.TransactionID) ids.TransactionID {
	best := cycle[0]
	bestInfo, haveBest := d.info.VictimInfo(best)
	for _, candidate := range cycle[1:] {
		info, ok := d.info.VictimInfo(candidate)
		if !ok {
			continue
		}
		if !haveBest {
			best, bestInfo, haveBest = candidate, info, true
			continue
		}
		if d.prefers(info, bestInfo) {
			best, bestInfo = candidate, info
		}
	}
	return best
}

// prefers reports whether candidate should replace current as the victim
// under d.policy (true means candidate is the "more abortable" one).
func (d *Detector) prefers(candidate, current VictimInfo) bool {
	switch d.policy {
	case VictimOldest:
		return candidate.BeginSeq < current.BeginSeq
	case VictimLeastWork:
		return candidate.WriteSetLen < current.WriteSetLen
	case VictimLowestPriority:
		return candidate.Priority < current.Priority
	case VictimYoungest:
		fallthrough
	default:
		return candidate.BeginSeq > current.BeginSeq
	}
}
