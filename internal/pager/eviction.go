package pager

import (
	"container/heap"
	"container/list"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Eviction policy
// ───────────────────────────────────────────────────────────────────────────
//
// EvictionPolicy is a pluggable victim-selection strategy. The Buffer Pool
// feeds it access/insertion/removal events and asks it to pick a victim
// among frames the pool currently considers evictable (pin-count==0); the
// policy itself never has to inspect pin counts directly, since the pool
// passes an isEvictable predicate at eviction time that may disagree with
// the policy's last-known state (a frame pinned after the policy last saw
// it).

// EvictionPolicy tracks recency/frequency metadata for cached frames and
// picks eviction victims among the caller-supplied evictable set.
type EvictionPolicy interface {
	// RecordInsertion is called once when a frame enters the pool.
	RecordInsertion(frameID PageID)
	// RecordAccess is called on every pin/hit against an already-resident frame.
	RecordAccess(frameID PageID)
	// RecordRemoval is called when a frame leaves the pool (evicted or deleted).
	RecordRemoval(frameID PageID)
	// Evict asks the policy to choose a victim. isEvictable reports whether a
	// candidate frame may currently be evicted (pin-count == 0). Returns
	// ok=false if no eligible victim could be found.
	Evict(isEvictable func(PageID) bool) (frameID PageID, ok bool)
}

// EvictionPolicyName identifies a pluggable eviction strategy by name, used
// in configuration (§6's eviction_policy option).
type EvictionPolicyName string

const (
	EvictionCLOCK EvictionPolicyName = "CLOCK"
	EvictionLRU   EvictionPolicyName = "LRU"
	Eviction2Q    EvictionPolicyName = "2Q"
	EvictionLRUK  EvictionPolicyName = "LRU-K"
	EvictionARC   EvictionPolicyName = "ARC"
	EvictionLIRS  EvictionPolicyName = "LIRS"
)

// NewEvictionPolicy constructs the named policy. lruK is the K parameter
// used only by EvictionLRUK (default 2 if <= 0).
func NewEvictionPolicy(name EvictionPolicyName, lruK int) (EvictionPolicy, error) {
	switch name {
	case "", EvictionCLOCK:
		return newClockPolicy(), nil
	case EvictionLRU:
		return newLRUPolicy(), nil
	case Eviction2Q:
		return newTwoQueuePolicy(), nil
	case EvictionLRUK:
		if lruK <= 0 {
			lruK = 2
		}
		return newLRUKPolicy(lruK), nil
	case EvictionARC:
		return newARCPolicy(), nil
	case EvictionLIRS:
		return newLIRSPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", name)
	}
}

// ───────────────────────────────────────────────────────────────────────────
// CLOCK (default) — reference-bit sweep. The hand is a plain index, not an
// atomic; callers serialize access (the buffer pool holds evictionMu).
// ───────────────────────────────────────────────────────────────────────────

type clockPolicy struct {
	order []PageID       // circular order of known frames
	pos   map[PageID]int // frameID -> index in order
	ref   map[PageID]bool
	hand  int
}

func newClockPolicy() *clockPolicy {
	return &clockPolicy{pos: make(map[PageID]int), ref: make(map[PageID]bool)}
}

func (c *clockPolicy) RecordInsertion(id PageID) {
	if _, ok := c.pos[id]; ok {
		return
	}
	c.pos[id] = len(c.order)
	c.order = append(c.order, id)
	c.ref[id] = true
}

func (c *clockPolicy) RecordAccess(id PageID) {
	if _, ok := c.pos[id]; ok {
		c.ref[id] = true
	}
}

func (c *clockPolicy) RecordRemoval(id PageID) {
	idx, ok := c.pos[id]
	if !ok {
		return
	}
	last := len(c.order) - 1
	c.order[idx] = c.order[last]
	c.pos[c.order[idx]] = idx
	c.order = c.order[:last]
	delete(c.pos, id)
	delete(c.ref, id)
	if c.hand >= len(c.order) {
		c.hand = 0
	}
}

func (c *clockPolicy) Evict(isEvictable func(PageID) bool) (PageID, bool) {
	n := len(c.order)
	if n == 0 {
		return 0, false
	}
	for sweeps := 0; sweeps < 2*n; sweeps++ {
		id := c.order[c.hand]
		c.hand = (c.hand + 1) % n
		if !isEvictable(id) {
			continue
		}
		if c.ref[id] {
			c.ref[id] = false
			continue
		}
		return id, true
	}
	// Second pass found nothing with ref==false; take the first evictable.
	for _, id := range c.order {
		if isEvictable(id) {
			return id, true
		}
	}
	return 0, false
}

// ───────────────────────────────────────────────────────────────────────────
// LRU — intrusive doubly-linked list, O(1) access.
// ───────────────────────────────────────────────────────────────────────────

type lruPolicy struct {
	l       *list.List
	byFrame map[PageID]*list.Element
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{l: list.New(), byFrame: make(map[PageID]*list.Element)}
}

func (p *lruPolicy) RecordInsertion(id PageID) {
	if _, ok := p.byFrame[id]; ok {
		return
	}
	p.byFrame[id] = p.l.PushFront(id)
}

func (p *lruPolicy) RecordAccess(id PageID) {
	if e, ok := p.byFrame[id]; ok {
		p.l.MoveToFront(e)
	}
}

func (p *lruPolicy) RecordRemoval(id PageID) {
	if e, ok := p.byFrame[id]; ok {
		p.l.Remove(e)
		delete(p.byFrame, id)
	}
}

func (p *lruPolicy) Evict(isEvictable func(PageID) bool) (PageID, bool) {
	for e := p.l.Back(); e != nil; e = e.Prev() {
		id := e.Value.(PageID)
		if isEvictable(id) {
			return id, true
		}
	}
	return 0, false
}

// ───────────────────────────────────────────────────────────────────────────
// 2Q — admission FIFO (A1in) feeding a hot LRU queue (Am); scan-resistant.
// ───────────────────────────────────────────────────────────────────────────

type twoQueuePolicy struct {
	a1 *list.List // FIFO: first access
	am *list.List // LRU: re-accessed pages
	in map[PageID]*list.Element
	hot map[PageID]*list.Element
}

func newTwoQueuePolicy() *twoQueuePolicy {
	return &twoQueuePolicy{
		a1:  list.New(),
		am:  list.New(),
		in:  make(map[PageID]*list.Element),
		hot: make(map[PageID]*list.Element),
	}
}

func (p *twoQueuePolicy) RecordInsertion(id PageID) {
	if _, ok := p.in[id]; ok {
		return
	}
	if _, ok := p.hot[id]; ok {
		return
	}
	p.in[id] = p.a1.PushFront(id)
}

func (p *twoQueuePolicy) RecordAccess(id PageID) {
	if e, ok := p.in[id]; ok {
		// Second touch promotes from the admission queue into the hot queue.
		p.a1.Remove(e)
		delete(p.in, id)
		p.hot[id] = p.am.PushFront(id)
		return
	}
	if e, ok := p.hot[id]; ok {
		p.am.MoveToFront(e)
	}
}

func (p *twoQueuePolicy) RecordRemoval(id PageID) {
	if e, ok := p.in[id]; ok {
		p.a1.Remove(e)
		delete(p.in, id)
	}
	if e, ok := p.hot[id]; ok {
		p.am.Remove(e)
		delete(p.hot, id)
	}
}

func (p *twoQueuePolicy) Evict(isEvictable func(PageID) bool) (PageID, bool) {
	for e := p.a1.Back(); e != nil; e = e.Prev() {
		id := e.Value.(PageID)
		if isEvictable(id) {
			return id, true
		}
	}
	for e := p.am.Back(); e != nil; e = e.Prev() {
		id := e.Value.(PageID)
		if isEvictable(id) {
			return id, true
		}
	}
	return 0, false
}

// ───────────────────────────────────────────────────────────────────────────
// LRU-K (K=2 default) — victim = smallest Kth-most-recent-access time,
// tracked with a priority heap over frames (never a linear scan).
// ───────────────────────────────────────────────────────────────────────────

type lruKEntry struct {
	frame PageID
	times []int64 // most recent K access "times" (logical clock), oldest first
	index int      // heap index
	k     int      // K of the owning policy
}

type lruKHeap []*lruKEntry

func (h lruKHeap) Len() int { return len(h) }
func (h lruKHeap) Less(i, j int) bool {
	return lruKKey(h[i]) < lruKKey(h[j])
}
func (h lruKHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *lruKHeap) Push(x any) {
	e := x.(*lruKEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *lruKHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// lruKKey returns the Kth-most-recent access time (smaller = more evictable).
// Frames with fewer than K accesses sort first (treated as -inf).
func lruKKey(e *lruKEntry) int64 {
	if len(e.times) < e.k {
		return -1
	}
	return e.times[0] // oldest retained of the K most recent
}

type lruKPolicy struct {
	k     int
	clock int64
	byID  map[PageID]*lruKEntry
	h     lruKHeap
}

func newLRUKPolicy(k int) *lruKPolicy {
	p := &lruKPolicy{k: k, byID: make(map[PageID]*lruKEntry)}
	heap.Init(&p.h)
	return p
}

func (p *lruKPolicy) touch(id PageID) {
	p.clock++
	e, ok := p.byID[id]
	if !ok {
		e = &lruKEntry{frame: id, k: p.k}
		p.byID[id] = e
		heap.Push(&p.h, e)
	}
	e.times = append(e.times, p.clock)
	if len(e.times) > p.k {
		e.times = e.times[len(e.times)-p.k:]
	}
	heap.Fix(&p.h, e.index)
}

func (p *lruKPolicy) RecordInsertion(id PageID) { p.touch(id) }
func (p *lruKPolicy) RecordAccess(id PageID)     { p.touch(id) }

func (p *lruKPolicy) RecordRemoval(id PageID) {
	e, ok := p.byID[id]
	if !ok {
		return
	}
	heap.Remove(&p.h, e.index)
	delete(p.byID, id)
}

func (p *lruKPolicy) Evict(isEvictable func(PageID) bool) (PageID, bool) {
	// Pop candidates off the heap in increasing-key order; requeue skipped
	// (pinned) ones so the next Evict call sees them again.
	var skipped []*lruKEntry
	var victim PageID
	found := false
	for p.h.Len() > 0 {
		e := p.h[0]
		if isEvictable(e.frame) {
			victim, found = e.frame, true
			heap.Remove(&p.h, e.index)
			break
		}
		heap.Remove(&p.h, e.index)
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(&p.h, e)
	}
	if found {
		delete(p.byID, victim)
	}
	return victim, found
}

// ───────────────────────────────────────────────────────────────────────────
// ARC — adaptive between recency (T1) and frequency (T2) with ghost lists
// (B1, B2). Simplified to the core admission/adaptation rule.
// ───────────────────────────────────────────────────────────────────────────

type arcPolicy struct {
	capacityHint int
	p            int // target size of T1
	t1, t2       *list.List
	b1, b2       *list.List
	t1e, t2e     map[PageID]*list.Element
	b1e, b2e     map[PageID]*list.Element
}

func newARCPolicy() *arcPolicy {
	return &arcPolicy{
		t1: list.New(), t2: list.New(), b1: list.New(), b2: list.New(),
		t1e: map[PageID]*list.Element{}, t2e: map[PageID]*list.Element{},
		b1e: map[PageID]*list.Element{}, b2e: map[PageID]*list.Element{},
	}
}

func (a *arcPolicy) RecordInsertion(id PageID) {
	a.capacityHint++
	if _, ok := a.t1e[id]; ok {
		return
	}
	if _, ok := a.t2e[id]; ok {
		return
	}
	if e, ok := a.b1e[id]; ok {
		a.b1.Remove(e)
		delete(a.b1e, id)
		if a.p < a.capacityHint {
			a.p++
		}
		a.t2e[id] = a.t2.PushFront(id)
		return
	}
	if e, ok := a.b2e[id]; ok {
		a.b2.Remove(e)
		delete(a.b2e, id)
		if a.p > 0 {
			a.p--
		}
		a.t2e[id] = a.t2.PushFront(id)
		return
	}
	a.t1e[id] = a.t1.PushFront(id)
}

func (a *arcPolicy) RecordAccess(id PageID) {
	if e, ok := a.t1e[id]; ok {
		a.t1.Remove(e)
		delete(a.t1e, id)
		a.t2e[id] = a.t2.PushFront(id)
		return
	}
	if e, ok := a.t2e[id]; ok {
		a.t2.MoveToFront(e)
	}
}

func (a *arcPolicy) RecordRemoval(id PageID) {
	if e, ok := a.t1e[id]; ok {
		a.t1.Remove(e)
		delete(a.t1e, id)
	}
	if e, ok := a.t2e[id]; ok {
		a.t2.Remove(e)
		delete(a.t2e, id)
	}
}

func (a *arcPolicy) Evict(isEvictable func(PageID) bool) (PageID, bool) {
	// Prefer evicting from T1 (recency) while its size exceeds the target p,
	// otherwise prefer T2, mirroring ARC's replace() rule; ghost lists record
	// the eviction.
	preferT1 := a.t1.Len() > a.p
	tryList := func(l *list.List, e map[PageID]*list.Element, ghost *list.List, ghostE map[PageID]*list.Element) (PageID, bool) {
		for el := l.Back(); el != nil; el = el.Prev() {
			id := el.Value.(PageID)
			if isEvictable(id) {
				l.Remove(el)
				delete(e, id)
				ghostE[id] = ghost.PushFront(id)
				return id, true
			}
		}
		return 0, false
	}
	if preferT1 {
		if id, ok := tryList(a.t1, a.t1e, a.b1, a.b1e); ok {
			return id, true
		}
		return tryList(a.t2, a.t2e, a.b2, a.b2e)
	}
	if id, ok := tryList(a.t2, a.t2e, a.b2, a.b2e); ok {
		return id, true
	}
	return tryList(a.t1, a.t1e, a.b1, a.b1e)
}

// ───────────────────────────────────────────────────────────────────────────
// LIRS — partitions frames into Low-IRR (LIR, kept resident) and High-IRR
// (HIR) sets using the classic stack+queue structure.
// ───────────────────────────────────────────────────────────────────────────

type lirsPolicy struct {
	stack   *list.List // the "S" stack: recency-ordered, pruned of trailing non-LIR evicted entries
	hirQ    *list.List // HIR resident queue
	stackE  map[PageID]*list.Element
	hirE    map[PageID]*list.Element
	isLIR   map[PageID]bool
	lirQuota int
	lirCount int
}

func newLIRSPolicy() *lirsPolicy {
	return &lirsPolicy{
		stack: list.New(), hirQ: list.New(),
		stackE: map[PageID]*list.Element{}, hirE: map[PageID]*list.Element{},
		isLIR: map[PageID]bool{}, lirQuota: 32,
	}
}

func (p *lirsPolicy) pruneStack() {
	for e := p.stack.Back(); e != nil; {
		id := e.Value.(PageID)
		if p.isLIR[id] {
			break
		}
		prev := e.Prev()
		p.stack.Remove(e)
		delete(p.stackE, id)
		e = prev
	}
}

func (p *lirsPolicy) RecordInsertion(id PageID) {
	if p.lirCount < p.lirQuota {
		p.isLIR[id] = true
		p.lirCount++
		p.stackE[id] = p.stack.PushFront(id)
		return
	}
	p.hirE[id] = p.hirQ.PushFront(id)
	p.stackE[id] = p.stack.PushFront(id)
}

func (p *lirsPolicy) RecordAccess(id PageID) {
	wasInStack := false
	if e, ok := p.stackE[id]; ok {
		p.stack.Remove(e)
		wasInStack = true
	}
	p.stackE[id] = p.stack.PushFront(id)
	if p.isLIR[id] {
		p.pruneStack()
		return
	}
	// HIR hit: if it was in the stack (reused recently), promote to LIR.
	if wasInStack {
		if e, ok := p.hirE[id]; ok {
			p.hirQ.Remove(e)
			delete(p.hirE, id)
		}
		p.isLIR[id] = true
		p.lirCount++
		p.pruneStack()
	} else if e, ok := p.hirE[id]; ok {
		p.hirQ.MoveToFront(e)
	}
}

func (p *lirsPolicy) RecordRemoval(id PageID) {
	if e, ok := p.stackE[id]; ok {
		p.stack.Remove(e)
		delete(p.stackE, id)
	}
	if e, ok := p.hirE[id]; ok {
		p.hirQ.Remove(e)
		delete(p.hirE, id)
	}
	if p.isLIR[id] {
		p.lirCount--
	}
	delete(p.isLIR, id)
}

func (p *lirsPolicy) Evict(isEvictable func(PageID) bool) (PageID, bool) {
	for e := p.hirQ.Back(); e != nil; e = e.Prev() {
		id := e.Value.(PageID)
		if isEvictable(id) {
			return id, true
		}
	}
	for e := p.stack.Back(); e != nil; e = e.Prev() {
		id := e.Value.(PageID)
		if p.isLIR[id] && isEvictable(id) {
			return id, true
		}
	}
	return 0, false
}
