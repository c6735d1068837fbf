package dht

import (
	"context"
	"slices"
	"sync"

	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// queryFunc is one RPC issued by a lookup round
type queryFunc func(ctx context.Context, c kad.Contact) (FindResult, error)

// lookup holds the state of one iterative lookup. The shortlist is kept sorted
// by distance to the target and never contains the owner or peers that failed
// to answer.
type lookup struct {
	target kad.ID
	self   kad.ID

	mu        sync.Mutex
	shortlist []kad.Contact
	known     map[kad.ID]struct{}
	queried   map[kad.ID]struct{}
	failed    map[kad.ID]struct{}

	// Value lookups only
	value  *kad.Value
	holder *kad.Contact
	misses []kad.Contact
}

func newLookup(self, target kad.ID, seeds []kad.Contact) *lookup {
	l := &lookup{
		target:  target,
		self:    self,
		known:   make(map[kad.ID]struct{}),
		queried: make(map[kad.ID]struct{}),
		failed:  make(map[kad.ID]struct{}),
	}
	l.add(seeds)
	return l
}

// add merges contacts into the shortlist. Caller holds mu or owns l exclusively.
func (l *lookup) add(contacts []kad.Contact) {
	changed := false
	for _, c := range contacts {
		if c.ID == l.self {
			continue
		}
		if _, ok := l.known[c.ID]; ok {
			continue
		}
		l.known[c.ID] = struct{}{}
		l.shortlist = append(l.shortlist, c)
		changed = true
	}
	if changed {
		slices.SortFunc(l.shortlist, func(a, b kad.Contact) int {
			return a.ID.Distance(l.target).Cmp(b.ID.Distance(l.target))
		})
	}
}

// nextBatch picks up to n of the closest candidates not yet queried and marks them queried
func (l *lookup) nextBatch(n int) []kad.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()

	var batch []kad.Contact
	for _, c := range l.shortlist {
		if len(batch) >= n {
			break
		}
		if _, done := l.queried[c.ID]; done {
			continue
		}
		l.queried[c.ID] = struct{}{}
		batch = append(batch, c)
	}
	return batch
}

// record folds one RPC outcome into the lookup state
func (l *lookup) record(c kad.Contact, res FindResult, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil || !res.Answered {
		l.failed[c.ID] = struct{}{}
		l.shortlist = slices.DeleteFunc(l.shortlist, func(x kad.Contact) bool { return x.ID == c.ID })
		return
	}

	if res.Value != nil {
		if l.value == nil {
			l.value, l.holder = res.Value, &c
		}
		return
	}

	l.misses = append(l.misses, c)
	l.add(res.Contacts)
}

func (l *lookup) closest() (kad.Contact, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.shortlist) == 0 {
		return kad.Contact{}, false
	}
	return l.shortlist[0], true
}

func (l *lookup) queriedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queried)
}

func (l *lookup) found() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value != nil
}

// results returns up to n surviving candidates, closest first
func (l *lookup) results(n int) []kad.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.shortlist) {
		n = len(l.shortlist)
	}
	return slices.Clone(l.shortlist[:n])
}

// forwardTarget returns the closest peer that answered without the value
func (l *lookup) forwardTarget() *kad.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()

	var best *kad.Contact
	for i := range l.misses {
		c := l.misses[i]
		if best == nil || kad.Closer(l.target, c.ID, best.ID) {
			best = &c
		}
	}
	return best
}

// iterate runs the round-based lookup loop. Each round queries up to alpha
// unqueried candidates concurrently and waits for all of them. The loop ends
// when the closest candidate stops getting strictly closer, when the query
// budget is spent, or (for value lookups) once a value has arrived.
func (d *DHT) iterate(ctx context.Context, target kad.ID, query queryFunc, stopOnValue bool) (*lookup, error) {
	l := newLookup(d.node.ID(), target, d.node.Table().Closest(target, d.alpha))

	best, ok := l.closest()
	if !ok {
		return l, nil
	}

	sem := semaphore.NewWeighted(int64(d.alpha))
	for rounds := 0; ; rounds++ {
		budget := d.replicationCount - l.queriedCount()
		if budget <= 0 {
			break
		}

		batch := l.nextBatch(min(d.alpha, budget))
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, c := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return l, err
			}
			wg.Add(1)
			go func(c kad.Contact) {
				defer wg.Done()
				defer sem.Release(1)
				res, err := query(ctx, c)
				l.record(c, res, err)
			}(c)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return l, err
		}
		if stopOnValue && l.found() {
			break
		}

		next, ok := l.closest()
		if !ok || !kad.Closer(target, next.ID, best.ID) {
			d.log.Debug("lookup converged",
				zap.String("target", target.Short()),
				zap.Int("rounds", rounds+1),
				zap.Int("queried", l.queriedCount()))
			break
		}
		best = next
	}

	return l, nil
}

// LookupNode finds the contacts closest to id across the network
func (d *DHT) LookupNode(ctx context.Context, id kad.ID) ([]kad.Contact, error) {
	l, err := d.iterate(ctx, id, func(ctx context.Context, c kad.Contact) (FindResult, error) {
		return d.node.FindNode(ctx, c, id)
	}, false)
	if err != nil {
		return nil, err
	}
	return l.results(d.replicationCount), nil
}

// lookupValue searches the network for key. Alongside the value it returns
// the closest responsive peer that did not have it, which should cache it.
func (d *DHT) lookupValue(ctx context.Context, key kad.ID) (*kad.Value, *kad.Contact, error) {
	l, err := d.iterate(ctx, key, func(ctx context.Context, c kad.Contact) (FindResult, error) {
		return d.node.FindValue(ctx, c, key)
	}, true)
	if err != nil {
		return nil, nil, err
	}
	if l.value == nil {
		return nil, nil, nil
	}

	forward := l.forwardTarget()
	if forward != nil && l.holder != nil && forward.ID == l.holder.ID {
		forward = nil
	}
	return l.value, forward, nil
}
