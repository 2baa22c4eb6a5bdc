package checker

import (
	"sync"

	"github.com/joss/comply/internal/plan"
)

// quota is one user's monthly check count. Every checker of a user shares
// one quota so that sessions cannot each spend the full allowance.
//
// used is the best known count including optimistic commits. reserved
// counts checks admitted but not yet finished. pending counts committed
// checks whose insert has not landed, so a fetched store count plus pending
// is the current total. gen changes whenever used changes for a reason a
// concurrent fetch cannot see.
type quota struct {
	mu       sync.Mutex
	used     int
	reserved int
	pending  int
	gen      uint64
}

func newQuota() *quota {
	return &quota{}
}

// reserve admits one check if used plus in-flight checks stay under limit.
// It returns the count the decision was made on.
func (q *quota) reserve(limit plan.Limit) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !limit.IsUnlimited() && q.used+q.reserved >= int(limit) {
		return q.used + q.reserved, false
	}
	q.reserved++
	return q.used + q.reserved, true
}

// release returns a reservation whose check did not finish.
func (q *quota) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved > 0 {
		q.reserved--
	}
}

// commit turns a reservation into a counted check awaiting its insert.
func (q *quota) commit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved > 0 {
		q.reserved--
	}
	q.used++
	q.pending++
	q.gen++
}

// landed records that a committed check is now in the store.
func (q *quota) landed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending > 0 {
		q.pending--
	}
	q.gen++
}

// dropped records that a committed check never reached the store. used is
// left alone until the next fetch replaces it.
func (q *quota) dropped() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending > 0 {
		q.pending--
	}
}

// decrement counts a deleted check.
func (q *quota) decrement() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used > 0 {
		q.used--
	}
	q.gen++
}

// count returns the current count.
func (q *quota) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

// generation returns the value to hand back to apply after a fetch.
func (q *quota) generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// apply replaces used with a fetched store count taken when the generation
// was gen. It refuses if anything moved the count since.
func (q *quota) apply(fetched int, gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return false
	}
	q.used = fetched + q.pending
	return true
}

