package ownership

import (
	"sync"

	"github.com/google/uuid"
)

// Index is the worker-side ownership mirror: requester → set of position ids.
// Each user's ids are held both as an ordered slice (iteration, diffing) and
// a map (O(1) membership). The request ledger keeps its own boolean-map
// mirror; the two are updated by separate non-atomic calls, so a reader may
// observe one mirror stale for at most one settlement round trip. The
// Reconciler audits convergence.
type Index struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*userSet
}

type userSet struct {
	ids []int64
	pos map[int64]int // position id → index into ids
}

func NewIndex() *Index {
	return &Index{users: make(map[uuid.UUID]*userSet)}
}

// Register records that user controls positionID. Idempotent.
func (ix *Index) Register(user uuid.UUID, positionID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set := ix.users[user]
	if set == nil {
		set = &userSet{pos: make(map[int64]int)}
		ix.users[user] = set
	}
	if _, exists := set.pos[positionID]; exists {
		return
	}
	set.pos[positionID] = len(set.ids)
	set.ids = append(set.ids, positionID)
}

// Deregister removes positionID from user's set. Idempotent.
// Uses swap-with-last removal; per-user order is not significant.
func (ix *Index) Deregister(user uuid.UUID, positionID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set := ix.users[user]
	if set == nil {
		return
	}
	i, exists := set.pos[positionID]
	if !exists {
		return
	}

	last := len(set.ids) - 1
	if i != last {
		moved := set.ids[last]
		set.ids[i] = moved
		set.pos[moved] = i
	}
	set.ids = set.ids[:last]
	delete(set.pos, positionID)

	if len(set.ids) == 0 {
		delete(ix.users, user)
	}
}

// Owns reports whether user controls positionID.
func (ix *Index) Owns(user uuid.UUID, positionID int64) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	set := ix.users[user]
	if set == nil {
		return false
	}
	_, exists := set.pos[positionID]
	return exists
}

// IDs returns a copy of the position ids controlled by user.
func (ix *Index) IDs(user uuid.UUID) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	set := ix.users[user]
	if set == nil {
		return nil
	}
	out := make([]int64, len(set.ids))
	copy(out, set.ids)
	return out
}

// Size returns the total number of tracked (user, position) pairs.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := 0
	for _, set := range ix.users {
		n += len(set.ids)
	}
	return n
}

// Snapshot returns a copy of the full index for reconciliation.
func (ix *Index) Snapshot() map[uuid.UUID][]int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[uuid.UUID][]int64, len(ix.users))
	for user, set := range ix.users {
		ids := make([]int64, len(set.ids))
		copy(ids, set.ids)
		out[user] = ids
	}
	return out
}
