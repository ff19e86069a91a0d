package engine

import (
	"fmt"
	"sync"

	"batchengine/internal/apperrors"
)

// registry enforces the one-active-job-per-category rule. A category
// slot is reserved before the machine is built, committed once the
// machine's validation passes, and released when the job reaches a
// terminal state. A nil slot value marks a reservation in flight.
type registry struct {
	mu       sync.Mutex
	machines map[Category]machine
}

func newRegistry() *registry {
	return &registry{
		machines: make(map[Category]machine),
	}
}

// reserve claims the slot for a category. It fails with a conflict if
// a job is already active or a reservation is pending.
func (r *registry) reserve(cat Category) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.machines[cat]; exists {
		return apperrors.Conflict("job", string(cat),
			fmt.Sprintf("a %s job is already active", cat))
	}
	r.machines[cat] = nil
	return nil
}

// commit installs the machine into its reserved slot.
func (r *registry) commit(cat Category, m machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[cat] = m
}

// release frees a category slot.
func (r *registry) release(cat Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, cat)
}

// get returns the committed machine for a category, if any. Pending
// reservations are invisible to readers.
func (r *registry) get(cat Category) (machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.machines[cat]
	if !exists || m == nil {
		return nil, false
	}
	return m, true
}

// active returns committed machines in stable category order.
func (r *registry) active() []machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]machine, 0, len(r.machines))
	for _, cat := range []Category{CategoryFill, CategoryMix, CategorySend} {
		if m := r.machines[cat]; m != nil {
			out = append(out, m)
		}
	}
	return out
}
