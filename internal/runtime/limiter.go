package runtime

import (
	"sync"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
)

// Limiter enforces the global and per-operation concurrency caps. Admission
// is a single atomic check-and-increment; there is no queueing, a request
// that cannot be admitted is refused immediately.
type Limiter struct {
	mu          sync.Mutex
	globalLimit int
	opLimits    map[string]int

	global int
	counts map[string]int
}

// NewLimiter builds a limiter with the given global cap and optional
// per-operation caps. Non-positive global falls back to the default. The
// per-operation map is copied.
func NewLimiter(globalLimit int, opLimits map[string]int) *Limiter {
	if globalLimit <= 0 {
		globalLimit = defaultGlobalLimit
	}
	limits := make(map[string]int, len(opLimits))
	for name, limit := range opLimits {
		if limit > 0 {
			limits[name] = limit
		}
	}
	return &Limiter{
		globalLimit: globalLimit,
		opLimits:    limits,
		counts:      make(map[string]int),
	}
}

const defaultGlobalLimit = 10

// SetOperationLimit installs a per-operation cap before the server starts.
// A non-positive limit removes the cap.
func (l *Limiter) SetOperationLimit(operation string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		delete(l.opLimits, operation)
		return
	}
	l.opLimits[operation] = limit
}

// Admit reserves a slot for the operation. Both caps are checked and the
// slot is taken under one lock, so concurrent callers can never overshoot.
// On refusal the returned error reports the cap that was binding.
func (l *Limiter) Admit(operation string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit, ok := l.opLimits[operation]; ok && l.counts[operation] >= limit {
		return rterrors.AdmissionDenied(operation, l.counts[operation], limit)
	}
	if l.global >= l.globalLimit {
		return rterrors.AdmissionDenied(operation, l.global, l.globalLimit)
	}

	l.global++
	l.counts[operation]++
	return nil
}

// Release frees a slot taken by Admit. Counts floor at zero and empty
// per-operation entries are deleted, so unmatched releases cannot push
// counts negative or leak map entries.
func (l *Limiter) Release(operation string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global > 0 {
		l.global--
	}
	if count, ok := l.counts[operation]; ok {
		if count <= 1 {
			delete(l.counts, operation)
		} else {
			l.counts[operation] = count - 1
		}
	}
}

// Do runs fn inside an admitted slot, releasing it on every exit path
// including panics. The admission error is returned untouched so callers
// see the same refusal Admit would report.
func (l *Limiter) Do(operation string, fn func() error) error {
	if err := l.Admit(operation); err != nil {
		return err
	}
	defer l.Release(operation)
	return fn()
}

// InFlight reports the current per-operation and global counts.
func (l *Limiter) InFlight(operation string) (opCount, global int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[operation], l.global
}
