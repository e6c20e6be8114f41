package progress

import (
	"sync"

	"model-resolver/internal/models"
)

// Reporter binds a session id to the stores and enforces the monotonic
// percentage invariant. Band produces a nested reporter whose local 0-100
// scale is remapped into a sub-range of the parent, preserving ordering, so a
// download client can report its own progress without knowing which stage of
// the resolution it is running in.
type Reporter struct {
	store   *Store
	cancels *CancelStore
	session string
	lo, hi  int
	shared  *reporterShared
}

type reporterShared struct {
	mu   sync.Mutex
	last int
}

func NewReporter(store *Store, cancels *CancelStore, sessionID string) *Reporter {
	return &Reporter{
		store:   store,
		cancels: cancels,
		session: sessionID,
		lo:      0,
		hi:      100,
		shared:  &reporterShared{},
	}
}

// SessionID returns the session this reporter writes for.
func (r *Reporter) SessionID() string { return r.session }

// Band returns a reporter whose 0-100 input range maps onto [lo, hi] of this
// reporter's range. The monotonic guard is shared with the parent.
func (r *Reporter) Band(lo, hi int) *Reporter {
	if lo < 0 {
		lo = 0
	}
	if hi > 100 {
		hi = 100
	}
	if hi < lo {
		hi = lo
	}
	outLo := r.lo + (r.hi-r.lo)*lo/100
	outHi := r.lo + (r.hi-r.lo)*hi/100
	return &Reporter{
		store:   r.store,
		cancels: r.cancels,
		session: r.session,
		lo:      outLo,
		hi:      outHi,
		shared:  r.shared,
	}
}

// Stage records a status transition with a progress percentage local to this
// reporter's band. Percentages never move backwards within a session.
func (r *Reporter) Stage(status models.SessionStatus, message string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	mapped := r.lo + (r.hi-r.lo)*percent/100

	r.shared.mu.Lock()
	if mapped < r.shared.last {
		mapped = r.shared.last
	}
	r.shared.last = mapped
	r.shared.mu.Unlock()

	r.store.Set(r.session, models.SessionState{
		Status:     status,
		Message:    message,
		Percentage: mapped,
	})
}

// Progress is shorthand for an in-flight update.
func (r *Reporter) Progress(message string, percent int) {
	r.Stage(models.StatusProgress, message, percent)
}

// Continue reports whether the session may keep running. Components consult
// it before every network call and after every streamed chunk.
func (r *Reporter) Continue() bool {
	return !r.cancels.IsCancelled(r.session)
}
