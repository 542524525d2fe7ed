// Package lifecycle holds process state shared by handlers during shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle tracks whether the bridge is draining. Once draining, no new
// calls are placed or bridged while calls in progress run to completion.
// A nil *Lifecycle is never draining.
type Lifecycle struct {
	draining     atomic.Bool
	drainStarted atomic.Int64
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining {
		l.drainStarted.CompareAndSwap(0, time.Now().UnixNano())
	} else {
		l.drainStarted.Store(0)
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince reports when draining began.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil || !l.draining.Load() {
		return time.Time{}, false
	}
	ns := l.drainStarted.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
