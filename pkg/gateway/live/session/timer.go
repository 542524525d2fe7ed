package session

import "time"

// sessionTimer is a restartable one-shot timer read from the session loop.
// C returns nil while the timer is stopped, so a select on it never fires.
type sessionTimer struct {
	t      *time.Timer
	active bool
}

func (st *sessionTimer) C() <-chan time.Time {
	if st == nil || !st.active || st.t == nil {
		return nil
	}
	return st.t.C
}

func (st *sessionTimer) Reset(d time.Duration) {
	if d <= 0 {
		return
	}
	if st.t == nil {
		st.t = time.NewTimer(d)
		st.active = true
		return
	}
	st.drain()
	st.t.Reset(d)
	st.active = true
}

func (st *sessionTimer) Stop() {
	if st.t == nil {
		return
	}
	st.drain()
	st.active = false
}

// Fired must be called after a receive from C.
func (st *sessionTimer) Fired() { st.active = false }

func (st *sessionTimer) Active() bool { return st.active }

func (st *sessionTimer) drain() {
	if !st.t.Stop() {
		select {
		case <-st.t.C:
		default:
		}
	}
}
