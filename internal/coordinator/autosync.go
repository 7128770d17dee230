package coordinator

import (
	"sync"
	"time"

	"github.com/morphicai/driftsync/internal/localdb"
)

// autoSync wraps the local change observation handle and the debounce
// timer. Rapid bursts of triggers coalesce into one firing after the quiet
// period.
type autoSync struct {
	debounce time.Duration
	fire     func()

	mu     sync.Mutex
	cancel func()
	timer  *time.Timer
	closed bool
}

func newAutoSync(debounce time.Duration, fire func()) *autoSync {
	return &autoSync{debounce: debounce, fire: fire}
}

// subscribe opens the change observation on tables.
func (a *autoSync) subscribe(db localdb.Database, tables []string, onChange func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	a.closed = false
	a.cancel = db.Observe(tables, onChange)
}

// active reports whether the observation is open.
func (a *autoSync) active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// trigger schedules a firing after the quiet period, restarting the timer
// when one is already pending.
func (a *autoSync) trigger() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Reset(a.debounce)
		return
	}
	a.timer = time.AfterFunc(a.debounce, func() {
		a.mu.Lock()
		a.timer = nil
		closed := a.closed
		a.mu.Unlock()
		if !closed {
			a.fire()
		}
	})
}

// close cancels the observation and any pending firing.
func (a *autoSync) close() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
