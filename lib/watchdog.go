package lib

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// WatchdogTimer drives every armed Watchdog of a core from one ticking
// goroutine. Callbacks run on that goroutine, never under the timer's lock.
type WatchdogTimer struct {
	period time.Duration

	mu    sync.Mutex
	armed map[*Watchdog]*armedWatchdog

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type armedWatchdog struct {
	remaining int    // ticks until the next firing
	budget    int    // firings left; -1 is unlimited
	gen       uint64 // arming the entry belongs to
}

// NewWatchdogTimer starts a timer ticking every period.
func NewWatchdogTimer(period time.Duration) *WatchdogTimer {
	wt := newWatchdogTimer(period)
	wt.wg.Add(1)
	go wt.run()
	return wt
}

// newWatchdogTimer builds a timer without starting its goroutine; tests drive
// it with tick.
func newWatchdogTimer(period time.Duration) *WatchdogTimer {
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	return &WatchdogTimer{
		period:      period,
		armed:       make(map[*Watchdog]*armedWatchdog),
		closeSignal: make(chan struct{}),
	}
}

func (wt *WatchdogTimer) run() {
	defer wt.wg.Done()
	ticker := time.NewTicker(wt.period)
	defer ticker.Stop()
	for {
		select {
		case <-wt.closeSignal:
			return
		case <-ticker.C:
			wt.tick()
		}
	}
}

type dueWatchdog struct {
	wd  *Watchdog
	gen uint64
}

func (wt *WatchdogTimer) tick() {
	var due []dueWatchdog

	wt.mu.Lock()
	for wd, a := range wt.armed {
		a.remaining--
		if a.remaining > 0 {
			continue
		}
		due = append(due, dueWatchdog{wd, a.gen})
		a.remaining = wd.ticks(wt.period)
		if a.budget > 0 {
			a.budget--
			if a.budget == 0 {
				delete(wt.armed, wd)
			}
		}
	}
	wt.mu.Unlock()

	for _, d := range due {
		d.wd.fire(d.gen)
	}
}

func (wt *WatchdogTimer) arm(wd *Watchdog, gen uint64, repeat int) {
	wt.mu.Lock()
	wt.armed[wd] = &armedWatchdog{
		remaining: wd.ticks(wt.period),
		budget:    repeat,
		gen:       gen,
	}
	wt.mu.Unlock()
}

func (wt *WatchdogTimer) disarm(wd *Watchdog) {
	wt.mu.Lock()
	delete(wt.armed, wd)
	wt.mu.Unlock()
}

func (wt *WatchdogTimer) isArmed(wd *Watchdog) bool {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	_, ok := wt.armed[wd]
	return ok
}

// Len returns the number of armed watchdogs.
func (wt *WatchdogTimer) Len() int {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return len(wt.armed)
}

// Close stops the ticking goroutine. Armed watchdogs never fire afterwards.
func (wt *WatchdogTimer) Close() {
	wt.closeOnce.Do(func() {
		close(wt.closeSignal)
		wt.wg.Wait()
		log.Debug("watchdog timer stopped")
	})
}

// Watchdog is a cancellable, optionally repeating timeout.
//
// Without a guard, a Reset that races with a firing already under way may
// not stop that firing. A guarded watchdog checks its arming and runs the
// callback with the guard held, so a Start or Reset made under the same
// guard always takes effect before the next callback.
type Watchdog struct {
	timeout  time.Duration
	callback func()
	guard    sync.Locker

	gen   atomic.Uint64
	mu    sync.Mutex
	timer *WatchdogTimer // set while started
}

// NewWatchdog creates an idle watchdog that calls callback when it expires.
func NewWatchdog(timeout time.Duration, callback func()) *Watchdog {
	return &Watchdog{timeout: timeout, callback: callback}
}

// NewGuardedWatchdog is NewWatchdog whose callback runs with guard held.
// The callback must not lock guard itself.
func NewGuardedWatchdog(timeout time.Duration, guard sync.Locker, callback func()) *Watchdog {
	return &Watchdog{timeout: timeout, callback: callback, guard: guard}
}

// fire runs the callback if gen is still the current arming. A Reset or
// re-Start after collection bumps the generation.
func (wd *Watchdog) fire(gen uint64) {
	if wd.guard != nil {
		wd.guard.Lock()
		defer wd.guard.Unlock()
	}
	if wd.gen.Load() != gen {
		return
	}
	wd.callback()
}

func (wd *Watchdog) ticks(period time.Duration) int {
	n := int((wd.timeout + period - 1) / period)
	if n < 1 {
		n = 1
	}
	return n
}

// Start arms the watchdog on timer, replacing any previous arming. repeat is
// the number of firings, -1 for unlimited; 0 leaves the watchdog idle.
func (wd *Watchdog) Start(timer *WatchdogTimer, repeat int) {
	gen := wd.gen.Add(1)
	wd.mu.Lock()
	prev := wd.timer
	wd.timer = timer
	wd.mu.Unlock()

	if prev != nil && prev != timer {
		prev.disarm(wd)
	}
	if repeat == 0 {
		timer.disarm(wd)
		return
	}
	timer.arm(wd, gen, repeat)
}

// Reset cancels the watchdog. A pending firing that has not yet run is
// suppressed. Resetting an idle watchdog is a no-op.
func (wd *Watchdog) Reset() {
	wd.gen.Add(1)
	wd.mu.Lock()
	timer := wd.timer
	wd.timer = nil
	wd.mu.Unlock()
	if timer != nil {
		timer.disarm(wd)
	}
}

// Expire removes the watchdog from timer without firing it.
func (wd *Watchdog) Expire(timer *WatchdogTimer) {
	wd.gen.Add(1)
	wd.mu.Lock()
	if wd.timer == timer {
		wd.timer = nil
	}
	wd.mu.Unlock()
	timer.disarm(wd)
}

// Armed reports whether the watchdog is still scheduled to fire.
func (wd *Watchdog) Armed() bool {
	wd.mu.Lock()
	timer := wd.timer
	wd.mu.Unlock()
	return timer != nil && timer.isArmed(wd)
}
