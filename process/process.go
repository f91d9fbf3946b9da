// Package process implements the module-process thread: a
// single background scheduler shared by the call core's components,
// on which long-lived modules register periodic Process() callbacks.
// Modeled as an owned scheduler passed by reference to each component
// rather than a process-wide singleton.
package process

import (
	"time"

	"github.com/frostbyte73/core"

	"github.com/webrtcmux/callcore/unbounded"
)

// Module is anything the thread drives periodically, such as the
// orchestrator's call-stats module.
type Module interface {
	Process()
}

// Thread runs registered modules' Process() methods on a fixed tick,
// and drains posted closures between ticks so cross-thread work (e.g.
// registering a module from the configuration thread) never blocks on
// the scheduler loop. modules is touched only from the scheduler
// goroutine itself, via posted closures, so it needs no lock of its
// own.
type Thread struct {
	tick time.Duration

	modules map[Module]struct{}

	tasks *unbounded.Channel[func()]
	stop  core.Fuse
	done  chan struct{}
}

// New creates a thread ticking at the given interval. It does not
// start running until Start is called.
func New(tick time.Duration) *Thread {
	return &Thread{
		tick:    tick,
		modules: make(map[Module]struct{}),
		tasks:   unbounded.New[func()](),
		stop:    core.NewFuse(),
		done:    make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (t *Thread) Start() {
	go t.run()
}

// Stop signals the scheduler to exit and blocks until it has, so that
// callers can rely on no further Process() calls happening once Stop
// returns.
func (t *Thread) Stop() {
	t.stop.Break()
	<-t.done
}

// RegisterModule schedules m to be added to the set driven on every
// tick. The addition itself runs on the scheduler goroutine, via Post,
// so a caller on another goroutine (typically the configuration
// thread) never blocks waiting for the next tick.
func (t *Thread) RegisterModule(m Module) {
	t.Post(func() {
		t.modules[m] = struct{}{}
	})
}

// DeregisterModule schedules m's removal the same way RegisterModule
// schedules its addition; safe to call even if m was never registered.
func (t *Thread) DeregisterModule(m Module) {
	t.Post(func() {
		delete(t.modules, m)
	})
}

// Post queues fn to run on the scheduler goroutine at the next
// opportunity, ahead of the next tick.
func (t *Thread) Post(fn func()) {
	t.tasks.Put(fn)
}

func (t *Thread) run() {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	defer close(t.done)

	for {
		select {
		case <-t.stop.Watch():
			return
		case <-t.tasks.Ch:
			for _, fn := range t.tasks.Get() {
				fn()
			}
		case <-ticker.C:
			for m := range t.modules {
				m.Process()
			}
		}
	}
}
