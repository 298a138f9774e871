package arbiter

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/Meander-Cloud/go-policyd/config"
	g "github.com/Meander-Cloud/go-policyd/group"
)

var ErrShutdown = errors.New("arbiter shut down")

// Arbiter serializes service state onto a single scheduler goroutine. Sync
// completion, periodic timers and notification fan-out run here, never on
// socket read goroutines.
type Arbiter struct {
	c        *config.Config
	s        *scheduler.Scheduler[g.Group]
	eventpl  sync.Pool
	eventch  chan *event
	stopch   chan struct{}
	shutdown atomic.Bool
}

func NewArbiter(c *config.Config) *Arbiter {
	eventChannelLength := c.GetEventChannelLength()

	a := &Arbiter{
		c: c,
		s: scheduler.NewScheduler[g.Group](
			&scheduler.Options{
				LogPrefix: fmt.Sprintf("%s-Arbiter", c.LogPrefix),
				LogDebug:  c.LogDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return newEvent()
			},
		},
		eventch: make(chan *event, eventChannelLength),
		stopch:  make(chan struct{}),
	}

	// add eventch
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch,
				func(_ *scheduler.Scheduler[g.Group], _ *scheduler.AsyncVariant[g.Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[g.Group], v *scheduler.AsyncVariant[g.Group]) {
					log.Printf("%s: eventch released, select count: %d", c.LogPrefix, v.SelectCount)
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a
}

func (a *Arbiter) Shutdown() {
	if !a.shutdown.CompareAndSwap(false, true) {
		return
	}
	close(a.stopch)
	a.s.Shutdown() // wait
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[g.Group] {
	return a.s
}

func (a *Arbiter) getEvent() *event {
	evtAny := a.eventpl.Get()
	evt, ok := evtAny.(*event)
	if !ok {
		err := fmt.Errorf("%s: failed to cast event, evtAny=%#v", a.c.LogPrefix, evtAny)
		log.Printf("%s", err.Error())
		panic(err)
	}
	return evt
}

func (a *Arbiter) returnEvent(evt *event) {
	// recycle event
	evt.reset()
	a.eventpl.Put(evt)
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		log.Printf("%s: failed to cast event, recv=%#v", a.c.LogPrefix, recv)
		return
	}
	defer a.returnEvent(evt)

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				log.Printf(
					"%s: functor recovered from panic: %+v",
					a.c.LogPrefix,
					rec,
				)
			}
		}()
		evt.f()
	}()

	t2 := time.Now().UTC()

	if a.c.LogDebug {
		log.Printf(
			"%s: event goQueueWait=%dus, evtFuncElapsed=%dus",
			a.c.LogPrefix,
			t1.Sub(evt.t0).Microseconds(),
			t2.Sub(t1).Microseconds(),
		)
	}
}

// any goroutine
func (a *Arbiter) Dispatch(f func()) error {
	if a.shutdown.Load() {
		return ErrShutdown
	}

	evt := a.getEvent()
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
	default:
		err := fmt.Errorf("%s: failed to push to eventch", a.c.LogPrefix)
		log.Printf("%s", err.Error())

		a.returnEvent(evt)
		return err
	}

	return nil
}

// any goroutine, blocks until f has run on the arbiter goroutine
func (a *Arbiter) DispatchWait(f func()) error {
	done := make(chan struct{})
	err := a.Dispatch(
		func() {
			defer close(done)
			f()
		},
	)
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-a.stopch:
		// event may have been dropped with the scheduler
		select {
		case <-done:
			return nil
		default:
			return ErrShutdown
		}
	}
}

// caller must be on arbiter goroutine
func (a *Arbiter) ScheduleOnce(group g.Group, wait time.Duration, f func()) {
	a.s.ProcessSync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]g.Group{group},
				wait,
				f, // invoked on arbiter goroutine
				nil,
			),
		},
	)

	log.Printf("%s: scheduled<%v>: %s", a.c.LogPrefix, wait, group)
}

// caller must be on arbiter goroutine
func (a *Arbiter) Release(group g.Group) {
	a.s.ProcessSync(
		&scheduler.ReleaseGroupEvent[g.Group]{
			Group: group,
		},
	)

	if a.c.LogDebug {
		log.Printf("%s: released: %s", a.c.LogPrefix, group)
	}
}
