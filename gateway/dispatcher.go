package gateway

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// dispatcher hands events to the consumer from a single goroutine. Until
// markReady is called, events outside backlogBypass are held back in arrival
// order.
type dispatcher struct {
	deliver func(Event)

	mu      sync.Mutex
	ready   bool
	backlog []Event
	queue   []Event

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

func newDispatcher(deliver func(Event)) *dispatcher {
	d := &dispatcher{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	go d.run()
	return d
}

func (d *dispatcher) push(event Event) {
	d.mu.Lock()
	if !d.ready && !backlogBypass[event.Type] {
		d.backlog = append(d.backlog, event)
		d.mu.Unlock()
		return
	}

	d.queue = append(d.queue, event)
	d.mu.Unlock()

	d.signal()
}

func (d *dispatcher) markReady() {
	d.mu.Lock()
	if d.ready {
		d.mu.Unlock()
		return
	}

	d.ready = true
	d.queue = append(d.queue, d.backlog...)
	d.backlog = nil
	d.mu.Unlock()

	d.signal()
}

func (d *dispatcher) backlogged() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backlog)
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() {
		close(d.stop)
	})
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}

			event := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			d.dispatch(event)

			select {
			case <-d.stop:
				return
			default:
			}
		}
	}
}

func (d *dispatcher) dispatch(event Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Warnf("shard %d: recovered panic while handling %s: %v", event.ShardId, event.Name, r)
		}
	}()

	d.deliver(event)
}
