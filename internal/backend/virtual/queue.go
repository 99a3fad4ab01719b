package virtual

import (
	"sync"
	"sync/atomic"
	"time"
)

// command is a unit of device work. A command without fn is a fence: done is
// closed once every earlier command has run.
type command struct {
	fn   func()
	done chan struct{}
}

// queue runs commands for one device in submission order on its own
// goroutine.
type queue struct {
	cmds    chan command
	latency time.Duration
	pending atomic.Int64
	done    chan struct{}

	closeOnce sync.Once
}

func newQueue(latency time.Duration) *queue {
	q := &queue{
		cmds:    make(chan command, 256),
		latency: latency,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) run() {
	defer close(q.done)
	for cmd := range q.cmds {
		if cmd.fn != nil {
			if q.latency > 0 {
				time.Sleep(q.latency)
			}
			cmd.fn()
		}
		q.pending.Add(-1)
		if cmd.done != nil {
			close(cmd.done)
		}
	}
}

// submit enqueues cmd and returns immediately.
func (q *queue) submit(fn func()) {
	q.pending.Add(1)
	q.cmds <- command{fn: fn}
}

// wait blocks until every command submitted before the call has run.
func (q *queue) wait() {
	fence := make(chan struct{})
	q.pending.Add(1)
	q.cmds <- command{done: fence}
	<-fence
}

func (q *queue) close() {
	q.closeOnce.Do(func() {
		close(q.cmds)
		<-q.done
	})
}
