// Package runner provides the serial task dispatcher the service core runs
// on. All orchestration (connection bookkeeping, session transitions, buffer
// copying) executes as callbacks on one logical sequence, so the core's data
// structures need no locks.
package runner

// TaskRunner dispatches callbacks one at a time, in post order.
type TaskRunner interface {
	Post(task func())
}

// PostAndWait posts a task and blocks the caller until it has run. Endpoints
// use it to turn the core's single-threaded operations into synchronous
// calls. Must not be called from a task already running on the same runner.
func PostAndWait(r TaskRunner, task func()) {
	done := make(chan struct{})
	r.Post(func() {
		defer close(done)
		task()
	})
	<-done
}

// Serial runs tasks on a single dedicated goroutine.
type Serial struct {
	tasks chan func()
	quit  chan struct{}
}

// NewSerial starts a serial runner.
func NewSerial() *Serial {
	s := &Serial{
		tasks: make(chan func(), 128),
		quit:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Serial) loop() {
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.quit:
			// Drain what was posted before Stop.
			for {
				select {
				case task := <-s.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues a task. It blocks only while the queue is full; a Post
// racing with Stop returns instead of blocking on a runner that will never
// drain again, dropping the task.
func (s *Serial) Post(task func()) {
	select {
	case s.tasks <- task:
	case <-s.quit:
	}
}

// Stop drains pending tasks and stops the runner goroutine.
func (s *Serial) Stop() {
	close(s.quit)
}

// Immediate runs tasks inline on the caller's goroutine. Intended for tests,
// where a single test goroutine already provides the serial context.
type Immediate struct{}

// Post runs the task synchronously.
func (Immediate) Post(task func()) { task() }
