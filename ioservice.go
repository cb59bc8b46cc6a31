package hrpc

import (
	"sync"
	"time"
)

// ioService is a minimal single-goroutine reactor: a task queue plus
// timer-driven scheduling (C1, §5). It is intentionally thin -- spec.md
// calls C1 out as a leaf component, and no example repo in the pack ships
// a reusable third-party reactor to wire here instead (see DESIGN.md).
type ioService struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

func newIOService() *ioService {
	s := &ioService{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *ioService) run() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.done:
			return
		}
	}
}

// after schedules fn to run on the loop's goroutine after d. d <= 0 still
// posts through the task queue rather than calling fn inline, avoiding
// unbounded stack recursion across chained retries (Design Notes §9).
func (s *ioService) after(d time.Duration, fn func()) {
	if d <= 0 {
		select {
		case s.tasks <- fn:
		case <-s.done:
		}
		return
	}
	time.AfterFunc(d, func() {
		select {
		case s.tasks <- fn:
		case <-s.done:
		}
	})
}

func (s *ioService) stop() {
	s.once.Do(func() { close(s.done) })
}
