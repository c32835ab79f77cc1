package call

import (
	"sync"
	"time"
)

// retryScheduler fires onTick on a fixed interval and onExpire once when
// the negotiation window closes. The initiator uses both halves to re-emit
// its unanswered offer; the responder passes interval 0 and gets only the
// deadline.
type retryScheduler struct {
	interval time.Duration
	timeout  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func newRetryScheduler(interval, timeout time.Duration) *retryScheduler {
	return &retryScheduler{
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

func (s *retryScheduler) Start(onTick, onExpire func()) {
	go func() {
		var tick <-chan time.Time
		if s.interval > 0 {
			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		deadline := time.NewTimer(s.timeout)
		defer deadline.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-tick:
				onTick()
			case <-deadline.C:
				onExpire()
				return
			}
		}
	}()
}

// Stop cancels the scheduler. Idempotent; a tick already in flight may
// still be delivered, the session's transition function ignores it.
func (s *retryScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
