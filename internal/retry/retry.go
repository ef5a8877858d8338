// Package retry provides a bounded fixed-delay retry policy for bootstrap
// operations such as opening storage before the scheduler starts.
package retry

import "time"

// Policy retries an operation a bounded number of times with a fixed delay.
// Sleep is injectable so callers can test with a fake clock.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Sleep       func(time.Duration)
}

// Do runs fn until it succeeds or MaxAttempts is reached, returning the last
// error. A zero-value policy runs fn exactly once.
func (p Policy) Do(fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Delay > 0 {
			sleep(p.Delay)
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
