package subscription

import (
	"sync"

	"github.com/coachpo/eventwait/errs"
)

// Completion is a single-fire signal settled either by a trigger or by a failure.
// Settling twice is a no-op.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Done is closed once the completion settles.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Err is nil for a trigger and the failure otherwise. It is only meaningful after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Completion) settle(err error) bool {
	settled := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		settled = true
	})
	return settled
}

// DisconnectError carries a pool's disconnect reason verbatim.
type DisconnectError struct {
	Reason string
}

func (e *DisconnectError) Error() string { return e.Reason }

// Is lets callers match disconnects against the errs.CodeDisconnected sentinel.
func (e *DisconnectError) Is(target error) bool {
	return errs.CodeOf(target) == errs.CodeDisconnected
}
