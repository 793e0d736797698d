// Package txn coordinates transactions whose steps are decided by the remote
// side of a channel.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

// DefaultTimeout bounds one rendezvous with the remote side.
const DefaultTimeout = 5000 * time.Millisecond

var (
	// ErrTransactionBusy is returned when an attempt is already awaiting
	// steps for the same id.
	ErrTransactionBusy = status.Error(codes.Aborted, "transaction attempt already in progress")
	// ErrDeadlineExceeded is returned when no steps arrive in time.
	ErrDeadlineExceeded = status.Error(codes.DeadlineExceeded, "timed out waiting for transaction steps")
	// ErrUnknownTransaction matches errors about ids with no live slot.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// UnknownError names the missing transaction id.
type UnknownError struct{ ID int64 }

func (e *UnknownError) Error() string {
	return fmt.Sprintf("No transaction handler exists for ID: %d", e.ID)
}

func (e *UnknownError) Is(target error) bool { return target == ErrUnknownTransaction }

// State is the lifecycle position of a slot.
type State int

const (
	Created State = iota
	AwaitingSteps
	ApplyingSteps
	Completed
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case AwaitingSteps:
		return "awaiting_steps"
	case ApplyingSteps:
		return "applying_steps"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Outcome is the remote decision for one attempt.
type Outcome struct {
	// Abort is set when the remote side asked to abandon the transaction.
	Abort bool
	Steps []map[string]any
}

// ParseOutcome reads a Transaction#attempt reply: {type: "ERROR"} or
// {commands: [step...]}.
func ParseOutcome(v any) (Outcome, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Outcome{}, fmt.Errorf("transaction attempt reply of type %T", v)
	}
	if t, _ := m["type"].(string); t == "ERROR" {
		return Outcome{Abort: true}, nil
	}
	raw, _ := m["commands"].([]any)
	steps := make([]map[string]any, 0, len(raw))
	for i, r := range raw {
		s, ok := r.(map[string]any)
		if !ok {
			return Outcome{}, fmt.Errorf("transaction step %d of type %T", i, r)
		}
		steps = append(steps, s)
	}
	return Outcome{Steps: steps}, nil
}

type slot[T any] struct {
	use     sync.Mutex
	tx      T
	hasTx   bool
	waiting bool
	removed bool
	state   State
}

// Coordinator holds one slot per transaction id.
type Coordinator[T any] struct {
	mu    sync.Mutex
	slots map[int64]*slot[T]
	log   zerolog.Logger
}

func New[T any]() *Coordinator[T] {
	return &Coordinator[T]{slots: map[int64]*slot[T]{}, log: logx.Component("txn")}
}

// Create reserves the slot for id.
func (c *Coordinator[T]) Create(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[id] == nil {
		c.slots[id] = &slot[T]{state: Created}
	}
}

// Attempt publishes tx under id and waits for ask to return the remote
// decision. On timeout the slot is removed and ErrDeadlineExceeded returned.
func (c *Coordinator[T]) Attempt(ctx context.Context, id int64, tx T, timeout time.Duration, ask func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	c.mu.Lock()
	s := c.slots[id]
	if s == nil {
		s = &slot[T]{}
		c.slots[id] = s
	}
	if s.waiting {
		c.mu.Unlock()
		return Outcome{}, ErrTransactionBusy
	}
	s.waiting = true
	s.state = AwaitingSteps
	c.mu.Unlock()

	s.use.Lock()
	s.tx, s.hasTx = tx, true
	s.use.Unlock()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		out Outcome
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		out, err := ask(actx)
		ch <- answer{out, err}
	}()

	var a answer
	select {
	case a = <-ch:
	case <-actx.Done():
		if ctx.Err() != nil {
			c.finish(s, Failed)
			return Outcome{}, ctx.Err()
		}
		c.log.Warn().Int64("transaction", id).Dur("timeout", timeout).Msg("transaction attempt timed out")
		c.finish(s, TimedOut)
		c.Dispose(id)
		return Outcome{}, ErrDeadlineExceeded
	}
	if a.err != nil {
		c.finish(s, Failed)
		if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			c.Dispose(id)
			return Outcome{}, ErrDeadlineExceeded
		}
		return Outcome{}, attemptError(a.err)
	}
	state := ApplyingSteps
	if a.out.Abort {
		state = Failed
	}
	c.finish(s, state)
	return a.out, nil
}

func attemptError(err error) error {
	var re *codec.RemoteError
	switch {
	case errors.As(err, &re):
		return status.Error(codes.Aborted, "Transaction#attempt error: "+re.Message)
	case errors.Is(err, codec.ErrNotImplemented):
		return status.Error(codes.Aborted, "Transaction#attempt: Not implemented")
	}
	return err
}

// finish ends an attempt. It waits for reads holding the use lock and
// withdraws tx, so no read overlaps the steps applied afterwards.
func (c *Coordinator[T]) finish(s *slot[T], state State) {
	s.use.Lock()
	var zero T
	s.tx, s.hasTx = zero, false
	s.use.Unlock()
	c.mu.Lock()
	s.waiting = false
	s.state = state
	c.mu.Unlock()
}

// Complete marks the slot as committed.
func (c *Coordinator[T]) Complete(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.slots[id]; s != nil {
		s.state = Completed
	}
}

// Lookup returns the live transaction for id and holds its use lock until
// the returned release is called.
func (c *Coordinator[T]) Lookup(id int64) (T, func(), error) {
	var zero T
	c.mu.Lock()
	s := c.slots[id]
	c.mu.Unlock()
	if s == nil {
		return zero, nil, &UnknownError{ID: id}
	}
	s.use.Lock()
	if s.removed || !s.hasTx {
		s.use.Unlock()
		return zero, nil, &UnknownError{ID: id}
	}
	var once sync.Once
	return s.tx, func() { once.Do(s.use.Unlock) }, nil
}

// State reports the slot state for id.
func (c *Coordinator[T]) State(id int64) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slots[id]
	if s == nil {
		return 0, false
	}
	return s.state, true
}

// Dispose removes the slot for id. It is safe to call more than once.
func (c *Coordinator[T]) Dispose(id int64) {
	c.mu.Lock()
	s := c.slots[id]
	delete(c.slots, id)
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.use.Lock()
	s.removed = true
	var zero T
	s.tx, s.hasTx = zero, false
	s.use.Unlock()
}

func (c *Coordinator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Close disposes every slot.
func (c *Coordinator[T]) Close() {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.slots))
	for id := range c.slots {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Dispose(id)
	}
}
