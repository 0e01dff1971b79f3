package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ruteri/tee-signing-vault/interfaces"
	"github.com/ruteri/tee-signing-vault/metrics"
)

// ErrBufferTooShort is returned once every rung of the ladder has been tried.
var ErrBufferTooShort = errors.New("enclave response does not fit the largest response buffer")

// ErrActorStopped is returned by Submit after Stop.
var ErrActorStopped = errors.New("boundary actor stopped")

// StatusError carries a non-retryable boundary status.
type StatusError struct {
	Status interfaces.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("enclave boundary call failed: %s", e.Status)
}

// Ladder maps an attempt index to the response capacity for that attempt.
// It returns false when there are no attempts left.
type Ladder func(attempt int) (capacity int, ok bool)

// DefaultCapacities are the rungs of DefaultLadder.
var DefaultCapacities = []int{1 << 10, 1 << 16, 1 << 20}

// DefaultLadder escalates 1 KiB, 64 KiB, 1 MiB.
var DefaultLadder = FixedLadder(DefaultCapacities...)

// FixedLadder returns a ladder over the given capacities.
func FixedLadder(capacities ...int) Ladder {
	rungs := append([]int(nil), capacities...)
	return func(attempt int) (int, bool) {
		if attempt < 0 || attempt >= len(rungs) {
			return 0, false
		}
		return rungs[attempt], true
	}
}

// CallWithRetry calls the enclave with increasing response buffers until
// the response fits. Statuses other than StatusBufferTooShort are returned
// as *StatusError without retrying.
func CallWithRetry(caller interfaces.BoundaryCaller, req []byte, ladder Ladder) ([]byte, error) {
	if ladder == nil {
		ladder = DefaultLadder
	}

	for attempt := 0; ; attempt++ {
		capacity, ok := ladder(attempt)
		if !ok {
			return nil, ErrBufferTooShort
		}
		metrics.BoundaryAttempts.WithLabelValues(strconv.Itoa(capacity)).Inc()

		out := make([]byte, capacity)
		n, status := caller.VaultOperation(req, out)
		switch status {
		case interfaces.StatusSuccess:
			return out[:n], nil
		case interfaces.StatusBufferTooShort:
			continue
		default:
			return nil, &StatusError{Status: status}
		}
	}
}

type call struct {
	req    []byte
	result chan callResult
}

type callResult struct {
	resp []byte
	err  error
}

// Actor owns a BoundaryCaller and runs every call on one goroutine.
type Actor struct {
	caller interfaces.BoundaryCaller
	ladder Ladder
	log    *slog.Logger

	calls    chan call
	done     chan struct{}
	stopOnce sync.Once
}

// NewActor starts the goroutine owning caller. Stop must be called to
// release it.
func NewActor(caller interfaces.BoundaryCaller, ladder Ladder, log *slog.Logger) *Actor {
	if log == nil {
		log = slog.Default()
	}
	a := &Actor{
		caller: caller,
		ladder: ladder,
		log:    log.With("component", "bridge"),
		calls:  make(chan call),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	for {
		select {
		case <-a.done:
			return
		case c := <-a.calls:
			resp, err := CallWithRetry(a.caller, c.req, a.ladder)
			if err != nil {
				a.log.Debug("boundary call failed", "err", err)
			}
			// buffered, the submitter may have gone away
			c.result <- callResult{resp: resp, err: err}
		}
	}
}

// Submit queues req and waits for the enclave's response. Cancelling ctx
// abandons the wait; a call already handed to the enclave still completes.
func (a *Actor) Submit(ctx context.Context, req []byte) ([]byte, error) {
	select {
	case <-a.done:
		return nil, ErrActorStopped
	default:
	}

	c := call{req: req, result: make(chan callResult, 1)}
	select {
	case a.calls <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrActorStopped
	}

	select {
	case r := <-c.result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop ends the actor goroutine once the current call, if any, returns.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
}
