// Package cooldown suspends a caller for a bounded time between remote calls
// and lets an out-of-band resume signal, correlated by request id, end the
// wait early.
//
// The registry is process-local. Behind a load balancer a resume may reach an
// instance that does not hold the wait; RedisBus forwards resumes between
// instances to cover that case.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome describes how a wait ended.
type Outcome string

const (
	OutcomeResumed  Outcome = "resumed"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeCanceled Outcome = "canceled"
)

// ErrDuplicateRequest is returned when a request id already has a pending wait.
var ErrDuplicateRequest = errors.New("cooldown: request id already waiting")

// Coordinator is the registry of pending waits. The zero value is not usable;
// construct with New.
type Coordinator struct {
	logger *slog.Logger

	mu    sync.Mutex
	waits map[string]*Wait
}

func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger: logger,
		waits:  make(map[string]*Wait),
	}
}

// Wait is a single-shot wake handle registered under a request id.
type Wait struct {
	RequestID string
	CreatedAt time.Time

	c    *Coordinator
	wake chan struct{}
}

// Begin registers a wait under requestID. An empty requestID gets a generated
// UUID. The wait is pending until Await returns or Resume claims it.
func (c *Coordinator) Begin(requestID string) (*Wait, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w := &Wait{
		RequestID: requestID,
		CreatedAt: time.Now(),
		c:         c,
		wake:      make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.waits[requestID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	c.waits[requestID] = w
	return w, nil
}

// Wait registers requestID and blocks until it is resumed, max elapses or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, requestID string, max time.Duration) (Outcome, error) {
	w, err := c.Begin(requestID)
	if err != nil {
		return "", err
	}
	return w.Await(ctx, max), nil
}

// Resume wakes the pending wait for requestID. It reports false when no wait
// is pending, including when the wait already timed out or was resumed.
func (c *Coordinator) Resume(requestID string) bool {
	w, ok := c.take(strings.TrimSpace(requestID), nil)
	if !ok {
		c.logger.Debug("resume for unknown request", "request_id", requestID)
		return false
	}
	close(w.wake)
	c.logger.Info("cooldown resumed", "request_id", w.RequestID, "waited", time.Since(w.CreatedAt).Round(time.Millisecond))
	return true
}

// Pending returns the number of registered waits.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}

// take is the atomic check-and-remove shared by resume and timeout. When want
// is non-nil only that exact handle is removed.
func (c *Coordinator) take(requestID string, want *Wait) (*Wait, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waits[requestID]
	if !ok || (want != nil && w != want) {
		return nil, false
	}
	delete(c.waits, requestID)
	return w, true
}

// Await blocks until the wait is resumed, max elapses or ctx ends. A
// non-positive max does not block. Await must be called at most once.
func (w *Wait) Await(ctx context.Context, max time.Duration) Outcome {
	var timeout <-chan time.Time
	if max > 0 {
		t := time.NewTimer(max)
		defer t.Stop()
		timeout = t.C
	} else {
		ch := make(chan time.Time)
		close(ch)
		timeout = ch
	}

	var outcome Outcome
	select {
	case <-w.wake:
		return OutcomeResumed
	case <-timeout:
		outcome = OutcomeTimedOut
	case <-ctx.Done():
		outcome = OutcomeCanceled
	}

	if _, ok := w.c.take(w.RequestID, w); !ok {
		// Resume claimed the handle first; it is the winner.
		return OutcomeResumed
	}
	return outcome
}
