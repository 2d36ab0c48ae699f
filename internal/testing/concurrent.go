// Package testing provides concurrency-safe test helpers: t.Fatal and
// t.FailNow call runtime.Goexit, which only terminates the calling
// goroutine rather than the test, so tests that assert from inside
// goroutines need an error-channel pattern instead.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// GoroutineTest collects errors returned from goroutines spawned with Go or
// GoWithContext and fails the test once, from the test goroutine, in Wait.
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest bound to a context with no
// deadline, cancelled only by Wait or Cancel.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	ctx, cancel := context.WithCancel(context.Background())
	return &GoroutineTest{t: t, errors: make(chan error, 100), ctx: ctx, cancel: cancel}
}

// NewGoroutineTestWithTimeout creates a GoroutineTest whose Context is
// cancelled after timeout, for goroutines that should respect it.
func NewGoroutineTestWithTimeout(t *testing.T, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &GoroutineTest{t: t, errors: make(chan error, 100), ctx: ctx, cancel: cancel}
}

// Go runs fn in a goroutine; a returned error is reported by Wait.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			select {
			case gt.errors <- err:
			default:
				gt.t.Logf("error channel full, dropping error: %v", err)
			}
		}
	}()
}

// GoWithContext runs fn in a goroutine, passing it this GoroutineTest's
// context so it can observe cancellation from a timeout or Cancel.
func (gt *GoroutineTest) GoWithContext(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			select {
			case gt.errors <- err:
			case <-gt.ctx.Done():
			}
		}
	}()
}

// Wait blocks until every spawned goroutine has returned, then fails the
// test (from the test goroutine, safely) if any reported an error. Call
// with defer immediately after construction.
func (gt *GoroutineTest) Wait() {
	gt.wg.Wait()
	gt.cancel()
	close(gt.errors)

	var errs []error
	for err := range gt.errors {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		gt.t.Errorf("goroutine test failed with %d error(s):", len(errs))
		for i, err := range errs {
			gt.t.Errorf("  [%d] %v", i+1, err)
		}
		gt.t.FailNow()
	}
}

// Context returns the test's context, cancelled by Wait or Cancel.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// Cancel signals spawned goroutines to stop before Wait is called.
func (gt *GoroutineTest) Cancel() {
	gt.cancel()
}

// AssertionCollector gathers mismatches reported concurrently from several
// goroutines (each guarded by a mutex) so they surface as ordinary t.Error
// calls from the test goroutine at the end of the test.
type AssertionCollector struct {
	mu       sync.Mutex
	failures []string
}

// NewAssertionCollector creates an empty collector.
func NewAssertionCollector() *AssertionCollector {
	return &AssertionCollector{}
}

// Equal records a failure if expected != actual.
func (ac *AssertionCollector) Equal(id interface{}, expected, actual interface{}, msg string) {
	if expected != actual {
		ac.mu.Lock()
		ac.failures = append(ac.failures, fmt.Sprintf("[%v] %s: expected %v, got %v", id, msg, expected, actual))
		ac.mu.Unlock()
	}
}

// NoError records a failure if err is non-nil.
func (ac *AssertionCollector) NoError(id interface{}, err error, msg string) {
	if err != nil {
		ac.mu.Lock()
		ac.failures = append(ac.failures, fmt.Sprintf("[%v] %s: unexpected error: %v", id, msg, err))
		ac.mu.Unlock()
	}
}

// Assert reports every collected failure via t.Error.
func (ac *AssertionCollector) Assert(t *testing.T) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	for _, f := range ac.failures {
		t.Error(f)
	}
}
