package ai

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCompleter struct {
	mu      sync.Mutex
	errs    []error
	reply   string
	calls   int
	prompts []string
}

func (s *scriptedCompleter) Complete(_ context.Context, _, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.prompts = append(s.prompts, prompt)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return s.reply, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestClientRetriesTransientErrors(t *testing.T) {
	sc := &scriptedCompleter{errs: []error{errors.New("status 529 overloaded"), errors.New("503 service unavailable")}, reply: "ok"}
	c := NewClient(sc, fastRetry(), nil)

	out, err := c.Complete(context.Background(), "test", "", "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, sc.calls)
}

func TestClientStopsOnPermanentError(t *testing.T) {
	sc := &scriptedCompleter{errs: []error{errors.New("401 unauthorized")}}
	c := NewClient(sc, fastRetry(), nil)

	_, err := c.Complete(context.Background(), "test", "", "p")
	require.Error(t, err)
	assert.Equal(t, 1, sc.calls)
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	boom := errors.New("connection reset by peer")
	sc := &scriptedCompleter{errs: []error{boom, boom, boom, boom, boom}}
	c := NewClient(sc, fastRetry(), nil)

	_, err := c.Complete(context.Background(), "test", "", "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 4, sc.calls)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2, 1, 20*time.Millisecond, nil)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestClientFailsFastWhenOpen(t *testing.T) {
	boom := errors.New("502 bad gateway")
	cfg := fastRetry()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.OpenTimeout = time.Hour
	sc := &scriptedCompleter{errs: []error{boom}}
	c := NewClient(sc, cfg, nil)

	_, err := c.Complete(context.Background(), "test", "", "p")
	require.Error(t, err)
	_, err = c.Complete(context.Background(), "test", "", "p")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, sc.calls)
}

type blockingCompleter struct {
	active, peak int32
	release      chan struct{}
}

func (b *blockingCompleter) Complete(context.Context, string, string) (string, error) {
	n := atomic.AddInt32(&b.active, 1)
	for {
		p := atomic.LoadInt32(&b.peak)
		if n <= p || atomic.CompareAndSwapInt32(&b.peak, p, n) {
			break
		}
	}
	<-b.release
	atomic.AddInt32(&b.active, -1)
	return "ok", nil
}

func TestClientLimitsConcurrency(t *testing.T) {
	bc := &blockingCompleter{release: make(chan struct{})}
	cfg := fastRetry()
	cfg.MaxConcurrentCalls = 2
	c := NewClient(bc, cfg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Complete(context.Background(), "test", "", "p")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(bc.release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&bc.peak), int32(2))
}

func TestIsRetriableError(t *testing.T) {
	assert.True(t, isRetriableError(context.DeadlineExceeded))
	assert.True(t, isRetriableError(errors.New("429 Too Many Requests: rate limit")))
	assert.False(t, isRetriableError(errors.New("400 bad request")))
	assert.False(t, isRetriableError(errors.New("something odd")))
	assert.False(t, isRetriableError(nil))
}
