package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/companyzero/recass/internal/metrics"
)

// RecoveryPolicy handles accelerator memory exhaustion. The first call that
// fails with ErrResourceExhausted moves every registered engine to the CPU
// for the rest of the process lifetime and is retried once. The policy
// outlives individual consumers.
type RecoveryPolicy struct {
	log     slog.Logger
	stats   *metrics.Stats
	targets []Accelerated

	mtx      sync.Mutex
	fallback bool
}

// NewRecoveryPolicy creates a policy. Engines in targets that implement
// Accelerated are moved to the CPU on fallback; others are ignored.
func NewRecoveryPolicy(log slog.Logger, stats *metrics.Stats, targets ...interface{}) *RecoveryPolicy {
	if log == nil {
		log = slog.Disabled
	}
	p := &RecoveryPolicy{log: log, stats: stats}
	for _, t := range targets {
		if acc, ok := t.(Accelerated); ok {
			p.targets = append(p.targets, acc)
		}
	}
	return p
}

// Fallback returns true once engines have been moved to the CPU.
func (p *RecoveryPolicy) Fallback() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.fallback
}

// enterFallback moves all targets to the CPU. It returns true only for the
// call that performed the transition.
func (p *RecoveryPolicy) enterFallback(ctx context.Context) (bool, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.fallback {
		return false, nil
	}

	p.log.Warnf("Accelerator out of memory, moving engines to CPU")
	for _, t := range p.targets {
		if err := t.UseCPU(ctx); err != nil {
			return false, fmt.Errorf("unable to move engine to CPU: %w", err)
		}
	}
	p.fallback = true
	p.stats.Fallback()
	return true, nil
}

// call runs fn, applying the fallback policy. fn must be safe to call twice.
func (p *RecoveryPolicy) call(ctx context.Context, op string, fn func() error) error {
	err := p.invoke(op, fn)
	if !errors.Is(err, ErrResourceExhausted) {
		return err
	}

	switched, fbErr := p.enterFallback(ctx)
	if fbErr != nil {
		p.log.Errorf("Unable to recover from %s failure: %v", op, fbErr)
		return errors.Join(err, fbErr)
	}
	if !switched {
		// Already on the fallback path.
		return err
	}

	p.log.Infof("Retrying %s on CPU", op)
	if err := p.invoke(op, fn); err != nil {
		return fmt.Errorf("retry on CPU: %w", err)
	}
	return nil
}

// invoke calls fn, converting panics into errors and recording stats.
func (p *RecoveryPolicy) invoke(op string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			err = panicError{v: v}
		}
		p.stats.EngineCall(op, time.Since(start), err)
	}()
	return fn()
}
