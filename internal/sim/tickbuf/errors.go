package tickbuf

import (
	"errors"
	"fmt"
)

var (
	ErrStaleIntent       = errors.New("stale intent")
	ErrReconciliationGap = errors.New("reconciliation gap")
	ErrFutureTick        = errors.New("intent tick is ahead of the current tick")
	ErrTickRegression    = errors.New("intent tick is older than the last recorded intent")
)

// StaleIntentError reports an intent issued below the last acknowledged tick.
// The intent is still applied locally but must not be transmitted.
type StaleIntentError struct {
	Tick      uint64
	LastAcked uint64
}

func (e *StaleIntentError) Error() string {
	return fmt.Sprintf("stale intent: tick %d < last acked %d", e.Tick, e.LastAcked)
}

func (e *StaleIntentError) Is(target error) bool { return target == ErrStaleIntent }

// ReconciliationGapError means the history needed to replay a server update
// has already been pruned. Recovery is a full resync.
type ReconciliationGapError struct {
	UpdateTick     uint64
	EvictedThrough uint64
}

func (e *ReconciliationGapError) Error() string {
	return fmt.Sprintf("reconciliation gap: update tick %d, history evicted through %d", e.UpdateTick, e.EvictedThrough)
}

func (e *ReconciliationGapError) Is(target error) bool { return target == ErrReconciliationGap }
