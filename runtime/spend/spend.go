// Package spend tracks per-invocation USD spend against a configured cap.
// One tracker is shared by every component that issues billable calls for an
// invocation: the strategy selector checks it before selecting, the pipeline
// before single calls, and the executor before each node invocation.
package spend

import (
	"fmt"
	"sync"
)

type (
	// Tracker accumulates USD spend per workflow invocation. All methods
	// are safe for concurrent use; parallel branches of one invocation add
	// to the same counter.
	Tracker interface {
		// AddCost records model or tool spend for the invocation.
		AddCost(invocationID string, usd float64)
		// AddSDKCost records spend reported by external SDK adapters,
		// tracked separately for reporting.
		AddSDKCost(invocationID string, usd float64)
		// Total returns the combined spend for the invocation, SDK spend
		// included.
		Total(invocationID string) float64
		// SDKTotal returns only the SDK-reported portion.
		SDKTotal(invocationID string) float64
		// Check returns nil while the invocation is under the cap and a
		// *ExceededError once combined spend reaches it.
		Check(invocationID string) error
	}

	// ExceededError reports a spending cap hit.
	ExceededError struct {
		// InvocationID is the invocation over the cap.
		InvocationID string
		// Limit is the configured cap in USD.
		Limit float64
		// Total is the combined spend that reached it.
		Total float64
	}

	// MemoryTracker is the in-process Tracker. The zero value is not
	// usable; construct with NewMemoryTracker.
	MemoryTracker struct {
		mu    sync.Mutex
		limit float64
		costs map[string]float64
		sdk   map[string]float64
	}
)

// Error implements the error interface.
func (e *ExceededError) Error() string {
	return fmt.Sprintf("spending cap exceeded for %s: spent %.4f USD of %.4f USD limit", e.InvocationID, e.Total, e.Limit)
}

// NewMemoryTracker builds a tracker enforcing the given cap in USD. A cap of
// zero or less disables enforcement; totals are still tracked.
func NewMemoryTracker(limitUSD float64) *MemoryTracker {
	return &MemoryTracker{
		limit: limitUSD,
		costs: make(map[string]float64),
		sdk:   make(map[string]float64),
	}
}

// AddCost records model or tool spend for the invocation.
func (t *MemoryTracker) AddCost(invocationID string, usd float64) {
	if usd == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.costs[invocationID] += usd
}

// AddSDKCost records SDK adapter spend for the invocation.
func (t *MemoryTracker) AddSDKCost(invocationID string, usd float64) {
	if usd == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sdk[invocationID] += usd
}

// Total returns combined spend for the invocation.
func (t *MemoryTracker) Total(invocationID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.costs[invocationID] + t.sdk[invocationID]
}

// SDKTotal returns the SDK-reported portion of the spend.
func (t *MemoryTracker) SDKTotal(invocationID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sdk[invocationID]
}

// Check returns nil under the cap, *ExceededError at or over it.
func (t *MemoryTracker) Check(invocationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit <= 0 {
		return nil
	}
	total := t.costs[invocationID] + t.sdk[invocationID]
	if total >= t.limit {
		return &ExceededError{InvocationID: invocationID, Limit: t.limit, Total: total}
	}
	return nil
}

// Limit returns the configured cap in USD.
func (t *MemoryTracker) Limit() float64 {
	return t.limit
}

// Reset clears all recorded spend. Test hook; never call it on a tracker
// with live invocations.
func (t *MemoryTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.costs = make(map[string]float64)
	t.sdk = make(map[string]float64)
}
