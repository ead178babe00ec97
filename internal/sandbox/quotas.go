// Package sandbox implements the per-plugin isolated execution environment:
// a capability-gated worker surface reached only through a request/response
// call protocol, resource quotas by isolation level, leak detection, and an
// owning manager with an aggregate monitor.
//
// There is no OS-level isolation here (no subprocess, no WASM, no cgroups):
// the sandbox boundary is enforced in-process by routing every plugin method
// invocation through a channel-mediated call protocol rather than a direct
// function call. Capability checks gate what the worker side can reach; they
// are not OS security boundaries.
package sandbox

import "time"

// IsolationLevel selects the sandbox's resource ceilings.
type IsolationLevel string

const (
	Strict   IsolationLevel = "strict"
	Moderate IsolationLevel = "moderate"
	Minimal  IsolationLevel = "minimal"
)

// Quotas are the enforced resource ceilings for one sandbox.
type Quotas struct {
	MemoryLimitMB         int
	TimeoutMs             int
	MaxExecutionTimeMs    int
	MaxNetworkConnections int
	DiskQuotaMB           int
}

// DefaultMaxExecutionTime is used when a caller doesn't override it.
const DefaultMaxExecutionTime = 30 * time.Second

// QuotasForLevel derives the quota table for isolation level given the
// plugin-requested memory ceiling (userMemoryMB):
//
//	strict:   mem <= min(user, 64MB)
//	moderate: mem <= min(user, 128MB)
//	minimal:  mem == user
func QuotasForLevel(level IsolationLevel, userMemoryMB int) Quotas {
	q := Quotas{
		TimeoutMs:             30_000,
		MaxExecutionTimeMs:    30_000,
		MaxNetworkConnections: 10,
		DiskQuotaMB:           256,
	}
	switch level {
	case Strict:
		q.MemoryLimitMB = min(userMemoryMB, 64)
	case Moderate:
		q.MemoryLimitMB = min(userMemoryMB, 128)
	case Minimal:
		q.MemoryLimitMB = userMemoryMB
	default:
		q.MemoryLimitMB = min(userMemoryMB, 64)
	}
	return q
}
