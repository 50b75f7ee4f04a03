// Package xerrors classifies the error taxonomy from spec.md §7 as typed
// errors so call sites can branch with errors.As instead of string matching,
// generalizing the teacher's ad hoc reason strings (e.g. "spawn_timeout").
package xerrors

import "fmt"

// PoolRejectReason enumerates why the Process Pool Supervisor refused a spawn.
type PoolRejectReason string

const (
	ReasonMemoryGuard   PoolRejectReason = "memory_guard"
	ReasonFDGuard       PoolRejectReason = "fd_guard"
	ReasonCapacity      PoolRejectReason = "capacity"
	ReasonRateLimited   PoolRejectReason = "rate_limited"
	ReasonSpawnTimeout  PoolRejectReason = "spawn_timeout"
	ReasonPoolClosed    PoolRejectReason = "pool_closed"
)

// PoolRejection is returned by the pool's acquire operation on failure.
type PoolRejection struct {
	Reason PoolRejectReason
}

func (e *PoolRejection) Error() string {
	return fmt.Sprintf("pool: rejected (%s)", e.Reason)
}

// RestartBlockReason enumerates why the health supervisor's restart gate
// refused a restart request (spec.md §4.4 R1-R4).
type RestartBlockReason string

const (
	RestartBlockStorm       RestartBlockReason = "storm"
	RestartBlockCooldown    RestartBlockReason = "cooldown"
	RestartBlockCircuitOpen RestartBlockReason = "circuit_open"
	RestartBlockContainment RestartBlockReason = "containment"
)

// RestartBlocked is returned by request_channel_restart when a guard trips.
type RestartBlocked struct {
	Reason RestartBlockReason
}

func (e *RestartBlocked) Error() string {
	return fmt.Sprintf("restart blocked: %s", e.Reason)
}

// TransientSource indicates a reachable source returned a non-2xx or short
// read; callers retry with exponential backoff + jitter.
type TransientSource struct {
	Cause error
}

func (e *TransientSource) Error() string { return fmt.Sprintf("transient source error: %v", e.Cause) }
func (e *TransientSource) Unwrap() error { return e.Cause }

// ResolvedURLExpired indicates a presigned/token URL returned 401/403/410.
type ResolvedURLExpired struct {
	Source string
	Key    string
}

func (e *ResolvedURLExpired) Error() string {
	return fmt.Sprintf("resolved url expired: %s/%s", e.Source, e.Key)
}

// ScheduleEmpty indicates a slot's collection resolved to zero items.
type ScheduleEmpty struct {
	ChannelID int64
}

func (e *ScheduleEmpty) Error() string {
	return fmt.Sprintf("schedule empty for channel %d", e.ChannelID)
}

// EPGValidationFailed wraps the first validation error encountered while
// building an XMLTV document; the generator keeps serving the prior cycle's
// cached output when this is returned.
type EPGValidationFailed struct {
	Cause error
}

func (e *EPGValidationFailed) Error() string { return fmt.Sprintf("epg validation failed: %v", e.Cause) }
func (e *EPGValidationFailed) Unwrap() error { return e.Cause }
