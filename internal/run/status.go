package run

// Status is the lifecycle position of one task within a run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusEligible Status = "eligible"
	StatusRunning  Status = "running"
	StatusCacheHit Status = "cache_hit"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCacheHit, StatusSuccess, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Satisfied reports whether dependents may start.
func (s Status) Satisfied() bool {
	return s == StatusCacheHit || s == StatusSuccess
}

// Lifecycle of a persistent task.
const (
	LifecycleStarted = "started"
	LifecycleRunning = "running"
	LifecycleExited  = "exited"
	LifecycleKilled  = "killed"
)
