package types

// RunState is the scheduler's view of one trial's lifecycle.
type RunState int

const (
	RunStateAlive RunState = iota
	RunStateRunning
	RunStatePending
	RunStatePreempted
	RunStatePreempting
	RunStateDead
	RunStateUnknown
)

func (s RunState) String() string {
	switch s {
	case RunStateAlive:
		return "ALIVE"
	case RunStateRunning:
		return "RUNNING"
	case RunStatePending:
		return "PENDING"
	case RunStatePreempted:
		return "PREEMPTED"
	case RunStatePreempting:
		return "PREEMPTING"
	case RunStateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// IsAlive reports whether the run still occupies a scheduler slot.
func (s RunState) IsAlive() bool {
	switch s {
	case RunStateAlive, RunStateRunning, RunStatePending, RunStatePreempted, RunStatePreempting:
		return true
	default:
		return false
	}
}

// RunStateFromRemote maps a remote run state string onto the scheduler's
// classification. Dead states are removed from the tracked set; anything
// unrecognized is UNKNOWN and kept, since an unknown run is not assumed dead.
func RunStateFromRemote(remote string) RunState {
	switch remote {
	case "crashed", "failed", "killed", "finished":
		return RunStateDead
	case "running", "pending", "preempted", "preempting":
		return RunStateAlive
	default:
		return RunStateUnknown
	}
}

// SweepRun is one trial manufactured by a scheduler. The scheduler owns the
// record; the queued-run id is a handle to the pushed queue item, not owned.
type SweepRun struct {
	ID       string
	State    RunState
	WorkerID int
	Args     map[string]interface{}

	// QueuedRunID references the run-queue item created for this trial.
	QueuedRunID string
}
