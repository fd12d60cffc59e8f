package observability

import (
	"sync"
	"time"
)

type Role string

const (
	RoleIdle     Role = "IDLE"
	RolePlanner  Role = "PLANNER"
	RoleExecutor Role = "EXECUTOR"
)

// Snapshot is a point-in-time copy of the process status.
type Snapshot struct {
	Role          Role
	Task          string
	Step          int
	Steps         int
	Running       int
	LastHeartbeat time.Time
}

var (
	statusMu sync.RWMutex
	current  = Snapshot{Role: RoleIdle, LastHeartbeat: time.Now()}
)

// SetStatus records what the most recently active execution is doing.
func SetStatus(role Role, task string) {
	statusMu.Lock()
	defer statusMu.Unlock()
	current.Role = role
	current.Task = task
	current.Step, current.Steps = 0, 0
}

// SetProgress records the step being executed out of total.
func SetProgress(step, total int) {
	statusMu.Lock()
	defer statusMu.Unlock()
	current.Step, current.Steps = step, total
}

// TaskStarted and TaskFinished track how many executions are in flight.
func TaskStarted() {
	statusMu.Lock()
	defer statusMu.Unlock()
	current.Running++
}

func TaskFinished() {
	statusMu.Lock()
	defer statusMu.Unlock()
	if current.Running > 0 {
		current.Running--
	}
	if current.Running == 0 {
		current.Role = RoleIdle
		current.Task = ""
		current.Step, current.Steps = 0, 0
	}
}

// GetStatus returns a copy of the current status.
func GetStatus() Snapshot {
	statusMu.RLock()
	defer statusMu.RUnlock()
	return current
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	statusMu.Lock()
	defer statusMu.Unlock()
	current.LastHeartbeat = time.Now()
}
