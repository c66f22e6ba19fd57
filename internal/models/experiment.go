package models

import "time"

// ExperimentStatus is the observable pipeline state of an experiment.
type ExperimentStatus string

const (
	StatusCreated   ExperimentStatus = "created"
	StatusLaunched  ExperimentStatus = "launched"
	StatusDeployed  ExperimentStatus = "deployed"
	StatusCompiling ExperimentStatus = "compiling"
	StatusCompiled  ExperimentStatus = "compiled"
	StatusExecuting ExperimentStatus = "executing"
	StatusExecuted  ExperimentStatus = "executed"
	StatusDone      ExperimentStatus = "done"

	StatusFailedInstance    ExperimentStatus = "failed_instance"
	StatusFailedPrepare     ExperimentStatus = "failed_prepare"
	StatusFailedDeploy      ExperimentStatus = "failed_deploy"
	StatusFailedCompilation ExperimentStatus = "failed_compilation"
	StatusFailedExecution   ExperimentStatus = "failed_execution"
	StatusFailedRetrieve    ExperimentStatus = "failed_retrieve"

	StatusResetting   ExperimentStatus = "resetting"
	StatusResetFailed ExperimentStatus = "reset_failed"
)

// IsFailed reports whether the status is one of the terminal failure markers.
func (s ExperimentStatus) IsFailed() bool {
	switch s {
	case StatusFailedInstance, StatusFailedPrepare, StatusFailedDeploy,
		StatusFailedCompilation, StatusFailedExecution, StatusFailedRetrieve:
		return true
	}
	return false
}

// IsInFlight reports whether remote work may be progressing without an
// active handler, which is what the periodic sweep refreshes.
func (s ExperimentStatus) IsInFlight() bool {
	return s == StatusDeployed || s == StatusCompiling || s == StatusExecuting
}

// InFlightStatuses lists the statuses refreshed by the periodic sweep.
var InFlightStatuses = []ExperimentStatus{StatusDeployed, StatusCompiling, StatusExecuting}

// Remote file names written inside an experiment's work directory.
const (
	StatusFileName              = "EXPERIMENT_STATUS"
	CompilationLogFileName      = "COMPILATION_LOG"
	ExecutionLogFileName        = "EXECUTION_LOG"
	CompilationExitCodeFileName = "COMPILATION_EXIT_CODE"
	ExecutionExitCodeFileName   = "EXECUTION_EXIT_CODE"
	OutputArchiveFileName       = "output.tar.gz"
)

// ExperimentLog is one remote log file collected by a poll.
type ExperimentLog struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// FolderNode is one entry of an input or source tree.
type FolderNode struct {
	Label    string       `json:"label"`
	ID       string       `json:"id"`
	Size     int64        `json:"size,omitempty"`
	Children []FolderNode `json:"children,omitempty"`
}

// Experiment is the orchestration record for one experiment run.
type Experiment struct {
	ID         string            `json:"id"`
	AppID      string            `json:"app_id"`
	Name       string            `json:"name"`
	Status     ExperimentStatus  `json:"status"`
	InstanceID string            `json:"inst_id,omitempty"`
	Labels     map[string]string `json:"labels"`
	Logs       []ExperimentLog   `json:"logs"`
	InputTree  []FolderNode      `json:"input_tree,omitempty"`
	SrcTree    []FolderNode      `json:"src_tree,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers can not mutate stored state.
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	c := *e
	if e.Labels != nil {
		c.Labels = make(map[string]string, len(e.Labels))
		for k, v := range e.Labels {
			c.Labels[k] = v
		}
	}
	if e.Logs != nil {
		c.Logs = make([]ExperimentLog, len(e.Logs))
		copy(c.Logs, e.Logs)
	}
	c.InputTree = cloneTree(e.InputTree)
	c.SrcTree = cloneTree(e.SrcTree)
	return &c
}

func cloneTree(nodes []FolderNode) []FolderNode {
	if nodes == nil {
		return nil
	}
	out := make([]FolderNode, len(nodes))
	for i, n := range nodes {
		out[i] = n
		out[i].Children = cloneTree(n.Children)
	}
	return out
}
