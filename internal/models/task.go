package models

import "time"

// TaskType names a pipeline stage or the reset operation.
type TaskType string

const (
	TaskTypeInstance TaskType = "instance"
	TaskTypePrepare  TaskType = "prepare"
	TaskTypeDeploy   TaskType = "deploy"
	TaskTypeCompile  TaskType = "compile"
	TaskTypeExecute  TaskType = "execute"
	TaskTypeRetrieve TaskType = "retrieve"
	TaskTypeReset    TaskType = "reset"
)

// InstanceConfig describes the instance requested by the instance stage.
type InstanceConfig struct {
	Name    string `json:"name"`
	ImageID string `json:"image_id"`
	SizeID  string `json:"size_id"`
	Nodes   int    `json:"nodes"`
}

// TaskPayload carries the stage arguments. Only one of its fields is
// normally populated: InstanceConfig for the instance stage, InstanceID
// for every stage that runs on an existing instance.
type TaskPayload struct {
	InstanceConfig *InstanceConfig `json:"inst_cfg,omitempty"`
	InstanceID     string          `json:"inst_id,omitempty"`
}

// Task is a unit of pipeline work bound to one experiment (its Key).
type Task struct {
	ID        string      `json:"id"`
	Type      TaskType    `json:"type"`
	Key       string      `json:"key"`
	Payload   TaskPayload `json:"payload"`
	JobID     string      `json:"job_id,omitempty"` // outstanding remote job, empty when none
	CreatedAt time.Time   `json:"created_at"`
}

// NewTask builds a task of the given type for an experiment. ID and CreatedAt
// are assigned when the task is pushed.
func NewTask(taskType TaskType, key string, payload TaskPayload) *Task {
	return &Task{
		Type:    taskType,
		Key:     key,
		Payload: payload,
	}
}

// HasOutstandingJob reports whether a remote job was started for this task
// and not yet observed to complete.
func (t *Task) HasOutstandingJob() bool {
	return t.JobID != ""
}
