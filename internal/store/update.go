package store

import "github.com/dante-gpu/experiment-orchestrator/internal/models"

// ExperimentUpdate lists the experiment fields to change. Nil fields are
// left untouched.
type ExperimentUpdate struct {
	Status     *models.ExperimentStatus
	InstanceID *string // "" clears the instance reference
	Logs       *[]models.ExperimentLog
	InputTree  *[]models.FolderNode
	SrcTree    *[]models.FolderNode

	// ExpectInstanceID makes the update conditional: it is applied only while
	// the experiment is still bound to this instance ("" meaning none).
	// Otherwise the store returns models.ErrStaleUpdate.
	ExpectInstanceID *string

	// ExpectStatus, when set, applies the update only while the experiment
	// is in one of these statuses.
	ExpectStatus []models.ExperimentStatus
}

// Update starts an empty ExperimentUpdate.
func Update() ExperimentUpdate {
	return ExperimentUpdate{}
}

func (u ExperimentUpdate) WithStatus(status models.ExperimentStatus) ExperimentUpdate {
	u.Status = &status
	return u
}

func (u ExperimentUpdate) WithInstanceID(instanceID string) ExperimentUpdate {
	u.InstanceID = &instanceID
	return u
}

// ClearInstance drops the instance reference.
func (u ExperimentUpdate) ClearInstance() ExperimentUpdate {
	return u.WithInstanceID("")
}

func (u ExperimentUpdate) WithLogs(logs []models.ExperimentLog) ExperimentUpdate {
	if logs == nil {
		logs = []models.ExperimentLog{}
	}
	u.Logs = &logs
	return u
}

func (u ExperimentUpdate) WithInputTree(tree []models.FolderNode) ExperimentUpdate {
	u.InputTree = &tree
	return u
}

func (u ExperimentUpdate) WithSrcTree(tree []models.FolderNode) ExperimentUpdate {
	u.SrcTree = &tree
	return u
}

// IfInstance guards the update on the experiment's current instance.
func (u ExperimentUpdate) IfInstance(instanceID string) ExperimentUpdate {
	u.ExpectInstanceID = &instanceID
	return u
}

// IfStatus guards the update on the experiment's current status.
func (u ExperimentUpdate) IfStatus(statuses ...models.ExperimentStatus) ExperimentUpdate {
	u.ExpectStatus = append([]models.ExperimentStatus(nil), statuses...)
	return u
}

// conditional reports whether the update carries a guard.
func (u ExperimentUpdate) conditional() bool {
	return u.ExpectInstanceID != nil || len(u.ExpectStatus) > 0
}

// matchesStatus reports whether status satisfies the ExpectStatus guard.
func (u ExperimentUpdate) matchesStatus(status models.ExperimentStatus) bool {
	if len(u.ExpectStatus) == 0 {
		return true
	}
	for _, s := range u.ExpectStatus {
		if s == status {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the update changes nothing.
func (u ExperimentUpdate) IsEmpty() bool {
	return u.Status == nil && u.InstanceID == nil && u.Logs == nil && u.InputTree == nil && u.SrcTree == nil
}

// apply copies the set fields onto exp.
func (u ExperimentUpdate) apply(exp *models.Experiment) {
	if u.Status != nil {
		exp.Status = *u.Status
	}
	if u.InstanceID != nil {
		exp.InstanceID = *u.InstanceID
	}
	if u.Logs != nil {
		exp.Logs = append([]models.ExperimentLog{}, (*u.Logs)...)
	}
	if u.InputTree != nil {
		exp.InputTree = append([]models.FolderNode(nil), (*u.InputTree)...)
	}
	if u.SrcTree != nil {
		exp.SrcTree = append([]models.FolderNode(nil), (*u.SrcTree)...)
	}
}
