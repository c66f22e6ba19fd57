package models

import "path"

// Image is a machine image known to the provisioner.
type Image struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Ref       string `json:"ref,omitempty" yaml:"ref"` // backend specific image reference
	WorkPath  string `json:"workpath" yaml:"workpath"`
	InputPath string `json:"inputpath" yaml:"inputpath"`
	LibPath   string `json:"libpath" yaml:"libpath"`
	TmpPath   string `json:"tmppath" yaml:"tmppath"`
	Username  string `json:"username,omitempty" yaml:"username"`
}

// Size is an instance flavour.
type Size struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	CPUs  int    `json:"cpus" yaml:"cpus"`
	RAMMB int    `json:"ram_mb" yaml:"ram_mb"`
}

// Instance is a provisioned multi-node cluster. Members are ordered with the
// head node first.
type Instance struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ImageID     string   `json:"image_id"`
	SizeID      string   `json:"size_id"`
	Nodes       int      `json:"nodes"`
	Members     []string `json:"members"`
	Experiments []string `json:"experiments,omitempty"`
	Image       *Image   `json:"image,omitempty"`
	Size        *Size    `json:"size,omitempty"`
}

// Head returns the head node, or "" for an instance without members.
func (i *Instance) Head() string {
	if len(i.Members) == 0 {
		return ""
	}
	return i.Members[0]
}

// WorkDir is the experiment's directory on an instance built from img.
func (img *Image) WorkDir(expID string) string {
	return path.Join(img.WorkPath, expID)
}

// InputDir is where the experiment's input data is copied on the instance.
func (img *Image) InputDir(expID string) string {
	return path.Join(img.InputPath, expID)
}
