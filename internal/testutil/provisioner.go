// Package testutil provides in-process fakes of the provisioning and storage
// collaborators for package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/provision"
)

// Default catalog entries known to every FakeProvisioner.
var (
	DefaultImage = models.Image{
		ID:        "img-1",
		Name:      "ubuntu",
		WorkPath:  "/home/ubuntu/work",
		InputPath: "/home/ubuntu/input",
		LibPath:   "/home/ubuntu/lib",
		TmpPath:   "/tmp",
		Username:  "ubuntu",
	}
	DefaultSize = models.Size{ID: "size-1", Name: "small", CPUs: 4, RAMMB: 8192}
)

// CleanCall records one CleanExperiment call.
type CleanCall struct {
	ExpID      string
	InstanceID string
	Opts       provision.CleanOptions
}

// ExecutedJob records one ExecuteJob call.
type ExecutedJob struct {
	JobID      string
	InstanceID string
	Script     string
	WorkDir    string
	Nodes      int
}

type fakeInstance struct {
	inst  models.Instance
	files map[string]string
}

type fakeJob struct {
	instanceID string
	script     string
	done       chan struct{}
	finished   bool
}

// FakeProvisioner emulates an instance manager in memory. Jobs and commands
// act on a per-instance file map: a job script that writes the experiment
// status file (deploy, build or run scripts) has the matching effect, find,
// zcat and cat read the map back.
//
// Exported fields configure failures and must be set before use.
type FakeProvisioner struct {
	// Errs makes the named operation fail, e.g. Errs["RequestInstance"].
	Errs map[string]error
	// FailCompilation and FailExecution make the build or run script exit 1.
	FailCompilation bool
	FailExecution   bool
	// Jobs whose script contains Hold keep running until ReleaseJobs or
	// AbortJob. Empty holds nothing.
	Hold string
	// FindHook runs at the start of every find command.
	FindHook func(ctx context.Context)

	mu        sync.Mutex
	images    map[string]models.Image
	sizes     map[string]models.Size
	instances map[string]*fakeInstance
	jobs      map[string]*fakeJob
	seq       int

	requested []string
	executed  []ExecutedJob
	waited    []string
	aborted   []string
	cleaned   []CleanCall
	commands  []string
	finds     int
}

// NewFakeProvisioner creates a fake serving DefaultImage and DefaultSize.
func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{
		Errs:      make(map[string]error),
		images:    map[string]models.Image{DefaultImage.ID: DefaultImage},
		sizes:     map[string]models.Size{DefaultSize.ID: DefaultSize},
		instances: make(map[string]*fakeInstance),
		jobs:      make(map[string]*fakeJob),
	}
}

func (f *FakeProvisioner) errFor(op string) error {
	if err := f.Errs[op]; err != nil {
		return models.NewRemoteError(op, "", err)
	}
	return nil
}

func (f *FakeProvisioner) GetImage(ctx context.Context, imageID string) (*models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[imageID]
	if !ok {
		return nil, models.NewValidationError("image_id", "unknown image "+imageID)
	}
	return &img, nil
}

func (f *FakeProvisioner) GetSize(ctx context.Context, sizeID string) (*models.Size, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.sizes[sizeID]
	if !ok {
		return nil, models.NewValidationError("size_id", "unknown size "+sizeID)
	}
	return &size, nil
}

func (f *FakeProvisioner) RequestInstance(ctx context.Context, name, imageID, sizeID string, nodes int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errFor("RequestInstance"); err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("inst-%d", f.seq)
	inst := models.Instance{ID: id, Name: name, ImageID: imageID, SizeID: sizeID, Nodes: nodes}
	for i := 0; i < nodes; i++ {
		inst.Members = append(inst.Members, fmt.Sprintf("%s-node-%d", id, i))
	}
	f.instances[id] = &fakeInstance{inst: inst, files: make(map[string]string)}
	f.requested = append(f.requested, id)
	return id, nil
}

// AddInstance registers an existing instance, e.g. one left over from a
// previous run.
func (f *FakeProvisioner) AddInstance(inst models.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = &fakeInstance{inst: inst, files: make(map[string]string)}
}

func (f *FakeProvisioner) GetInstance(ctx context.Context, instanceID string, withImage, withSize bool) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errFor("GetInstance"); err != nil {
		return nil, err
	}
	fi, ok := f.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, models.ErrInstanceNotFound)
	}
	inst := f.copyInstance(fi)
	if withImage {
		if img, ok := f.images[inst.ImageID]; ok {
			inst.Image = &img
		}
	}
	if withSize {
		if size, ok := f.sizes[inst.SizeID]; ok {
			inst.Size = &size
		}
	}
	return inst, nil
}

func (f *FakeProvisioner) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*models.Instance, 0, len(f.instances))
	for _, fi := range f.instances {
		out = append(out, f.copyInstance(fi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeProvisioner) copyInstance(fi *fakeInstance) *models.Instance {
	inst := fi.inst
	inst.Members = append([]string(nil), fi.inst.Members...)
	inst.Experiments = append([]string(nil), fi.inst.Experiments...)
	return &inst
}

func (f *FakeProvisioner) AddExperiment(ctx context.Context, expID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errFor("AddExperiment"); err != nil {
		return err
	}
	fi, ok := f.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, models.ErrInstanceNotFound)
	}
	fi.inst.Experiments = append(fi.inst.Experiments, expID)
	return nil
}

func (f *FakeProvisioner) ExecuteJob(ctx context.Context, instanceID, script, workDir string, nodes int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errFor("ExecuteJob"); err != nil {
		return "", err
	}
	if _, ok := f.instances[instanceID]; !ok {
		return "", fmt.Errorf("instance %s: %w", instanceID, models.ErrInstanceNotFound)
	}

	f.seq++
	jobID := fmt.Sprintf("job-%d", f.seq)
	job := &fakeJob{instanceID: instanceID, script: script, done: make(chan struct{})}
	f.jobs[jobID] = job
	f.executed = append(f.executed, ExecutedJob{JobID: jobID, InstanceID: instanceID, Script: script, WorkDir: workDir, Nodes: nodes})

	if f.Hold == "" || !strings.Contains(script, f.Hold) {
		f.completeLocked(job, workDir)
	}
	return jobID, nil
}

// ReleaseJobs lets every held job run to completion.
func (f *FakeProvisioner) ReleaseJobs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.executed {
		ex := f.executed[i]
		if job := f.jobs[ex.JobID]; job != nil && !job.finished {
			f.completeLocked(job, ex.WorkDir)
		}
	}
}

// completeLocked applies the effects of the job's script and marks it done.
func (f *FakeProvisioner) completeLocked(job *fakeJob, workDir string) {
	job.finished = true
	defer close(job.done)

	fi, ok := f.instances[job.instanceID]
	if !ok {
		return
	}
	statusFile := path.Join(workDir, models.StatusFileName)

	switch {
	case strings.Contains(job.script, models.CompilationLogFileName):
		fi.files[path.Join(workDir, models.CompilationLogFileName)] = "building...\n"
		if f.FailCompilation {
			fi.files[path.Join(workDir, models.CompilationExitCodeFileName)] = "1"
			fi.files[statusFile] = string(models.StatusFailedCompilation)
		} else {
			fi.files[path.Join(workDir, models.CompilationExitCodeFileName)] = "0"
			fi.files[statusFile] = string(models.StatusCompiled)
		}
	case strings.Contains(job.script, models.ExecutionLogFileName):
		fi.files[path.Join(workDir, models.ExecutionLogFileName)] = "running...\n"
		if f.FailExecution {
			fi.files[path.Join(workDir, models.ExecutionExitCodeFileName)] = "1"
			fi.files[statusFile] = string(models.StatusFailedExecution)
		} else {
			fi.files[path.Join(workDir, models.ExecutionExitCodeFileName)] = "0"
			fi.files[statusFile] = string(models.StatusExecuted)
			fi.files[path.Join(workDir, models.OutputArchiveFileName)] = "archive"
		}
	case strings.Contains(job.script, `"deployed"`):
		// The deploy script carries the target file as its last word.
		fields := strings.Fields(job.script)
		target := strings.Trim(fields[len(fields)-1], "'")
		fi.files[target] = string(models.StatusDeployed)
	}
}

// WaitJob returns once the job finished, or with ctx's error.
func (f *FakeProvisioner) WaitJob(ctx context.Context, jobID, instanceID string) error {
	f.mu.Lock()
	f.waited = append(f.waited, jobID)
	err := f.errFor("WaitJob")
	job, ok := f.jobs[jobID]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		// Jobs of a previous process are not tracked; treat them as finished.
		return nil
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeProvisioner) AbortJob(ctx context.Context, jobID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.aborted = append(f.aborted, jobID)
	if job, ok := f.jobs[jobID]; ok && !job.finished {
		job.finished = true
		close(job.done)
	}
	return f.errFor("AbortJob")
}

var (
	findRootRe = regexp.MustCompile(`^find (\S+)`)
	findNameRe = regexp.MustCompile(`-name (\S+)`)
)

func (f *FakeProvisioner) ExecuteCommand(ctx context.Context, instanceID, cmd string) (provision.CommandOutput, error) {
	if strings.HasPrefix(cmd, "find ") && f.FindHook != nil {
		f.FindHook(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, cmd)
	if err := f.errFor("ExecuteCommand"); err != nil {
		return provision.CommandOutput{}, err
	}
	fi, ok := f.instances[instanceID]
	if !ok {
		return provision.CommandOutput{}, fmt.Errorf("instance %s: %w", instanceID, models.ErrInstanceNotFound)
	}

	switch {
	case strings.HasPrefix(cmd, "find "):
		f.finds++
		root := unquote(findRootRe.FindStringSubmatch(cmd)[1])
		var patterns []string
		for _, m := range findNameRe.FindAllStringSubmatch(cmd, -1) {
			patterns = append(patterns, unquote(m[1]))
		}
		var found []string
		for p := range fi.files {
			if !strings.HasPrefix(p, root+"/") {
				continue
			}
			for _, pattern := range patterns {
				if ok, _ := path.Match(pattern, path.Base(p)); ok {
					found = append(found, p)
					break
				}
			}
		}
		sort.Strings(found)
		out := strings.Join(found, "\n")
		if out != "" {
			out += "\n"
		}
		return provision.CommandOutput{Stdout: out}, nil

	case strings.HasPrefix(cmd, "zcat -f "), strings.HasPrefix(cmd, "cat "):
		fields := strings.Fields(cmd)
		target := unquote(fields[len(fields)-1])
		content, ok := fi.files[target]
		if !ok {
			return provision.CommandOutput{Stderr: "No such file or directory", ExitCode: 1}, nil
		}
		return provision.CommandOutput{Stdout: content}, nil

	case strings.Contains(cmd, "curl ") || strings.Contains(cmd, "scp "):
		if err := f.Errs["Upload"]; err != nil {
			return provision.CommandOutput{Stderr: err.Error(), ExitCode: 22}, nil
		}
		return provision.CommandOutput{}, nil
	}
	return provision.CommandOutput{}, nil
}

func (f *FakeProvisioner) CleanExperiment(ctx context.Context, expID, instanceID string, opts provision.CleanOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleaned = append(f.cleaned, CleanCall{ExpID: expID, InstanceID: instanceID, Opts: opts})
	if err := f.errFor("CleanExperiment"); err != nil {
		return err
	}
	fi, ok := f.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, models.ErrInstanceNotFound)
	}
	if !opts.Detach {
		return nil
	}

	kept := fi.inst.Experiments[:0]
	for _, id := range fi.inst.Experiments {
		if id != expID {
			kept = append(kept, id)
		}
	}
	fi.inst.Experiments = kept
	if len(kept) == 0 {
		delete(f.instances, instanceID)
	}
	return nil
}

// WriteFile sets a file on an instance.
func (f *FakeProvisioner) WriteFile(instanceID, name, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, ok := f.instances[instanceID]
	if !ok {
		return errors.New("unknown instance " + instanceID)
	}
	fi.files[name] = content
	return nil
}

// HasInstance reports whether the instance still exists.
func (f *FakeProvisioner) HasInstance(instanceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.instances[instanceID]
	return ok
}

// RequestedInstances returns the ids of instances created so far.
func (f *FakeProvisioner) RequestedInstances() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requested...)
}

// ExecutedJobs returns every ExecuteJob call.
func (f *FakeProvisioner) ExecutedJobs() []ExecutedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecutedJob(nil), f.executed...)
}

// WaitedJobs returns the job ids passed to WaitJob.
func (f *FakeProvisioner) WaitedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.waited...)
}

// AbortedJobs returns the job ids passed to AbortJob.
func (f *FakeProvisioner) AbortedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

// Cleaned returns every CleanExperiment call.
func (f *FakeProvisioner) Cleaned() []CleanCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CleanCall(nil), f.cleaned...)
}

// CleanCount counts CleanExperiment calls for one experiment.
func (f *FakeProvisioner) CleanCount(expID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cleaned {
		if c.ExpID == expID {
			n++
		}
	}
	return n
}

// Commands returns every ExecuteCommand command line.
func (f *FakeProvisioner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// FindCount counts the log listings performed, one per remote poll.
func (f *FakeProvisioner) FindCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'"'"'`, "'")
	}
	return s
}

var _ provision.Provisioner = (*FakeProvisioner)(nil)
