package provision

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Container labels identifying instance members.
const (
	labelInstance = "dante.orchestrator.instance"
	labelName     = "dante.orchestrator.name"
	labelImage    = "dante.orchestrator.image"
	labelSize     = "dante.orchestrator.size"
	labelMember   = "dante.orchestrator.member"
)

const (
	jobsDir        = "/var/run/orchestrator/jobs"
	attachmentsDir = "/var/lib/orchestrator/experiments"
)

// DockerProvisioner runs instances on the local Docker daemon: every member
// of an instance is a long-lived container and jobs are exec sessions on the
// head container. Job and attachment state lives inside the containers so
// the orchestrator can restart without losing track of them.
type DockerProvisioner struct {
	cli          *client.Client
	logger       *zap.Logger
	images       map[string]models.Image
	sizes        map[string]models.Size
	network      string
	pollInterval time.Duration
}

// NewDockerProvisioner connects to the Docker daemon configured in the
// environment and serves the given image and size catalog.
func NewDockerProvisioner(images []models.Image, sizes []models.Size, networkName string, pollInterval time.Duration, logger *zap.Logger) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	p := &DockerProvisioner{
		cli:          cli,
		logger:       logger.Named("docker-provisioner"),
		images:       make(map[string]models.Image, len(images)),
		sizes:        make(map[string]models.Size, len(sizes)),
		network:      networkName,
		pollInterval: pollInterval,
	}
	for _, img := range images {
		p.images[img.ID] = img
	}
	for _, s := range sizes {
		p.sizes[s.ID] = s
	}
	return p, nil
}

// Close releases the Docker client.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}

func (p *DockerProvisioner) GetImage(ctx context.Context, imageID string) (*models.Image, error) {
	img, ok := p.images[imageID]
	if !ok {
		return nil, models.NewValidationError("image_id", fmt.Sprintf("unknown image %q", imageID))
	}
	return &img, nil
}

func (p *DockerProvisioner) GetSize(ctx context.Context, sizeID string) (*models.Size, error) {
	size, ok := p.sizes[sizeID]
	if !ok {
		return nil, models.NewValidationError("size_id", fmt.Sprintf("unknown size %q", sizeID))
	}
	return &size, nil
}

// RequestInstance starts nodes containers. Containers already created are
// removed again when a later one fails or ctx is cancelled.
func (p *DockerProvisioner) RequestInstance(ctx context.Context, name, imageID, sizeID string, nodes int) (string, error) {
	img, err := p.GetImage(ctx, imageID)
	if err != nil {
		return "", err
	}
	size, err := p.GetSize(ctx, sizeID)
	if err != nil {
		return "", err
	}
	if nodes < 1 {
		return "", models.NewValidationError("nodes", "must be at least 1")
	}

	if err := p.pullImage(ctx, img.Ref); err != nil {
		return "", models.NewRemoteError("requestInstance", name, err)
	}

	instanceID := uuid.New().String()
	log := p.logger.With(zap.String("inst_id", instanceID), zap.String("name", name))

	var created []string
	cleanup := func() {
		for _, id := range created {
			p.removeContainer(id)
		}
	}

	for i := 0; i < nodes; i++ {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", err
		}

		cfg := &container.Config{
			Image:    img.Ref,
			Cmd:      []string{"sleep", "infinity"},
			Hostname: fmt.Sprintf("%s-%d", shortID(instanceID), i),
			Labels: map[string]string{
				labelInstance: instanceID,
				labelName:     name,
				labelImage:    imageID,
				labelSize:     sizeID,
				labelMember:   strconv.Itoa(i),
			},
		}
		hostCfg := &container.HostConfig{
			Resources: container.Resources{
				Memory:   int64(size.RAMMB) * 1024 * 1024,
				NanoCPUs: int64(size.CPUs) * 1000000000,
			},
		}
		if p.network != "" {
			hostCfg.NetworkMode = container.NetworkMode(p.network)
		}

		resp, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, fmt.Sprintf("orch-%s-%d", shortID(instanceID), i))
		if err != nil {
			cleanup()
			return "", models.NewRemoteError("requestInstance", name, fmt.Errorf("creating member %d: %w", i, err))
		}
		created = append(created, resp.ID)

		if err := p.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
			cleanup()
			return "", models.NewRemoteError("requestInstance", name, fmt.Errorf("starting member %d: %w", i, err))
		}
		log.Debug("Instance member started", zap.Int("member", i), zap.String("container_id", resp.ID))
	}

	log.Info("Instance created", zap.Int("nodes", nodes), zap.String("image", img.Ref))
	return instanceID, nil
}

func (p *DockerProvisioner) GetInstance(ctx context.Context, instanceID string, withImage, withSize bool) (*models.Instance, error) {
	containers, err := p.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelInstance+"="+instanceID)),
	})
	if err != nil {
		return nil, models.NewRemoteError("getInstance", instanceID, err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("instance %s: %w", instanceID, models.ErrInstanceNotFound)
	}

	inst := p.instanceFrom(containers)
	if withImage {
		if img, ok := p.images[inst.ImageID]; ok {
			inst.Image = &img
		}
	}
	if withSize {
		if size, ok := p.sizes[inst.SizeID]; ok {
			inst.Size = &size
		}
	}
	return inst, nil
}

// ListInstances returns every instance with its attached experiments.
func (p *DockerProvisioner) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	containers, err := p.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelInstance)),
	})
	if err != nil {
		return nil, models.NewRemoteError("listInstances", "", err)
	}

	grouped := make(map[string][]types.Container)
	for _, c := range containers {
		id := c.Labels[labelInstance]
		grouped[id] = append(grouped[id], c)
	}

	out := make([]*models.Instance, 0, len(grouped))
	for _, members := range grouped {
		inst := p.instanceFrom(members)
		exps, err := p.attachedExperiments(ctx, inst.Head())
		if err != nil {
			p.logger.Warn("Failed to list attached experiments", zap.String("inst_id", inst.ID), zap.Error(err))
		}
		inst.Experiments = exps
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *DockerProvisioner) AddExperiment(ctx context.Context, expID, instanceID string) error {
	inst, err := p.GetInstance(ctx, instanceID, false, false)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("mkdir -p %s && touch %s", attachmentsDir, Quote(path.Join(attachmentsDir, expID)))
	return p.mustRun(ctx, "addExperiment", inst.Head(), cmd)
}

// ExecuteJob starts script detached on the head node. The job id names a
// pid file the wrapper writes so the job can be waited on and killed later.
func (p *DockerProvisioner) ExecuteJob(ctx context.Context, instanceID, script, workDir string, nodes int) (string, error) {
	inst, err := p.GetInstance(ctx, instanceID, false, false)
	if err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	pidFile := path.Join(jobsDir, jobID+".pid")
	wrapper := fmt.Sprintf(`mkdir -p %s && echo $$ > %s; cd %s && sh -c "$JOB_SCRIPT"; rm -f %s`,
		jobsDir, pidFile, Quote(workDir), pidFile)

	members := make([]string, len(inst.Members))
	for i := range inst.Members {
		members[i] = fmt.Sprintf("%s-%d", shortID(instanceID), i)
	}
	if nodes > 0 && nodes < len(members) {
		members = members[:nodes]
	}

	exec, err := p.cli.ContainerExecCreate(ctx, inst.Head(), types.ExecConfig{
		Cmd:    []string{"sh", "-c", wrapper},
		Env:    []string{"JOB_SCRIPT=" + script, "NODES=" + strconv.Itoa(len(members)), "HOSTS=" + strings.Join(members, " ")},
		Detach: true,
	})
	if err != nil {
		return "", models.NewRemoteError("executeJob", instanceID, err)
	}
	if err := p.cli.ContainerExecStart(ctx, exec.ID, types.ExecStartCheck{Detach: true}); err != nil {
		return "", models.NewRemoteError("executeJob", instanceID, err)
	}

	p.logger.Debug("Job started", zap.String("inst_id", instanceID), zap.String("job_id", jobID), zap.String("work_dir", workDir))
	return jobID, nil
}

// WaitJob polls the job's pid until the process is gone.
func (p *DockerProvisioner) WaitJob(ctx context.Context, jobID, instanceID string) error {
	inst, err := p.GetInstance(ctx, instanceID, false, false)
	if err != nil {
		return err
	}

	pidFile := path.Join(jobsDir, jobID+".pid")
	probe := fmt.Sprintf("test -f %s && kill -0 $(cat %s) 2>/dev/null", pidFile, pidFile)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		out, err := p.run(ctx, inst.Head(), probe)
		if err != nil {
			return models.NewRemoteError("waitJob", instanceID, err)
		}
		if out.ExitCode != 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *DockerProvisioner) AbortJob(ctx context.Context, jobID, instanceID string) error {
	inst, err := p.GetInstance(ctx, instanceID, false, false)
	if err != nil {
		return err
	}
	pidFile := path.Join(jobsDir, jobID+".pid")
	cmd := fmt.Sprintf("if [ -f %s ]; then kill -9 $(cat %s) 2>/dev/null; rm -f %s; fi; true", pidFile, pidFile, pidFile)
	return p.mustRun(ctx, "abortJob", inst.Head(), cmd)
}

func (p *DockerProvisioner) ExecuteCommand(ctx context.Context, instanceID, cmd string) (CommandOutput, error) {
	inst, err := p.GetInstance(ctx, instanceID, false, false)
	if err != nil {
		return CommandOutput{}, err
	}
	out, err := p.run(ctx, inst.Head(), cmd)
	if err != nil {
		return CommandOutput{}, models.NewRemoteError("executeCommand", instanceID, err)
	}
	return out, nil
}

// CleanExperiment removes the experiment's files and jobs from the instance.
// Once no experiment is attached anymore the instance itself is destroyed.
func (p *DockerProvisioner) CleanExperiment(ctx context.Context, expID, instanceID string, opts CleanOptions) error {
	inst, err := p.GetInstance(ctx, instanceID, true, false)
	if err != nil {
		return err
	}
	head := inst.Head()

	var steps []string
	if opts.Jobs {
		// Jobs of the experiment run with their working directory inside it.
		steps = append(steps, fmt.Sprintf(
			`for f in %s/*.pid; do [ -f "$f" ] || continue; pid=$(cat "$f"); if readlink /proc/$pid/cwd 2>/dev/null | grep -q %s; then kill -9 $pid 2>/dev/null; rm -f "$f"; fi; done`,
			jobsDir, Quote("/"+expID)))
	}
	if inst.Image != nil {
		if opts.Code {
			steps = append(steps, "rm -rf "+Quote(inst.Image.WorkDir(expID)))
		}
		if opts.Input {
			steps = append(steps, "rm -rf "+Quote(inst.Image.InputDir(expID)))
		}
	}
	if opts.Detach {
		steps = append(steps, "rm -f "+Quote(path.Join(attachmentsDir, expID)))
	}
	if len(steps) > 0 {
		if err := p.mustRun(ctx, "cleanExperiment", head, strings.Join(steps, "; ")+"; true"); err != nil {
			return err
		}
	}

	if !opts.Detach {
		return nil
	}
	remaining, err := p.attachedExperiments(ctx, head)
	if err != nil {
		return models.NewRemoteError("cleanExperiment", instanceID, err)
	}
	if len(remaining) > 0 {
		return nil
	}

	p.logger.Info("Destroying instance without experiments", zap.String("inst_id", instanceID))
	for _, id := range inst.Members {
		p.removeContainer(id)
	}
	return nil
}

func (p *DockerProvisioner) instanceFrom(containers []types.Container) *models.Instance {
	sort.Slice(containers, func(i, j int) bool {
		a, _ := strconv.Atoi(containers[i].Labels[labelMember])
		b, _ := strconv.Atoi(containers[j].Labels[labelMember])
		return a < b
	})
	first := containers[0].Labels
	inst := &models.Instance{
		ID:      first[labelInstance],
		Name:    first[labelName],
		ImageID: first[labelImage],
		SizeID:  first[labelSize],
		Nodes:   len(containers),
	}
	for _, c := range containers {
		inst.Members = append(inst.Members, c.ID)
	}
	return inst
}

func (p *DockerProvisioner) attachedExperiments(ctx context.Context, head string) ([]string, error) {
	out, err := p.run(ctx, head, "ls -1 "+attachmentsDir+" 2>/dev/null; true")
	if err != nil {
		return nil, err
	}
	var exps []string
	for _, line := range strings.Split(out.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			exps = append(exps, line)
		}
	}
	return exps, nil
}

// run executes cmd with sh on a container and collects its output.
func (p *DockerProvisioner) run(ctx context.Context, containerID, cmd string) (CommandOutput, error) {
	exec, err := p.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return CommandOutput{}, fmt.Errorf("creating exec: %w", err)
	}

	resp, err := p.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return CommandOutput{}, fmt.Errorf("attaching exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		copied <- err
	}()
	select {
	case err := <-copied:
		if err != nil && err != io.EOF {
			return CommandOutput{}, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		return CommandOutput{}, ctx.Err()
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return CommandOutput{}, fmt.Errorf("inspecting exec: %w", err)
	}
	return CommandOutput{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

func (p *DockerProvisioner) mustRun(ctx context.Context, op, containerID, cmd string) error {
	out, err := p.run(ctx, containerID, cmd)
	if err != nil {
		return models.NewRemoteError(op, containerID, err)
	}
	if out.ExitCode != 0 {
		return models.NewRemoteError(op, containerID, fmt.Errorf("exit code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr)))
	}
	return nil
}

// pullImage pulls ref, skipping the pull when the image is already present.
func (p *DockerProvisioner) pullImage(ctx context.Context, ref string) error {
	if _, _, err := p.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	reader, err := p.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// removeContainer removes a Docker container
func (p *DockerProvisioner) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		p.logger.Warn("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var _ Provisioner = (*DockerProvisioner)(nil)
