// Package poller reconciles experiment records with the status file and log
// files found on their instance.
package poller

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/dante-gpu/experiment-orchestrator/internal/logging"
	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/provision"
	"github.com/dante-gpu/experiment-orchestrator/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// remoteStatuses are the stored statuses a remote status file may advance.
// Terminal and reset statuses are owned by the pipeline.
var remoteStatuses = []models.ExperimentStatus{
	models.StatusDeployed,
	models.StatusCompiling,
	models.StatusCompiled,
	models.StatusExecuting,
	models.StatusExecuted,
}

// Options tunes a Coordinator.
type Options struct {
	// LogPatterns are find -name patterns of the log files to collect
	LogPatterns []string
	// LogReadConcurrency bounds the log files read at once per poll
	LogReadConcurrency int
}

// Coordinator performs remote polls with at most one poll in flight per
// experiment.
type Coordinator struct {
	store  store.ExperimentStore
	prov   provision.Provisioner
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{} // closed when the poll finishes

	onWait func(expID string) // test hook, called before blocking on another poll
}

// New creates a Coordinator.
func New(experiments store.ExperimentStore, prov provision.Provisioner, opts Options, logger *zap.Logger) *Coordinator {
	if opts.LogReadConcurrency <= 0 {
		opts.LogReadConcurrency = 4
	}
	return &Coordinator{
		store:    experiments,
		prov:     prov,
		opts:     opts,
		logger:   logger.Named("poller"),
		inflight: make(map[string]chan struct{}),
	}
}

// Poll refreshes the logs and status of expID from its instance and returns
// the resulting status.
//
// When another poll of expID is in flight, Poll waits for it. With force
// unset it then returns the stored status without polling itself; with force
// set it performs its own poll afterwards, so the result is never older than
// the call. An experiment without an instance is not polled remotely.
func (c *Coordinator) Poll(ctx context.Context, expID string, force bool) (models.ExperimentStatus, error) {
	for {
		release, wait := c.acquire(expID)
		if release != nil {
			defer release()
			return c.poll(ctx, expID)
		}

		if c.onWait != nil {
			c.onWait(expID)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if !force {
			return c.storedStatus(ctx, expID)
		}
	}
}

// acquire takes the poll guard of expID. When it is held by another poll,
// release is nil and wait is closed once that poll finishes.
func (c *Coordinator) acquire(expID string) (release func(), wait <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, busy := c.inflight[expID]; busy {
		return nil, ch
	}
	ch := make(chan struct{})
	c.inflight[expID] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.inflight, expID)
			c.mu.Unlock()
			close(ch)
		})
	}, nil
}

// InFlight reports whether a poll of expID is running.
func (c *Coordinator) InFlight(expID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inflight[expID]
	return busy
}

func (c *Coordinator) storedStatus(ctx context.Context, expID string) (models.ExperimentStatus, error) {
	exp, err := c.store.GetExperiment(ctx, expID)
	if err != nil {
		return "", err
	}
	return exp.Status, nil
}

func (c *Coordinator) poll(ctx context.Context, expID string) (models.ExperimentStatus, error) {
	exp, err := c.store.GetExperiment(ctx, expID)
	if err != nil {
		return "", err
	}
	if exp.InstanceID == "" {
		return exp.Status, nil
	}
	instID := exp.InstanceID
	log := logging.FromContext(ctx, c.logger).With(zap.String("experiment_id", expID), zap.String("inst_id", instID))

	inst, err := c.prov.GetInstance(ctx, instID, true, false)
	if err != nil {
		return "", fmt.Errorf("polling %s: %w", expID, err)
	}
	if inst.Image == nil {
		return "", models.NewRemoteError("getInstance", instID, errors.New("instance has no image"))
	}
	workDir := inst.Image.WorkDir(expID)

	logs, err := c.fetchLogs(ctx, instID, workDir)
	if err != nil {
		return "", fmt.Errorf("fetching logs of %s: %w", expID, err)
	}
	if err := c.store.UpdateExperiment(ctx, expID, store.Update().WithLogs(logs).IfInstance(instID)); err != nil {
		if errors.Is(err, models.ErrStaleUpdate) {
			log.Debug("Experiment released its instance during poll")
			return c.storedStatus(ctx, expID)
		}
		return "", err
	}

	status, err := c.readStatus(ctx, instID, workDir)
	if err != nil {
		return "", fmt.Errorf("reading status of %s: %w", expID, err)
	}
	if status == "" {
		return c.storedStatus(ctx, expID)
	}

	if err := c.store.UpdateExperiment(ctx, expID, store.Update().WithStatus(status).IfInstance(instID).IfStatus(remoteStatuses...)); err != nil {
		if errors.Is(err, models.ErrStaleUpdate) {
			log.Debug("Experiment moved on during poll")
			return c.storedStatus(ctx, expID)
		}
		return "", err
	}

	log.Debug("Experiment polled", zap.String("status", string(status)), zap.Int("logs", len(logs)))
	return status, nil
}

// fetchLogs lists the log files below workDir and reads them, decompressing
// gzipped ones. The result is sorted by file name.
func (c *Coordinator) fetchLogs(ctx context.Context, instID, workDir string) ([]models.ExperimentLog, error) {
	out, err := c.prov.ExecuteCommand(ctx, instID, findCommand(workDir, c.opts.LogPatterns))
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		// No work directory (yet).
		return []models.ExperimentLog{}, nil
	}

	var files []string
	for _, line := range strings.Split(out.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}

	logs := make([]*models.ExperimentLog, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.LogReadConcurrency)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			out, err := c.prov.ExecuteCommand(gctx, instID, "zcat -f "+provision.Quote(file))
			if err != nil {
				return err
			}
			if out.ExitCode != 0 {
				// Removed between find and read.
				return nil
			}
			logs[i] = &models.ExperimentLog{Name: path.Base(file), Content: out.Stdout}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make([]models.ExperimentLog, 0, len(logs))
	for _, l := range logs {
		if l != nil {
			result = append(result, *l)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// readStatus returns the content of the status file, or "" when there is
// none yet.
func (c *Coordinator) readStatus(ctx context.Context, instID, workDir string) (models.ExperimentStatus, error) {
	out, err := c.prov.ExecuteCommand(ctx, instID, "cat "+provision.Quote(path.Join(workDir, models.StatusFileName)))
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", nil
	}
	return models.ExperimentStatus(strings.TrimSpace(out.Stdout)), nil
}

func findCommand(workDir string, patterns []string) string {
	names := make([]string, len(patterns))
	for i, p := range patterns {
		names[i] = "-name " + provision.Quote(p)
	}
	return fmt.Sprintf(`find %s -type f \( %s \)`, provision.Quote(workDir), strings.Join(names, " -o "))
}
