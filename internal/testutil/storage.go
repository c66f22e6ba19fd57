package testutil

import (
	"context"
	"sync"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/storage"
)

// FakeStorage records storage calls and serves fixed URLs and trees.
type FakeStorage struct {
	// Errs makes the named operation fail, e.g. Errs["PrepareExperiment"].
	Errs map[string]error

	InputTree []models.FolderNode
	SrcTree   []models.FolderNode

	mu       sync.Mutex
	prepared map[string]map[string]string
	removed  []string
}

// NewFakeStorage creates an empty FakeStorage.
func NewFakeStorage() *FakeStorage {
	return &FakeStorage{
		Errs:     make(map[string]error),
		prepared: make(map[string]map[string]string),
	}
}

func (s *FakeStorage) errFor(op, target string) error {
	if err := s.Errs[op]; err != nil {
		return models.NewRemoteError(op, target, err)
	}
	return nil
}

func (s *FakeStorage) PrepareExperiment(ctx context.Context, appID, expID string, labels map[string]string) error {
	if err := s.errFor("PrepareExperiment", expID); err != nil {
		return err
	}
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	s.mu.Lock()
	s.prepared[expID] = copied
	s.mu.Unlock()
	return nil
}

func (s *FakeStorage) GetApplicationURL(ctx context.Context, appID string) (string, error) {
	if err := s.errFor("GetApplicationURL", appID); err != nil {
		return "", err
	}
	return "git@storage:apps/" + appID + ".git", nil
}

func (s *FakeStorage) GetExperimentInputURL(ctx context.Context, expID string) (string, error) {
	if err := s.errFor("GetExperimentInputURL", expID); err != nil {
		return "", err
	}
	return "storage:/data/inputs/" + expID, nil
}

func (s *FakeStorage) GetExperimentOutputURL(ctx context.Context, expID string) (string, error) {
	if err := s.errFor("GetExperimentOutputURL", expID); err != nil {
		return "", err
	}
	return "https://storage.local/outputs/" + expID + "/output.tar.gz", nil
}

func (s *FakeStorage) RemoveExperimentData(ctx context.Context, expID string) error {
	s.mu.Lock()
	s.removed = append(s.removed, expID)
	s.mu.Unlock()
	return s.errFor("RemoveExperimentData", expID)
}

func (s *FakeStorage) GetInputFolderTree(ctx context.Context, expID string) ([]models.FolderNode, error) {
	if err := s.errFor("GetInputFolderTree", expID); err != nil {
		return nil, err
	}
	return s.InputTree, nil
}

func (s *FakeStorage) GetExperimentSrcFolderTree(ctx context.Context, expID string) ([]models.FolderNode, error) {
	if err := s.errFor("GetExperimentSrcFolderTree", expID); err != nil {
		return nil, err
	}
	return s.SrcTree, nil
}

// Labels returns the labels the experiment was prepared with.
func (s *FakeStorage) Labels(expID string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels, ok := s.prepared[expID]
	return labels, ok
}

// Removed returns the experiments whose data was removed.
func (s *FakeStorage) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

var _ storage.Storage = (*FakeStorage)(nil)
