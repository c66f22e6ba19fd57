package rpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteErrorsMatchLocalSentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		code     string
		matches  error
		validate bool
	}{
		{name: "not found", err: fmt.Errorf("get: %w", models.ErrExperimentNotFound), code: CodeNotFound, matches: models.ErrExperimentNotFound},
		{name: "conflict", err: fmt.Errorf("launch: %w", models.ErrInvalidStatus), code: CodeConflict, matches: models.ErrInvalidStatus},
		{name: "validation", err: models.NewValidationError("nodes", "must be at least 1"), code: CodeValidation, validate: true},
		{name: "internal", err: errors.New("disk full"), code: CodeInternal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			data, err := EncodeReply(nil, tc.err)
			require.NoError(t, err)

			remote := DecodeReply(data, nil)
			require.Error(t, remote)

			var rpcErr *Error
			require.ErrorAs(t, remote, &rpcErr)
			assert.Equal(t, tc.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tc.err.Error())
			if tc.matches != nil {
				assert.ErrorIs(t, remote, tc.matches)
			}
			assert.Equal(t, tc.validate, models.IsValidation(remote))
		})
	}
}

func TestDecodeReplyResult(t *testing.T) {
	t.Parallel()

	data, err := EncodeReply(map[string]string{"job_id": "42"}, nil)
	require.NoError(t, err)

	var out struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, DecodeReply(data, &out))
	assert.Equal(t, "42", out.JobID)

	// Empty result leaves the target alone.
	empty, err := EncodeReply(nil, nil)
	require.NoError(t, err)
	assert.NoError(t, DecodeReply(empty, &out))
	assert.Equal(t, "42", out.JobID)

	assert.Error(t, DecodeReply([]byte("not json"), &out))
}
