package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/test/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewFromDB(util.SetupTestDatabase(t))
}

func seedSandbox(t *testing.T, s *Store, state models.SandboxState) *models.Sandbox {
	t.Helper()
	sb := &models.Sandbox{
		ID:                 "sbx-" + uuid.New().String(),
		CreatedBy:          "tester",
		State:              state,
		IdleTimeoutSeconds: 300,
	}
	require.NoError(t, s.CreateSandbox(context.Background(), sb))
	if state != models.SandboxStateInitializing {
		require.NoError(t, s.SetSandboxState(context.Background(), sb.ID, state))
	}
	return sb
}

func seedRequest(t *testing.T, s *Store, sandboxID string, rt models.RequestType, payload any) *models.Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := &models.Request{
		ID:          "req-" + uuid.New().String(),
		SandboxID:   sandboxID,
		RequestType: rt,
		CreatedBy:   "tester",
		Payload:     raw,
	}
	require.NoError(t, s.InsertRequest(context.Background(), req))
	return req
}

func seedTask(t *testing.T, s *Store, sandboxID string, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:        "task-" + uuid.New().String(),
		SandboxID: sandboxID,
		CreatedBy: "tester",
		Status:    status,
		TaskType:  models.TaskTypeNL,
		Input: models.TaskInputCol{
			Content: []models.ContentItem{{Type: models.ContentTypeText, Content: "do the thing"}},
		},
	}
	inserted, err := s.InsertTask(context.Background(), task)
	require.NoError(t, err)
	require.True(t, inserted)
	return task
}

// microsecond-truncated reference time for deadline queries
func microNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
