package imagegen

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
)

const mockTaskPrefix = "mock-"

// MockResultURL is returned for every mock task.
const MockResultURL = "https://images.unsplash.com/photo-1618221195710-dd6b41faaea6?q=80&w=2000&auto=format&fit=crop"

// MockClient completes every task on the first status query. It is used in
// development when no API key is configured.
type MockClient struct {
	mu    sync.Mutex
	tasks map[string]TaskRequest
}

func NewMockClient() *MockClient {
	return &MockClient{tasks: make(map[string]TaskRequest)}
}

func (m *MockClient) CreateTask(_ context.Context, req TaskRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", apperr.New(apperr.KindInvalidInput, "imagegen.MockClient.CreateTask", "prompt is required")
	}
	id := mockTaskPrefix + ulid.Make().String()
	m.mu.Lock()
	m.tasks[id] = req
	m.mu.Unlock()
	return id, nil
}

func (m *MockClient) RecordInfo(_ context.Context, taskID string) (*TaskRecord, error) {
	m.mu.Lock()
	_, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok && !strings.HasPrefix(taskID, mockTaskPrefix) {
		return &TaskRecord{TaskID: taskID, State: StateFailed, FailMessage: "unknown task"}, nil
	}
	return &TaskRecord{TaskID: taskID, State: StateSuccess, ResultURLs: []string{MockResultURL}}, nil
}
