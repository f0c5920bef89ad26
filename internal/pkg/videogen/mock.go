package videogen

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
)

const (
	mockTaskPrefix = "mock-video-"
	MockVideoURL   = "https://commondatastorage.googleapis.com/gtv-videos-bucket/sample/BigBuckBunny.mp4"
)

// MockClient accepts every clip and reports it finished on the first query.
// It replaces the provider in development when no API key is configured.
type MockClient struct{}

func (MockClient) Submit(_ context.Context, req ClipRequest) (string, error) {
	if strings.TrimSpace(req.ImageURL) == "" {
		return "", apperr.New(apperr.KindInvalidInput, "videogen.MockClient.Submit", "image url is required")
	}
	return mockTaskPrefix + ulid.Make().String(), nil
}

func (MockClient) Query(_ context.Context, taskID string) (*ClipStatus, error) {
	if !strings.HasPrefix(taskID, mockTaskPrefix) {
		return &ClipStatus{TaskID: taskID, Status: ClipFailed, Error: "unknown task"}, nil
	}
	return &ClipStatus{TaskID: taskID, Status: ClipSuccess, VideoURL: MockVideoURL}, nil
}
