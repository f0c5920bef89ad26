// Package imagegen talks to the Kie.ai jobs API: createTask submits an image
// transform, recordInfo reports its state.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
)

var ErrMissingAPIKey = errors.New("imagegen: api key is required")

const (
	StateSuccess = "success"
	StateFailed  = "failed"
	stateFail    = "fail"
)

const defaultAspectRatio = "auto"

type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

type TaskRequest struct {
	Prompt      string
	ImageURLs   []string
	AspectRatio string
}

// TaskRecord is the normalized provider state of a task.
type TaskRecord struct {
	TaskID      string
	State       string
	ResultURLs  []string
	FailMessage string
}

func (r *TaskRecord) Succeeded() bool {
	return r.State == StateSuccess
}

func (r *TaskRecord) Failed() bool {
	return r.State == StateFailed
}

// ResultURL returns the first result URL or "".
func (r *TaskRecord) ResultURL() string {
	for _, u := range r.ResultURLs {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	return ""
}

type createTaskRequest struct {
	Model string          `json:"model"`
	Input createTaskInput `json:"input"`
}

type createTaskInput struct {
	Prompt      string   `json:"prompt"`
	ImageInput  []string `json:"image_input"`
	AspectRatio string   `json:"aspect_ratio"`
}

type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	TaskID  string          `json:"taskId"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Message
}

type createTaskData struct {
	TaskID string `json:"taskId"`
	ID     string `json:"id"`
}

type recordInfoData struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

type resultPayload struct {
	ResultURLs []string `json:"resultUrls"`
}

func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.kie.ai"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "nano-banana-pro"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

// CreateTask submits a job and returns the provider task id. A rejected
// request is KindProviderRejected, a throttled one KindProviderRateLimited.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (string, error) {
	const op = "imagegen.CreateTask"

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", apperr.New(apperr.KindInvalidInput, op, "prompt is required")
	}
	if len(req.ImageURLs) == 0 {
		return "", apperr.New(apperr.KindInvalidInput, op, "image url is required")
	}
	aspect := strings.TrimSpace(req.AspectRatio)
	if aspect == "" {
		aspect = defaultAspectRatio
	}

	body, err := json.Marshal(createTaskRequest{
		Model: c.model,
		Input: createTaskInput{Prompt: prompt, ImageInput: req.ImageURLs, AspectRatio: aspect},
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("encode request: %w", err))
	}

	status, raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs/createTask", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.KindProviderRejected, op, err)
	}
	if status == http.StatusTooManyRequests {
		return "", apperr.Wrapf(apperr.KindProviderRateLimited, op, nil, "provider rate limit reached")
	}
	if status >= 300 {
		log.Errorf("[ImageGen] createTask status %d: %s", status, truncate(raw))
		return "", apperr.Wrap(apperr.KindProviderRejected, op, fmt.Errorf("status %d: %s", status, truncate(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", apperr.Wrap(apperr.KindProviderRejected, op, fmt.Errorf("decode response: %w", err))
	}
	if err := codeError(op, env); err != nil {
		return "", err
	}

	taskID := taskIDFrom(env)
	if taskID == "" {
		log.Errorf("[ImageGen] createTask returned no task id: %s", truncate(raw))
		return "", apperr.New(apperr.KindProviderRejected, op, "No taskId returned from provider")
	}
	log.Infof("[ImageGen] Task created: %s", taskID)
	return taskID, nil
}

// RecordInfo reads the task state. Transport and decode failures are
// KindPollTransport, which callers treat as retryable.
func (c *Client) RecordInfo(ctx context.Context, taskID string) (*TaskRecord, error) {
	const op = "imagegen.RecordInfo"

	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "task id is required")
	}
	endpoint := c.baseURL + "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(taskID)
	status, raw, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPollTransport, op, err)
	}
	if status >= 300 {
		return nil, apperr.Wrap(apperr.KindPollTransport, op, fmt.Errorf("status %d: %s", status, truncate(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperr.Wrap(apperr.KindPollTransport, op, fmt.Errorf("decode response: %w", err))
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return nil, apperr.Wrap(apperr.KindPollTransport, op, fmt.Errorf("code %d: %s", env.Code, env.message()))
	}
	var data recordInfoData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, apperr.Wrap(apperr.KindPollTransport, op, fmt.Errorf("decode data: %w", err))
		}
	}

	record := &TaskRecord{TaskID: taskID, State: normalizeState(data.State), FailMessage: data.FailMsg}
	if record.Succeeded() {
		var result resultPayload
		if err := json.Unmarshal([]byte(data.ResultJSON), &result); err != nil {
			return nil, apperr.Wrap(apperr.KindPollTransport, op, fmt.Errorf("decode resultJson: %w", err))
		}
		record.ResultURLs = result.ResultURLs
		if record.ResultURL() == "" {
			return nil, apperr.Wrap(apperr.KindPollTransport, op, errors.New("success without result url"))
		}
	}
	return record, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// codeError maps the in-body status code Kie returns with HTTP 200.
func codeError(op string, env envelope) error {
	switch env.Code {
	case 0, http.StatusOK:
		return nil
	case http.StatusTooManyRequests, 421:
		return apperr.Wrapf(apperr.KindProviderRateLimited, op, fmt.Errorf("code %d: %s", env.Code, env.message()), "provider rate limit reached")
	default:
		return apperr.Wrap(apperr.KindProviderRejected, op, fmt.Errorf("code %d: %s", env.Code, env.message()))
	}
}

// taskIDFrom reads data.taskId, then taskId, then data.id.
func taskIDFrom(env envelope) string {
	var data createTaskData
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	for _, id := range []string{data.TaskID, env.TaskID, data.ID} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

func normalizeState(state string) string {
	state = strings.ToLower(strings.TrimSpace(state))
	if state == stateFail {
		return StateFailed
	}
	return state
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
