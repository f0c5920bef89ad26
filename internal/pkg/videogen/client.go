// Package videogen drives the RunningHub AI app that turns one still image
// into a short camera-move clip, and dispatches batches of such jobs.
package videogen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
)

var ErrMissingAPIKey = errors.New("videogen: api key is required")

const (
	// CodeRateLimited is the RunningHub error code for a full task queue.
	CodeRateLimited = "421"

	DefaultAspectRatio = "16:9"
	DefaultPrompt      = "the camera very slowly glides into the scene in a linear path, 480p low quality 30fps steady motion"
	DefaultDuration    = "5"

	rateLimitMessage = "RunningHub rate limit reached. Please wait a few minutes and try again."
)

type ClipState string

const (
	ClipProcessing ClipState = "processing"
	ClipSuccess    ClipState = "success"
	ClipFailed     ClipState = "failed"
)

type Options struct {
	BaseURL    string
	APIKey     string
	AppID      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	appID      string
	httpClient *http.Client
}

type ClipRequest struct {
	ImageURL    string
	AspectRatio string
}

type ClipStatus struct {
	TaskID    string    `json:"taskId"`
	Status    ClipState `json:"status"`
	VideoURL  string    `json:"videoUrl,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
}

type nodeInfo struct {
	NodeID      string `json:"nodeId"`
	FieldName   string `json:"fieldName"`
	FieldValue  string `json:"fieldValue"`
	Description string `json:"description"`
}

type runRequest struct {
	NodeInfoList     []nodeInfo `json:"nodeInfoList"`
	InstanceType     string     `json:"instanceType"`
	UsePersonalQueue bool       `json:"usePersonalQueue"`
}

// code accepts both numeric and string error codes.
type code string

func (c *code) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "null" {
		s = ""
	}
	*c = code(s)
	return nil
}

func (c code) failed() bool {
	return c != "" && c != "0"
}

type runResponse struct {
	TaskID       string `json:"taskId"`
	ErrorCode    code   `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type queryResponse struct {
	Status       string `json:"status"`
	ErrorCode    code   `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Results      []struct {
		URL string `json:"url"`
	} `json:"results"`
	FailedReason *struct {
		ExceptionMessage string `json:"exception_message"`
	} `json:"failedReason"`
}

func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(opts.AppID) == "" {
		return nil, errors.New("videogen: app id is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://www.runninghub.cn"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		appID:      strings.TrimSpace(opts.AppID),
		httpClient: httpClient,
	}, nil
}

func buildRunRequest(req ClipRequest) runRequest {
	aspect := strings.TrimSpace(req.AspectRatio)
	if aspect == "" {
		aspect = DefaultAspectRatio
	}
	return runRequest{
		NodeInfoList: []nodeInfo{
			{NodeID: "39", FieldName: "image", FieldValue: req.ImageURL, Description: "Image"},
			{NodeID: "44", FieldName: "string", FieldValue: DefaultPrompt, Description: "Prompt words"},
			{NodeID: "45", FieldName: "string", FieldValue: DefaultDuration, Description: "Video duration"},
			{NodeID: "91", FieldName: "string", FieldValue: "constant 30 fps, 480p, low quality, smooth motion, aspect ratio: " + aspect, Description: "Special requirements"},
		},
		InstanceType:     "default",
		UsePersonalQueue: false,
	}
}

// Submit starts one clip job. Error code 421 is KindProviderRateLimited,
// every other refusal KindProviderRejected.
func (c *Client) Submit(ctx context.Context, req ClipRequest) (string, error) {
	const op = "videogen.Submit"
	if strings.TrimSpace(req.ImageURL) == "" {
		return "", apperr.New(apperr.KindInvalidInput, op, "image url is required")
	}
	body, err := json.Marshal(buildRunRequest(req))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("encode request: %w", err))
	}

	status, raw, err := c.post(ctx, c.baseURL+"/openapi/v2/run/ai-app/"+c.appID, body)
	if err != nil {
		return "", apperr.Wrap(apperr.KindProviderRejected, op, err)
	}
	if status >= 300 {
		msg := fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(raw)))
		return "", apperr.New(apperr.KindProviderRejected, op, msg)
	}

	var resp runResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", apperr.Wrap(apperr.KindProviderRejected, op, fmt.Errorf("decode response: %w", err))
	}
	if resp.ErrorCode.failed() {
		if string(resp.ErrorCode) == CodeRateLimited {
			return "", apperr.New(apperr.KindProviderRateLimited, op, rateLimitMessage)
		}
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "Unknown error"
		}
		log.Errorf("[VideoGen] Error code %s: %s", resp.ErrorCode, msg)
		return "", apperr.New(apperr.KindProviderRejected, op, msg)
	}
	if strings.TrimSpace(resp.TaskID) == "" {
		return "", apperr.New(apperr.KindProviderRejected, op, "No taskId returned")
	}
	return resp.TaskID, nil
}

// Query reads the clip state. Transport failures are KindPollTransport.
func (c *Client) Query(ctx context.Context, taskID string) (*ClipStatus, error) {
	const op = "videogen.Query"
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "task id is required")
	}
	body, _ := json.Marshal(map[string]string{"taskId": taskID})
	status, raw, err := c.post(ctx, c.baseURL+"/openapi/v2/query", body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPollTransport, op, err)
	}
	if status >= 300 {
		return nil, apperr.Wrap(apperr.KindPollTransport, op, fmt.Errorf("Status check failed: %d", status))
	}
	var resp queryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindPollTransport, op, fmt.Errorf("decode response: %w", err))
	}
	return parseQuery(taskID, resp), nil
}

func parseQuery(taskID string, resp queryResponse) *ClipStatus {
	if resp.Status == "SUCCESS" && len(resp.Results) > 0 {
		urls := make([]string, 0, len(resp.Results))
		for _, r := range resp.Results {
			urls = append(urls, r.URL)
		}
		return &ClipStatus{TaskID: taskID, Status: ClipSuccess, VideoURL: SelectResultURL(urls)}
	}
	if resp.Status == "FAILED" || resp.ErrorCode.failed() {
		msg := resp.ErrorMessage
		if msg == "" && resp.FailedReason != nil {
			msg = resp.FailedReason.ExceptionMessage
		}
		if msg == "" {
			msg = "Generation failed"
		}
		return &ClipStatus{TaskID: taskID, Status: ClipFailed, Error: msg, ErrorCode: string(resp.ErrorCode)}
	}
	return &ClipStatus{TaskID: taskID, Status: ClipProcessing}
}

// SelectResultURL prefers the high resolution variant ("高清" or a
// "P.mp4" suffix) and falls back to the first URL.
func SelectResultURL(urls []string) string {
	for _, u := range urls {
		if u != "" && (strings.Contains(u, "高清") || strings.Contains(u, "P.mp4")) {
			return u
		}
	}
	if len(urls) > 0 {
		return urls[0]
	}
	return ""
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
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
