package imagegen

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL, APIKey: "secret", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Options{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestCreateTaskSendsPayload(t *testing.T) {
	var got createTaskRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs/createTask", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"task-1"}}`))
	})

	id, err := c.CreateTask(context.Background(), TaskRequest{Prompt: "empty the room", ImageURLs: []string{"https://cdn/x.jpg"}})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, "nano-banana-pro", got.Model)
	assert.Equal(t, "auto", got.Input.AspectRatio)
	assert.Equal(t, []string{"https://cdn/x.jpg"}, got.Input.ImageInput)
}

func TestCreateTaskTaskIDFallbacks(t *testing.T) {
	cases := map[string]string{
		`{"taskId":"top"}`:                   "top",
		`{"data":{"id":"nested-id"}}`:        "nested-id",
		`{"taskId":"top","data":{"id":"x"}}`: "top",
	}
	for body, want := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		id, err := c.CreateTask(context.Background(), TaskRequest{Prompt: "p", ImageURLs: []string{"u"}})
		require.NoError(t, err, body)
		assert.Equal(t, want, id, body)
	}
}

func TestCreateTaskErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   apperr.Kind
	}{
		{"http error", http.StatusInternalServerError, `oops`, apperr.KindProviderRejected},
		{"missing task id", http.StatusOK, `{"code":200,"data":{}}`, apperr.KindProviderRejected},
		{"http 429", http.StatusTooManyRequests, `{}`, apperr.KindProviderRateLimited},
		{"body code 429", http.StatusOK, `{"code":429,"msg":"slow down"}`, apperr.KindProviderRateLimited},
		{"body code 402", http.StatusOK, `{"code":402,"msg":"no credits"}`, apperr.KindProviderRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.CreateTask(context.Background(), TaskRequest{Prompt: "p", ImageURLs: []string{"u"}})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestRecordInfoStates(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		state   string
		url     string
		errKind apperr.Kind
	}{
		{"success", `{"code":200,"data":{"state":"success","resultJson":"{\"resultUrls\":[\"https://r/1.png\"]}"}}`, StateSuccess, "https://r/1.png", ""},
		{"fail alias", `{"code":200,"data":{"state":"fail","failMsg":"nsfw"}}`, StateFailed, "", ""},
		{"waiting", `{"code":200,"data":{"state":"waiting"}}`, "waiting", "", ""},
		{"bad result json", `{"code":200,"data":{"state":"success","resultJson":"nope"}}`, "", "", apperr.KindPollTransport},
		{"success without url", `{"code":200,"data":{"state":"success","resultJson":"{\"resultUrls\":[]}"}}`, "", "", apperr.KindPollTransport},
		{"not json", `<html>`, "", "", apperr.KindPollTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/jobs/recordInfo", r.URL.Path)
				assert.Equal(t, "task-9", r.URL.Query().Get("taskId"))
				_, _ = w.Write([]byte(tt.body))
			})
			rec, err := c.RecordInfo(context.Background(), "task-9")
			if tt.errKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.errKind, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.state, rec.State)
			assert.Equal(t, tt.url, rec.ResultURL())
		})
	}
}

func TestRecordInfoTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.RecordInfo(context.Background(), "task-9")
	assert.True(t, apperr.IsKind(err, apperr.KindPollTransport))
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	id, err := m.CreateTask(context.Background(), TaskRequest{Prompt: "p"})
	require.NoError(t, err)

	rec, err := m.RecordInfo(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.Succeeded())
	assert.Equal(t, MockResultURL, rec.ResultURL())

	rec, err = m.RecordInfo(context.Background(), "other")
	require.NoError(t, err)
	assert.True(t, rec.Failed())
}
